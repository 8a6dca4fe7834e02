// Package audit records the processing trail of every inbound message and
// outbound document. Events carry resource ids and outcomes, never raw
// message text.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type Action string

const (
	ActionReceive     Action = "RECEIVE"
	ActionValidate    Action = "VALIDATE"
	ActionTransform   Action = "TRANSFORM"
	ActionDeliver     Action = "DELIVER"
	ActionWriteBack   Action = "WRITE_BACK"
	ActionForward     Action = "FORWARD"
	ActionGenerateCDA Action = "GENERATE_CDA"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Actors.
const (
	ActorMLLPAdapter       = "MLLP_ADAPTER"
	ActorIntegrationEngine = "INTEGRATION_ENGINE"
	ActorWriteBack         = "WRITE_BACK"
	ActorDocumentService   = "DMP_SERVICE"
)

// Event is one audit trail entry.
type Event struct {
	Time         time.Time         `json:"timestamp"`
	Actor        string            `json:"actor_id"`
	Action       Action            `json:"action_type"`
	ResourceID   string            `json:"resource_id"`
	ResourceType string            `json:"resource_type"`
	Outcome      Outcome           `json:"outcome"`
	Details      map[string]string `json:"details,omitempty"`
}

// Recorder persists audit events. Implementations must not block the
// caller for long and must be safe for concurrent use; a failed record
// never fails the operation being audited.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// RecorderFunc is a function adapter for Recorder.
type RecorderFunc func(ctx context.Context, e Event)

func (f RecorderFunc) Record(ctx context.Context, e Event) {
	f(ctx, e)
}

// LogRecorder writes each event as a structured log line.
type LogRecorder struct {
	logger zerolog.Logger
	now    func() time.Time
}

func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

func (r *LogRecorder) Record(_ context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = r.now()
	}
	evt := r.logger.Info()
	if e.Outcome == OutcomeFailure {
		evt = r.logger.Warn()
	}
	d := zerolog.Dict()
	for k, v := range e.Details {
		d.Str(k, v)
	}
	evt.
		Str("type", "AUDIT").
		Time("timestamp", e.Time.UTC()).
		Str("actor_id", e.Actor).
		Str("action_type", string(e.Action)).
		Str("resource_id", e.ResourceID).
		Str("resource_type", e.ResourceType).
		Str("outcome", string(e.Outcome)).
		Dict("details", d).
		Msg("Audit Trail")
}

// Multi fans an event out to every recorder in order.
func Multi(recorders ...Recorder) Recorder {
	return RecorderFunc(func(ctx context.Context, e Event) {
		if e.Time.IsZero() {
			e.Time = time.Now()
		}
		for _, r := range recorders {
			if r != nil {
				r.Record(ctx, e)
			}
		}
	})
}

// Nop discards every event.
var Nop Recorder = RecorderFunc(func(context.Context, Event) {})
