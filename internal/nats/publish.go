package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/minasoft/hl7-bridge/internal/audit"
	"github.com/minasoft/hl7-bridge/internal/db"
)

// Stats keys written outside the audit trail.
const (
	KeyOutboundQueued    = "outbound_queued"
	KeyOutboundForwarded = "outbound_forwarded"
	KeyOutboundFailed    = "outbound_failed"
	KeyLastOutboundTime  = "last_outbound_time"
)

// OutboundPublisher queues write-back messages for the forwarder.
type OutboundPublisher struct {
	js      jetstream.JetStream
	history *MessageStore
	stats   *Stats
	logger  zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, history *MessageStore, stats *Stats, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:      js,
		history: history,
		stats:   stats,
		logger:  logger.With().Str("component", "outbound-publisher").Logger(),
	}
}

// Publish puts msg on hl7.outbound.<id> and records it in the history
// bucket. A history or stats failure does not undo the publish.
func (p *OutboundPublisher) Publish(ctx context.Context, msg db.OutboundMessage) error {
	if msg.Status == "" {
		msg.Status = db.StatusPending
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(ctx, OutboundSubject(msg.ID), data); err != nil {
		return fmt.Errorf("publish outbound %s: %w", msg.ID, err)
	}
	if p.history != nil {
		if err := p.history.Save(ctx, msg); err != nil {
			p.logger.Warn().Err(err).Str("id", msg.ID).Msg("failed to record outbound message in history")
		}
	}
	if p.stats != nil {
		if err := p.stats.Increment(ctx, KeyOutboundQueued); err != nil {
			p.logger.Warn().Err(err).Str("key", KeyOutboundQueued).Msg("failed to update counter")
		}
		if err := p.stats.Touch(ctx, KeyLastOutboundTime, time.Now()); err != nil {
			p.logger.Warn().Err(err).Str("key", KeyLastOutboundTime).Msg("failed to update counter")
		}
	}
	return nil
}

// OutboundSubject returns the subject carrying message id.
func OutboundSubject(id string) string {
	return SubjectOutbound + "." + id
}

const recordTimeout = 2 * time.Second

// AuditPublisher appends audit events to the audit stream on
// audit.<action>. It implements audit.Recorder.
type AuditPublisher struct {
	js     jetstream.JetStream
	logger zerolog.Logger
}

func NewAuditPublisher(js jetstream.JetStream, logger zerolog.Logger) *AuditPublisher {
	return &AuditPublisher{js: js, logger: logger.With().Str("component", "audit-publisher").Logger()}
}

func (p *AuditPublisher) Record(ctx context.Context, e audit.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	subject := SubjectAudit + "." + strings.ToLower(string(e.Action))
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.logger.Error().Err(err).Str("action", string(e.Action)).Msg("failed to publish audit event")
	}
}

// StatsRecorder counts audit events per action and outcome, under keys
// such as deliver_success. It implements audit.Recorder.
type StatsRecorder struct {
	stats  *Stats
	logger zerolog.Logger
}

func NewStatsRecorder(stats *Stats, logger zerolog.Logger) *StatsRecorder {
	return &StatsRecorder{stats: stats, logger: logger.With().Str("component", "stats").Logger()}
}

func (r *StatsRecorder) Record(ctx context.Context, e audit.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	key := StatsKey(e.Action, e.Outcome)
	if err := r.stats.Increment(ctx, key); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("failed to update counter")
	}
	if e.Action == audit.ActionReceive {
		t := e.Time
		if t.IsZero() {
			t = time.Now()
		}
		if err := r.stats.Touch(ctx, "last_inbound_time", t); err != nil {
			r.logger.Warn().Err(err).Str("key", "last_inbound_time").Msg("failed to update counter")
		}
	}
}

// StatsKey is the counter key for an action and outcome.
func StatsKey(action audit.Action, outcome audit.Outcome) string {
	return strings.ToLower(string(action)) + "_" + string(outcome)
}
