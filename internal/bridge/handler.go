// Package bridge runs the inbound pipeline behind the MLLP listener:
// decode, check compliance, deliver, acknowledge.
package bridge

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/minasoft/hl7-bridge/internal/audit"
	"github.com/minasoft/hl7-bridge/internal/fhir"
	"github.com/minasoft/hl7-bridge/internal/hl7"
	"github.com/minasoft/hl7-bridge/internal/mapping"
	"github.com/minasoft/hl7-bridge/internal/metrics"
	"github.com/minasoft/hl7-bridge/internal/validation"
)

// Deliverer sends one resource downstream.
type Deliverer interface {
	Deliver(ctx context.Context, r fhir.Resource) error
}

type Options struct {
	// DeliveryTimeout bounds each Deliver call.
	DeliveryTimeout time.Duration
	// NackOnDecodeError answers AE instead of AA when a frame cannot be
	// decoded.
	NackOnDecodeError bool
	Responder         hl7.Responder
}

// Handler implements hl7.FrameHandler. Frames of one connection arrive
// sequentially; the handler itself holds no per-connection state.
type Handler struct {
	deliverer Deliverer
	recorder  audit.Recorder
	metrics   *metrics.Metrics
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

func NewHandler(d Deliverer, rec audit.Recorder, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Handler {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 5 * time.Second
	}
	if opts.Responder.Application == "" {
		opts.Responder = hl7.Responder{Application: "PFI", Facility: "PHARMACIE"}
	}
	if rec == nil {
		rec = audit.Nop
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	return &Handler{
		deliverer: d,
		recorder:  rec,
		metrics:   m,
		opts:      opts,
		logger:    logger.With().Str("component", "bridge").Logger(),
		now:       time.Now,
	}
}

// HandleFrame never fails: whatever happens to the content, exactly one
// acknowledgment is returned.
func (h *Handler) HandleFrame(ctx context.Context, frame []byte) []byte {
	msg, _ := hl7.ParseMessage(frame)

	receiptID := "HL7_MSG_" + strconv.FormatInt(h.now().UnixNano(), 10)
	if msg != nil && msg.ControlID() != "" {
		receiptID = msg.ControlID()
	}
	h.recorder.Record(ctx, audit.Event{
		Actor:        audit.ActorMLLPAdapter,
		Action:       audit.ActionReceive,
		ResourceID:   receiptID,
		ResourceType: "HL7_V2",
		Outcome:      audit.OutcomeSuccess,
		Details:      map[string]string{"length": strconv.Itoa(len(frame))},
	})

	var (
		decoded *mapping.Decoded
		err     error
	)
	if msg != nil {
		decoded, err = mapping.DecodeMessage(msg)
	} else {
		decoded, err = mapping.Decode(frame)
	}

	code := hl7.AckAccept
	if err != nil {
		family := mapping.FamilyUnsupported
		if msg != nil {
			family = mapping.Classify(msg.MessageType())
		}
		h.metrics.FramesReceived.WithLabelValues(family.String()).Inc()
		h.metrics.DecodeErrors.Inc()
		h.logger.Error().Err(err).Int("length", len(frame)).Msg("Processing Error")
		h.recorder.Record(ctx, audit.Event{
			Actor:        audit.ActorIntegrationEngine,
			Action:       audit.ActionTransform,
			ResourceID:   receiptID,
			ResourceType: "HL7_V2",
			Outcome:      audit.OutcomeFailure,
			Details:      map[string]string{"error": err.Error()},
		})
		if h.opts.NackOnDecodeError {
			code = hl7.AckError
		}
		return hl7.CreateACK(msg, code, h.opts.Responder, h.now()).Bytes()
	}

	h.metrics.FramesReceived.WithLabelValues(decoded.Family.String()).Inc()
	h.logger.Info().
		Str("message_type", decoded.MessageType).
		Str("control_id", decoded.ControlID).
		Int("resources", len(decoded.Resources)).
		Msg("HL7 message decoded")

	for _, r := range decoded.Resources {
		if ctx.Err() != nil {
			h.logger.Warn().Str("control_id", decoded.ControlID).Msg("connection closed, abandoning remaining deliveries")
			break
		}
		h.check(ctx, r)
		h.deliver(ctx, r)
	}

	return hl7.CreateACK(msg, code, h.opts.Responder, h.now()).Bytes()
}

// check runs the compliance validator for r. The outcome is logged and
// audited; it never blocks delivery.
func (h *Handler) check(ctx context.Context, r fhir.Resource) {
	switch r.(type) {
	case *fhir.Patient, *fhir.DiagnosticReport, *fhir.Observation:
	default:
		return
	}

	res := validation.Check(r)
	evt := audit.Event{
		Actor:        audit.ActorIntegrationEngine,
		Action:       audit.ActionValidate,
		ResourceID:   r.GetID(),
		ResourceType: r.GetResourceType(),
		Outcome:      audit.OutcomeSuccess,
	}
	if !res.Valid {
		h.metrics.ValidationFailures.WithLabelValues(r.GetResourceType()).Inc()
		h.logger.Warn().
			Str("resource_type", r.GetResourceType()).
			Str("resource_id", r.GetID()).
			Str("code", res.Code).
			Msg("Compliance check failed")
		evt.Outcome = audit.OutcomeFailure
		evt.Details = map[string]string{"code": res.Code, "error": res.Message}
	}
	for _, w := range res.Warnings {
		h.logger.Info().Str("resource_id", r.GetID()).Str("warning", w).Msg("Compliance warning")
	}
	h.recorder.Record(ctx, evt)
}

func (h *Handler) deliver(ctx context.Context, r fhir.Resource) {
	if h.deliverer == nil {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, h.opts.DeliveryTimeout)
	err := h.deliverer.Deliver(dctx, r)
	cancel()

	evt := audit.Event{
		Actor:        audit.ActorIntegrationEngine,
		Action:       audit.ActionDeliver,
		ResourceID:   r.GetID(),
		ResourceType: r.GetResourceType(),
		Outcome:      audit.OutcomeSuccess,
	}
	if err != nil {
		h.logger.Error().Err(err).
			Str("resource_type", r.GetResourceType()).
			Str("resource_id", r.GetID()).
			Msg("Gateway Error")
		evt.Outcome = audit.OutcomeFailure
		evt.Details = map[string]string{"error": err.Error()}
	} else {
		h.logger.Info().
			Str("resource_type", r.GetResourceType()).
			Str("resource_id", r.GetID()).
			Msg("Resource delivered")
	}
	h.recorder.Record(ctx, evt)
}
