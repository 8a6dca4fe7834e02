package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/minasoft/hl7-bridge/internal/audit"
	"github.com/minasoft/hl7-bridge/internal/db"
	"github.com/minasoft/hl7-bridge/internal/hl7"
	"github.com/minasoft/hl7-bridge/internal/metrics"
	natsstore "github.com/minasoft/hl7-bridge/internal/nats"
)

const consumerName = "outbound-forwarder"

// Sender delivers one HL7 message and waits for its acknowledgment.
type Sender interface {
	Send(ctx context.Context, message []byte) (*hl7.Message, error)
}

// Store keeps outbound message records.
type Store interface {
	Save(ctx context.Context, msg db.OutboundMessage) error
}

// Counter increments named statistics.
type Counter interface {
	Increment(ctx context.Context, key string) error
}

type Options struct {
	MaxDeliver  int
	AckWait     time.Duration
	RetryDelay  time.Duration
	SendTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = 5
	}
	if o.AckWait <= 0 {
		o.AckWait = 30 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	return o
}

// MessageForwarder drains the outbound stream into the legacy HIS.
type MessageForwarder struct {
	js       jetstream.JetStream
	sender   Sender
	history  Store
	dlq      Store
	stats    Counter
	recorder audit.Recorder
	metrics  *metrics.Metrics
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

type Deps struct {
	JetStream jetstream.JetStream
	Sender    Sender
	History   Store
	DLQ       Store
	Stats     Counter
	Recorder  audit.Recorder
	Metrics   *metrics.Metrics
}

func NewMessageForwarder(deps Deps, opts Options, logger zerolog.Logger) *MessageForwarder {
	rec := deps.Recorder
	if rec == nil {
		rec = audit.Nop
	}
	return &MessageForwarder{
		js:       deps.JetStream,
		sender:   deps.Sender,
		history:  deps.History,
		dlq:      deps.DLQ,
		stats:    deps.Stats,
		recorder: rec,
		metrics:  deps.Metrics,
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("component", "forwarder").Logger(),
		now:      time.Now,
	}
}

// Start creates the durable consumer and forwards messages until ctx is
// cancelled.
func (f *MessageForwarder) Start(ctx context.Context) error {
	consumer, err := f.js.CreateOrUpdateConsumer(ctx, natsstore.StreamOutbound, jetstream.ConsumerConfig{
		Durable:       consumerName,
		Description:   "Forwards SIU write-back messages to the legacy HIS",
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    f.opts.MaxDeliver,
		AckWait:       f.opts.AckWait,
		MaxAckPending: 100,
	})
	if err != nil {
		return fmt.Errorf("failed to create outbound consumer: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		f.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start outbound consumer: %w", err)
	}

	f.logger.Info().Str("stream", natsstore.StreamOutbound).Int("max_deliver", f.opts.MaxDeliver).Msg("outbound forwarder started")

	go func() {
		<-ctx.Done()
		cons.Stop()
	}()
	return nil
}

type disposition int

const (
	dispositionAck disposition = iota
	dispositionRetry
	dispositionDeadLetter
)

func (f *MessageForwarder) handle(ctx context.Context, msg jetstream.Msg) {
	attempt := uint64(1)
	if md, err := msg.Metadata(); err == nil {
		attempt = md.NumDelivered
	}

	var (
		op  string
		err error
	)
	switch f.forward(ctx, msg.Data(), attempt) {
	case dispositionAck:
		op, err = "ack", msg.Ack()
	case dispositionRetry:
		op, err = "nak", msg.NakWithDelay(f.opts.RetryDelay)
	case dispositionDeadLetter:
		op, err = "term", msg.Term()
	}
	if err != nil {
		// A lost ack means the stream redelivers a message the HIS already has.
		f.logger.Warn().Err(err).
			Str("op", op).
			Uint64("attempt", attempt).
			Msg("failed to acknowledge outbound message")
	}
}

// forward sends one queued message. attempt is the 1-based delivery count
// reported by the stream.
func (f *MessageForwarder) forward(ctx context.Context, data []byte, attempt uint64) disposition {
	var out db.OutboundMessage
	if err := json.Unmarshal(data, &out); err != nil {
		f.logger.Error().Err(err).Msg("undecodable outbound message, dropping")
		return dispositionDeadLetter
	}

	sendCtx, cancel := context.WithTimeout(ctx, f.opts.SendTimeout)
	_, err := f.sender.Send(sendCtx, out.RawMessage)
	cancel()

	if err == nil {
		now := f.now()
		out.Status = db.StatusForwarded
		out.LastError = ""
		out.ProcessedAt = &now
		f.save(ctx, f.history, out)
		f.count(ctx, natsstore.KeyOutboundForwarded, "forwarded")
		f.audit(ctx, out, audit.OutcomeSuccess, nil)
		f.logger.Info().
			Str("id", out.ID).
			Str("message_type", out.MessageType).
			Msg("outbound message forwarded")
		return dispositionAck
	}

	out.RetryCount = int(attempt)
	out.LastError = err.Error()

	var nack *hl7.NegativeAckError
	permanent := errors.As(err, &nack) && nack.Code == hl7.AckReject

	if permanent || attempt >= uint64(f.opts.MaxDeliver) {
		out.Status = db.StatusFailed
		f.save(ctx, f.dlq, out)
		f.save(ctx, f.history, out)
		f.count(ctx, natsstore.KeyOutboundFailed, "dead_letter")
		f.audit(ctx, out, audit.OutcomeFailure, err)
		f.logger.Error().Err(err).
			Str("id", out.ID).
			Int("attempts", out.RetryCount).
			Msg("outbound message moved to dead letter queue")
		return dispositionDeadLetter
	}

	out.Status = db.StatusPending
	f.save(ctx, f.history, out)
	f.count(ctx, "", "retry")
	f.logger.Warn().Err(err).
		Str("id", out.ID).
		Int("attempt", out.RetryCount).
		Msg("outbound send failed, will retry")
	return dispositionRetry
}

func (f *MessageForwarder) save(ctx context.Context, s Store, msg db.OutboundMessage) {
	if s == nil {
		return
	}
	if err := s.Save(ctx, msg); err != nil {
		f.logger.Error().Err(err).Str("id", msg.ID).Msg("failed to store outbound message")
	}
}

func (f *MessageForwarder) count(ctx context.Context, key, outcome string) {
	if f.metrics != nil {
		f.metrics.OutboundForwarded.WithLabelValues(outcome).Inc()
	}
	if f.stats != nil && key != "" {
		if err := f.stats.Increment(ctx, key); err != nil {
			f.logger.Warn().Err(err).Str("key", key).Msg("failed to update counter")
		}
	}
}

func (f *MessageForwarder) audit(ctx context.Context, msg db.OutboundMessage, outcome audit.Outcome, err error) {
	e := audit.Event{
		Actor:        audit.ActorWriteBack,
		Action:       audit.ActionForward,
		ResourceID:   msg.ID,
		ResourceType: "HL7_V2",
		Outcome:      outcome,
	}
	if err != nil {
		e.Details = map[string]string{"error": err.Error()}
	}
	f.recorder.Record(ctx, e)
}
