package consumers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/minasoft/hl7-bridge/internal/audit"
	"github.com/minasoft/hl7-bridge/internal/db"
	"github.com/minasoft/hl7-bridge/internal/hl7"
	natsstore "github.com/minasoft/hl7-bridge/internal/nats"
)

type fakeSender struct {
	err   error
	sent  [][]byte
	hasDL bool
}

func (s *fakeSender) Send(ctx context.Context, message []byte) (*hl7.Message, error) {
	_, s.hasDL = ctx.Deadline()
	s.sent = append(s.sent, message)
	return nil, s.err
}

type memStore struct {
	mu   sync.Mutex
	msgs map[string]db.OutboundMessage
}

func newMemStore() *memStore { return &memStore{msgs: map[string]db.OutboundMessage{}} }

func (s *memStore) Save(_ context.Context, msg db.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[msg.ID] = msg
	return nil
}

type memCounter map[string]int

func (c memCounter) Increment(_ context.Context, key string) error {
	c[key]++
	return nil
}

type fixture struct {
	sender  *fakeSender
	history *memStore
	dlq     *memStore
	stats   memCounter
	events  []audit.Event
	fwd     *MessageForwarder
}

func newFixture(sendErr error) *fixture {
	fx := &fixture{
		sender:  &fakeSender{err: sendErr},
		history: newMemStore(),
		dlq:     newMemStore(),
		stats:   memCounter{},
	}
	fx.fwd = NewMessageForwarder(Deps{
		Sender:   fx.sender,
		History:  fx.history,
		DLQ:      fx.dlq,
		Stats:    fx.stats,
		Recorder: audit.RecorderFunc(func(_ context.Context, e audit.Event) { fx.events = append(fx.events, e) }),
	}, Options{MaxDeliver: 3}, zerolog.Nop())
	fx.fwd.now = func() time.Time { return time.Date(2026, 1, 29, 9, 30, 0, 0, time.UTC) }
	return fx
}

func queued(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(db.OutboundMessage{
		ID:          "MSG1",
		MessageType: "SIU^S12^SIU_S12",
		RawMessage:  []byte("MSH|^~\\&|PFI|FACILITY|HIS|RECEIVER"),
		Status:      db.StatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestForward_Success(t *testing.T) {
	fx := newFixture(nil)
	if d := fx.fwd.forward(context.Background(), queued(t), 1); d != dispositionAck {
		t.Fatalf("expected ack, got %v", d)
	}
	if len(fx.sender.sent) != 1 || string(fx.sender.sent[0]) != "MSH|^~\\&|PFI|FACILITY|HIS|RECEIVER" {
		t.Errorf("unexpected payload %q", fx.sender.sent)
	}
	if !fx.sender.hasDL {
		t.Error("send must carry a deadline")
	}
	got := fx.history.msgs["MSG1"]
	if got.Status != db.StatusForwarded || got.ProcessedAt == nil {
		t.Errorf("unexpected history record %+v", got)
	}
	if fx.stats[natsstore.KeyOutboundForwarded] != 1 {
		t.Errorf("unexpected stats %v", fx.stats)
	}
	if len(fx.events) != 1 || fx.events[0].Action != audit.ActionForward || fx.events[0].Outcome != audit.OutcomeSuccess {
		t.Errorf("unexpected audit %+v", fx.events)
	}
}

func TestForward_RetryThenDeadLetter(t *testing.T) {
	fx := newFixture(errors.New("connection refused"))

	for attempt := uint64(1); attempt < 3; attempt++ {
		if d := fx.fwd.forward(context.Background(), queued(t), attempt); d != dispositionRetry {
			t.Fatalf("attempt %d: expected retry, got %v", attempt, d)
		}
	}
	if len(fx.dlq.msgs) != 0 {
		t.Fatal("nothing may reach the DLQ before the last attempt")
	}

	if d := fx.fwd.forward(context.Background(), queued(t), 3); d != dispositionDeadLetter {
		t.Fatalf("expected dead letter, got %v", d)
	}
	dead := fx.dlq.msgs["MSG1"]
	if dead.Status != db.StatusFailed || dead.RetryCount != 3 || dead.LastError != "connection refused" {
		t.Errorf("unexpected DLQ record %+v", dead)
	}
	if fx.stats[natsstore.KeyOutboundFailed] != 1 {
		t.Errorf("unexpected stats %v", fx.stats)
	}
}

func TestForward_RejectIsPermanent(t *testing.T) {
	fx := newFixture(&hl7.NegativeAckError{Code: hl7.AckReject, ControlID: "MSG1"})
	if d := fx.fwd.forward(context.Background(), queued(t), 1); d != dispositionDeadLetter {
		t.Fatalf("AR must not be retried, got %v", d)
	}
	if _, ok := fx.dlq.msgs["MSG1"]; !ok {
		t.Error("rejected message should be in the DLQ")
	}
}

func TestForward_ApplicationErrorIsRetried(t *testing.T) {
	fx := newFixture(&hl7.NegativeAckError{Code: hl7.AckError, ControlID: "MSG1"})
	if d := fx.fwd.forward(context.Background(), queued(t), 1); d != dispositionRetry {
		t.Fatalf("AE should be retried, got %v", d)
	}
}

func TestForward_UndecodablePayload(t *testing.T) {
	fx := newFixture(nil)
	if d := fx.fwd.forward(context.Background(), []byte("{"), 1); d != dispositionDeadLetter {
		t.Fatalf("expected dead letter, got %v", d)
	}
	if len(fx.sender.sent) != 0 {
		t.Error("nothing should be sent")
	}
}

type fakeMsg struct {
	jetstream.Msg
	data   []byte
	ackErr error
	acks   int
}

func (m *fakeMsg) Data() []byte { return m.data }

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return nil, errors.New("no metadata")
}

func (m *fakeMsg) Ack() error {
	m.acks++
	return m.ackErr
}

func (m *fakeMsg) NakWithDelay(time.Duration) error { return m.ackErr }

func (m *fakeMsg) Term() error { return m.ackErr }

func TestHandle_LogsFailedAck(t *testing.T) {
	fx := newFixture(nil)
	var buf bytes.Buffer
	fx.fwd.logger = zerolog.New(&buf)

	msg := &fakeMsg{data: queued(t), ackErr: errors.New("nats: connection closed")}
	fx.fwd.handle(context.Background(), msg)

	if msg.acks != 1 {
		t.Fatalf("expected one ack, got %d", msg.acks)
	}
	out := buf.String()
	if !strings.Contains(out, "failed to acknowledge outbound message") ||
		!strings.Contains(out, `"op":"ack"`) || !strings.Contains(out, `"level":"warn"`) {
		t.Errorf("ack failure not logged:\n%s", out)
	}
}

func TestHandle_SuccessfulAckIsQuiet(t *testing.T) {
	fx := newFixture(nil)
	var buf bytes.Buffer
	fx.fwd.logger = zerolog.New(&buf).Level(zerolog.WarnLevel)

	fx.fwd.handle(context.Background(), &fakeMsg{data: queued(t)})

	if buf.Len() != 0 {
		t.Errorf("unexpected warnings:\n%s", buf.String())
	}
}
