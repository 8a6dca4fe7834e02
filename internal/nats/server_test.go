package nats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/minasoft/hl7-bridge/internal/audit"
	"github.com/minasoft/hl7-bridge/internal/db"
)

func startServer(t *testing.T) *EmbeddedServer {
	t.Helper()
	es, err := NewEmbeddedServer(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(es.Shutdown)
	return es
}

func TestEmbeddedServer_DeclaresStreamsAndBuckets(t *testing.T) {
	es := startServer(t)
	ctx := context.Background()

	for _, name := range []string{StreamOutbound, StreamAudit} {
		if _, err := es.JetStream().Stream(ctx, name); err != nil {
			t.Errorf("stream %s: %v", name, err)
		}
	}
	for _, name := range []string{BucketStats, BucketDLQ, BucketHistory} {
		if _, err := es.JetStream().KeyValue(ctx, name); err != nil {
			t.Errorf("bucket %s: %v", name, err)
		}
	}
	if !es.Connection().IsConnected() {
		t.Error("client connection should be up")
	}
}

func TestStats_ConcurrentIncrement(t *testing.T) {
	es := startServer(t)
	ctx := context.Background()
	stats, err := OpenStats(ctx, es.JetStream())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := stats.Increment(ctx, "receive_success"); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	snap, err := stats.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap["receive_success"] != int64(8) {
		t.Errorf("expected 8, got %v", snap["receive_success"])
	}
}

func TestMessageStore(t *testing.T) {
	es := startServer(t)
	ctx := context.Background()
	store, err := OpenMessageStore(ctx, es.JetStream(), BucketDLQ)
	if err != nil {
		t.Fatal(err)
	}

	if msgs, err := store.List(ctx, MessageFilter{}); err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty store, got %v %v", msgs, err)
	}

	base := time.Date(2026, 1, 29, 9, 0, 0, 0, time.UTC)
	for i, m := range []db.OutboundMessage{
		{ID: "MSG1", Timestamp: base, MessageType: "SIU^S12^SIU_S12", AppointmentID: "apt-1", Status: db.StatusFailed},
		{ID: "MSG2", Timestamp: base.Add(time.Minute), MessageType: "SIU^S15^SIU_S12", AppointmentID: "apt-2", Status: db.StatusFailed},
		{ID: "MSG3", Timestamp: base.Add(2 * time.Minute), MessageType: "SIU^S12^SIU_S12", AppointmentID: "apt-3", Status: db.StatusPending},
	} {
		if err := store.Save(ctx, m); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	got, err := store.Get(ctx, "MSG2")
	if err != nil || got.AppointmentID != "apt-2" {
		t.Errorf("unexpected get %+v %v", got, err)
	}

	failed, _ := store.List(ctx, MessageFilter{Status: db.StatusFailed})
	if len(failed) != 2 || failed[0].ID != "MSG2" {
		t.Errorf("expected newest failed first, got %+v", failed)
	}
	s12, _ := store.List(ctx, MessageFilter{MessageType: "s12", Limit: 1})
	if len(s12) != 1 || s12[0].ID != "MSG3" {
		t.Errorf("unexpected filtered list %+v", s12)
	}

	if err := store.Delete(ctx, "MSG2"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "MSG2"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestOutboundPublisher(t *testing.T) {
	es := startServer(t)
	ctx := context.Background()
	js := es.JetStream()
	history, _ := OpenMessageStore(ctx, js, BucketHistory)
	stats, _ := OpenStats(ctx, js)

	pub := NewOutboundPublisher(js, history, stats, zerolog.Nop())
	if err := pub.Publish(ctx, db.OutboundMessage{ID: "MSG42", RawMessage: []byte("MSH|^~\\&|PFI")}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	stream, _ := js.Stream(ctx, StreamOutbound)
	info, err := stream.Info(ctx)
	if err != nil || info.State.Msgs != 1 {
		t.Fatalf("expected one queued message, got %+v %v", info, err)
	}
	raw, err := stream.GetLastMsgForSubject(ctx, OutboundSubject("MSG42"))
	if err != nil || len(raw.Data) == 0 {
		t.Fatalf("message not on its subject: %v", err)
	}

	saved, err := history.Get(ctx, "MSG42")
	if err != nil || saved.Status != db.StatusPending {
		t.Errorf("history not updated: %+v %v", saved, err)
	}
	snap, _ := stats.Snapshot(ctx)
	if snap[KeyOutboundQueued] != int64(1) {
		t.Errorf("expected queued counter 1, got %v", snap[KeyOutboundQueued])
	}
}

func TestAuditRecorders(t *testing.T) {
	es := startServer(t)
	ctx := context.Background()
	js := es.JetStream()
	stats, _ := OpenStats(ctx, js)

	rec := audit.Multi(NewAuditPublisher(js, zerolog.Nop()), NewStatsRecorder(stats, zerolog.Nop()))
	rec.Record(ctx, audit.Event{Action: audit.ActionDeliver, ResourceID: "pat-1", Outcome: audit.OutcomeSuccess})
	rec.Record(ctx, audit.Event{Action: audit.ActionDeliver, ResourceID: "obs-1", Outcome: audit.OutcomeFailure})
	rec.Record(ctx, audit.Event{Action: audit.ActionReceive, ResourceID: "MSG1", Outcome: audit.OutcomeSuccess})

	stream, _ := js.Stream(ctx, StreamAudit)
	info, err := stream.Info(ctx)
	if err != nil || info.State.Msgs != 3 {
		t.Fatalf("expected three audit events, got %+v %v", info, err)
	}
	if _, err := stream.GetLastMsgForSubject(ctx, "audit.deliver"); err != nil {
		t.Errorf("expected an event on audit.deliver: %v", err)
	}

	snap, _ := stats.Snapshot(ctx)
	for key, want := range map[string]int64{"deliver_success": 1, "deliver_failure": 1, "receive_success": 1} {
		if snap[key] != want {
			t.Errorf("%s = %v, want %d", key, snap[key], want)
		}
	}
	if _, ok := snap["last_inbound_time"].(string); !ok {
		t.Errorf("expected last_inbound_time, got %v", snap["last_inbound_time"])
	}
}

func TestStatsKey(t *testing.T) {
	if got := StatsKey(audit.ActionGenerateCDA, audit.OutcomeFailure); got != "generate_cda_failure" {
		t.Errorf("unexpected key %s", got)
	}
}
