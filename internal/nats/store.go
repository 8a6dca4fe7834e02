package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/hl7-bridge/internal/db"
)

// Stats keeps monotonically increasing counters in a KV bucket.
type Stats struct {
	kv jetstream.KeyValue
}

func NewStats(kv jetstream.KeyValue) *Stats {
	return &Stats{kv: kv}
}

// OpenStats binds to the stats bucket.
func OpenStats(ctx context.Context, js jetstream.JetStream) (*Stats, error) {
	kv, err := js.KeyValue(ctx, BucketStats)
	if err != nil {
		return nil, fmt.Errorf("stats bucket: %w", err)
	}
	return NewStats(kv), nil
}

const maxCASAttempts = 10

// Increment adds one to key using compare-and-set, so concurrent writers
// never lose an update.
func (s *Stats) Increment(ctx context.Context, key string) error {
	var lastErr error
	for i := 0; i < maxCASAttempts; i++ {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			if _, lastErr = s.kv.Create(ctx, key, []byte("1")); lastErr == nil {
				return nil
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("stats get %s: %w", key, err)
		}

		n, _ := strconv.ParseInt(string(entry.Value()), 10, 64)
		next := []byte(strconv.FormatInt(n+1, 10))
		if _, lastErr = s.kv.Update(ctx, key, next, entry.Revision()); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("stats increment %s: %w", key, lastErr)
}

// Touch records the current time under key.
func (s *Stats) Touch(ctx context.Context, key string, t time.Time) error {
	_, err := s.kv.PutString(ctx, key, t.UTC().Format(time.RFC3339))
	return err
}

// Snapshot returns every counter. Non-numeric values such as timestamps
// are returned as strings.
func (s *Stats) Snapshot(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	keys, err := s.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		if n, err := strconv.ParseInt(string(entry.Value()), 10, 64); err == nil {
			out[key] = n
		} else {
			out[key] = string(entry.Value())
		}
	}
	return out, nil
}

// MessageStore keeps outbound messages as JSON, keyed by message id.
type MessageStore struct {
	kv jetstream.KeyValue
}

func NewMessageStore(kv jetstream.KeyValue) *MessageStore {
	return &MessageStore{kv: kv}
}

// OpenMessageStore binds to bucket, which is BucketDLQ or BucketHistory.
func OpenMessageStore(ctx context.Context, js jetstream.JetStream, bucket string) (*MessageStore, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("%s bucket: %w", bucket, err)
	}
	return NewMessageStore(kv), nil
}

var ErrMessageNotFound = errors.New("message not found")

func (s *MessageStore) Save(ctx context.Context, msg db.OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(ctx, msg.ID, data)
	return err
}

func (s *MessageStore) Get(ctx context.Context, id string) (db.OutboundMessage, error) {
	var msg db.OutboundMessage
	entry, err := s.kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return msg, ErrMessageNotFound
	}
	if err != nil {
		return msg, err
	}
	err = json.Unmarshal(entry.Value(), &msg)
	return msg, err
}

func (s *MessageStore) Delete(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, id)
}

// MessageFilter selects messages in List. Empty fields match everything;
// text fields match case-insensitively on substrings.
type MessageFilter struct {
	Status        string
	MessageType   string
	AppointmentID string
	Limit         int
}

func (f MessageFilter) match(m db.OutboundMessage) bool {
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.MessageType != "" && !containsFold(m.MessageType, f.MessageType) {
		return false
	}
	if f.AppointmentID != "" && !containsFold(m.AppointmentID, f.AppointmentID) {
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// List returns matching messages, newest first.
func (s *MessageStore) List(ctx context.Context, f MessageFilter) ([]db.OutboundMessage, error) {
	messages := []db.OutboundMessage{}
	keys, err := s.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return messages, nil
	}
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var msg db.OutboundMessage
		if err := json.Unmarshal(entry.Value(), &msg); err != nil {
			continue
		}
		if f.match(msg) {
			messages = append(messages, msg)
		}
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Timestamp.After(messages[j].Timestamp)
	})
	if f.Limit > 0 && len(messages) > f.Limit {
		messages = messages[:f.Limit]
	}
	return messages, nil
}
