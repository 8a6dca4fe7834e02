package db

import (
	"time"
)

// Outbound message states.
const (
	StatusPending   = "pending"
	StatusForwarded = "forwarded"
	StatusFailed    = "failed"
)

// OutboundMessage is a write-back SIU message on its way to the legacy
// HIS. It is carried as JSON on the outbound stream and kept in the
// history and dead letter buckets.
type OutboundMessage struct {
	ID               string     `json:"id"`
	Timestamp        time.Time  `json:"timestamp"`
	Event            string     `json:"event"` // S12, S13 or S15
	MessageType      string     `json:"message_type"`
	MessageControlID string     `json:"message_control_id"`
	AppointmentID    string     `json:"appointment_id"`
	DestinationAddr  string     `json:"destination_addr,omitempty"`
	RawMessage       []byte     `json:"raw_message"`
	Status           string     `json:"status"`
	RetryCount       int        `json:"retry_count"`
	LastError        string     `json:"last_error,omitempty"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
}

type StreamInfo struct {
	Name          string `json:"name"`
	Messages      uint64 `json:"messages"`
	Bytes         uint64 `json:"bytes"`
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`
}

type ConsumerInfo struct {
	Stream          string `json:"stream"`
	Name            string `json:"name"`
	Pending         uint64 `json:"pending"`
	Delivered       uint64 `json:"delivered"`
	AckPending      uint64 `json:"ack_pending"`
	RedeliveryCount uint64 `json:"redelivery_count"`
}
