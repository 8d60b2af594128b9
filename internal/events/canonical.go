package events

import (
	"encoding/json"

	"github.com/google/uuid"
)

// CanonicalEvent represents a versioned domain event.
type CanonicalEvent interface {
	EventType() string
}

// Envelope captures transport metadata for events leaving the outbox.
type Envelope struct {
	EventID         uuid.UUID       `json:"event_id"`
	EventType       string          `json:"event_type"`
	Aggregate       string          `json:"aggregate"`
	TimestampMicros int64           `json:"timestamp"`
	Payload         json.RawMessage `json:"payload"`
}

// EnvelopeFor wraps an outbox entry for downstream transports. The outbox id doubles as the
// event id so consumers can de-duplicate redeliveries.
func EnvelopeFor(entry OutboxEntry) Envelope {
	return Envelope{
		EventID:         entry.ID,
		EventType:       entry.Type,
		Aggregate:       entry.Aggregate,
		TimestampMicros: entry.CreatedAt.UTC().UnixMicro(),
		Payload:         append([]byte(nil), entry.Payload...),
	}
}

// AppointmentAggregate is the aggregate key for a booking record.
func AppointmentAggregate(variant, id string) string {
	return "appointment:" + variant + ":" + id
}
