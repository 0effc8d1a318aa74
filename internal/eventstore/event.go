// Package eventstore provides the append-only per-aggregate event log with
// optimistic version control, snapshots, and the transactional outbox rows
// that feed the domain event dispatcher.
package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/openfinance/core/internal/oferr"
)

// Event is the immutable envelope persisted for every domain event.
// (AggregateID, SequenceNumber) is unique across the store.
type Event struct {
	EventID        string          `json:"eventId"`
	AggregateID    string          `json:"aggregateId"`
	AggregateType  string          `json:"aggregateType"`
	SequenceNumber int64           `json:"sequenceNumber"`
	EventType      string          `json:"eventType"`
	EventVersion   int             `json:"eventVersion"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurredAt"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	CausationID    string          `json:"causationId,omitempty"`
}

// NewEvent builds an envelope around a payload. The sequence number is
// assigned by the aggregate, not here.
func NewEvent(aggregateID, aggregateType, eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, oferr.Wrap(oferr.KindFatal, "event_marshal", err)
	}
	return Event{
		EventID:       uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventVersion:  1,
		Payload:       raw,
		OccurredAt:    time.Now().UTC(),
	}, nil
}

// Snapshot captures aggregate state at a sequence number so rehydration
// only replays the tail of the stream.
type Snapshot struct {
	AggregateID    string          `json:"aggregateId"`
	SequenceNumber int64           `json:"sequenceNumber"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// OutboxEntry is a row in the outbox table, written in the same transaction
// as the events it mirrors.
type OutboxEntry struct {
	ID             int64
	AggregateID    string
	SequenceNumber int64
	Payload        []byte
	Status         string // pending | dispatched
	DispatchedAt   *time.Time
}

// ErrConcurrency is returned when the optimistic expectedSequence check
// fails. Callers re-read the stream and retry the command.
var ErrConcurrency = oferr.New(oferr.KindConcurrency, "version_conflict", "aggregate version conflict")

// Store is the persistence contract for event streams.
type Store interface {
	// Append atomically persists events with sequence numbers starting at
	// expectedSequence+1 and mirrors each into the outbox. Fails with
	// ErrConcurrency if another writer got there first.
	Append(ctx context.Context, expectedSequence int64, events []Event) error

	// Load returns all events for the aggregate with sequence > afterSequence,
	// in sequence order.
	Load(ctx context.Context, aggregateID string, afterSequence int64) ([]Event, error)

	// SaveSnapshot persists a snapshot. Best effort; losing one only costs
	// replay time.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadSnapshot returns the latest snapshot, or nil if none exists.
	LoadSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)
}

// OutboxSource is implemented by stores that can feed the dispatcher.
type OutboxSource interface {
	// PendingOutbox returns up to limit undispatched entries in insertion order.
	PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)

	// MarkDispatched acknowledges an entry after a successful bus publish.
	MarkDispatched(ctx context.Context, id int64) error

	// OutboxLag returns the number of undispatched entries.
	OutboxLag(ctx context.Context) (int, error)
}
