package eventstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/openfinance/core/internal/oferr"
)

// MemoryStore is the in-process fallback used when Postgres is not
// configured, and the store every package test runs against. Semantics
// match PostgresStore: optimistic append, outbox mirroring, snapshots.
type MemoryStore struct {
	mu        sync.Mutex
	streams   map[string][]Event
	snapshots map[string]Snapshot
	outbox    []OutboxEntry
	nextID    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string][]Event),
		snapshots: make(map[string]Snapshot),
		nextID:    1,
	}
}

func (s *MemoryStore) Append(ctx context.Context, expectedSequence int64, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	aggID := events[0].AggregateID
	stream := s.streams[aggID]
	last := int64(0)
	if len(stream) > 0 {
		last = stream[len(stream)-1].SequenceNumber
	}
	if last != expectedSequence {
		return ErrConcurrency
	}

	seq := expectedSequence
	for _, ev := range events {
		seq++
		if ev.SequenceNumber != seq {
			return oferr.Newf(oferr.KindFatal, "sequence_gap",
				"pending event seq %d, expected %d", ev.SequenceNumber, seq)
		}
		s.streams[aggID] = append(s.streams[aggID], ev)

		payload, err := json.Marshal(ev)
		if err != nil {
			return oferr.Wrap(oferr.KindFatal, "outbox_marshal", err)
		}
		s.outbox = append(s.outbox, OutboxEntry{
			ID:             s.nextID,
			AggregateID:    ev.AggregateID,
			SequenceNumber: ev.SequenceNumber,
			Payload:        payload,
			Status:         "pending",
		})
		s.nextID++
	}
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, aggregateID string, afterSequence int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.streams[aggregateID] {
		if ev.SequenceNumber > afterSequence {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snapshots[snap.AggregateID]; ok && cur.SequenceNumber >= snap.SequenceNumber {
		return nil
	}
	s.snapshots[snap.AggregateID] = snap
	return nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.snapshots[aggregateID]; ok {
		cp := snap
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []OutboxEntry
	for _, e := range s.outbox {
		if e.Status == "pending" {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkDispatched(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			now := time.Now()
			s.outbox[i].Status = "dispatched"
			s.outbox[i].DispatchedAt = &now
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) OutboxLag(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lag := 0
	for _, e := range s.outbox {
		if e.Status == "pending" {
			lag++
		}
	}
	return lag, nil
}

var _ Store = (*MemoryStore)(nil)
var _ OutboxSource = (*MemoryStore)(nil)
