package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/openfinance/core/internal/oferr"
)

// PostgresStore persists event streams, snapshots, and outbox rows in
// Postgres. The events insert and the outbox insert share one transaction,
// which is what makes the outbox dispatch atomic with the state change.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, oferr.Wrap(oferr.KindUnavailable, "postgres_open", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, oferr.Wrap(oferr.KindUnavailable, "postgres_ping", err)
	}

	slog.Info("Postgres connected")
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing pool (tests, shared pools).
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// DB exposes the pool for repositories that live in the same database
// (bulk files, fx quotes, saga state).
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Append(ctx context.Context, expectedSequence int64, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if events[0].SequenceNumber != expectedSequence+1 {
		return oferr.Newf(oferr.KindFatal, "sequence_gap",
			"first pending event has seq %d, expected %d", events[0].SequenceNumber, expectedSequence+1)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return oferr.Wrap(oferr.KindTransient, "tx_begin", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, aggregate_id, aggregate_type, sequence_number,
			                    event_type, event_version, payload, occurred_at,
			                    correlation_id, causation_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			ev.EventID, ev.AggregateID, ev.AggregateType, ev.SequenceNumber,
			ev.EventType, ev.EventVersion, ev.Payload, ev.OccurredAt,
			ev.CorrelationID, ev.CausationID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConcurrency
			}
			return oferr.Wrap(oferr.KindTransient, "event_insert", err)
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			return oferr.Wrap(oferr.KindFatal, "outbox_marshal", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (aggregate_id, sequence_number, payload, status)
			VALUES ($1, $2, $3, 'pending')`,
			ev.AggregateID, ev.SequenceNumber, payload)
		if err != nil {
			return oferr.Wrap(oferr.KindTransient, "outbox_insert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrConcurrency
		}
		return oferr.Wrap(oferr.KindTransient, "tx_commit", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, aggregateID string, afterSequence int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, sequence_number,
		       event_type, event_version, payload, occurred_at,
		       correlation_id, causation_id
		FROM events
		WHERE aggregate_id = $1 AND sequence_number > $2
		ORDER BY sequence_number`,
		aggregateID, afterSequence)
	if err != nil {
		return nil, oferr.Wrap(oferr.KindTransient, "events_query", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.EventID, &ev.AggregateID, &ev.AggregateType,
			&ev.SequenceNumber, &ev.EventType, &ev.EventVersion, &ev.Payload,
			&ev.OccurredAt, &ev.CorrelationID, &ev.CausationID); err != nil {
			return nil, oferr.Wrap(oferr.KindTransient, "events_scan", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, sequence_number, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (aggregate_id) DO UPDATE
		SET sequence_number = EXCLUDED.sequence_number,
		    payload = EXCLUDED.payload,
		    created_at = EXCLUDED.created_at
		WHERE snapshots.sequence_number < EXCLUDED.sequence_number`,
		snap.AggregateID, snap.SequenceNumber, snap.Payload, snap.CreatedAt)
	if err != nil {
		return oferr.Wrap(oferr.KindTransient, "snapshot_save", err)
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT aggregate_id, sequence_number, payload, created_at
		FROM snapshots WHERE aggregate_id = $1`,
		aggregateID).Scan(&snap.AggregateID, &snap.SequenceNumber, &snap.Payload, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, oferr.Wrap(oferr.KindTransient, "snapshot_load", err)
	}
	return &snap, nil
}

// ---- OutboxSource ----

func (s *PostgresStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_id, sequence_number, payload
		FROM outbox WHERE status = 'pending'
		ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, oferr.Wrap(oferr.KindTransient, "outbox_query", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.SequenceNumber, &e.Payload); err != nil {
			return nil, oferr.Wrap(oferr.KindTransient, "outbox_scan", err)
		}
		e.Status = "pending"
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkDispatched(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'dispatched', dispatched_at = now() WHERE id = $1`, id)
	if err != nil {
		return oferr.Wrap(oferr.KindTransient, "outbox_ack", err)
	}
	return nil
}

func (s *PostgresStore) OutboxLag(ctx context.Context) (int, error) {
	var lag int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM outbox WHERE status = 'pending'`).Scan(&lag)
	if err != nil {
		return 0, oferr.Wrap(oferr.KindTransient, "outbox_lag", err)
	}
	return lag, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
var _ OutboxSource = (*PostgresStore)(nil)
