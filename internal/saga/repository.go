package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/openfinance/core/internal/oferr"
)

// Repository persists saga instances. Save is an upsert; every orchestrator
// state transition goes through it before the next effect runs.
type Repository interface {
	Save(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, sagaID string) (*Instance, error)
	// ListTimedOut returns IN_PROGRESS sagas with timeoutAt <= now.
	ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*Instance, error)
}

// ---- in-memory implementation ----

type MemoryRepository struct {
	mu    sync.RWMutex
	sagas map[string]*Instance
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sagas: make(map[string]*Instance)}
}

func (m *MemoryRepository) Save(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inst
	cp.Data = inst.Data.clone()
	cp.Steps = append([]StepRecord(nil), inst.Steps...)
	m.sagas[inst.SagaID] = &cp
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, sagaID string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.sagas[sagaID]
	if !ok {
		return nil, oferr.New(oferr.KindNotFound, "saga_not_found", "saga not found")
	}
	cp := *inst
	cp.Data = inst.Data.clone()
	cp.Steps = append([]StepRecord(nil), inst.Steps...)
	return &cp, nil
}

func (m *MemoryRepository) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Instance
	for _, inst := range m.sagas {
		if inst.Status == StatusInProgress && !now.Before(inst.TimeoutAt) {
			cp := *inst
			cp.Data = inst.Data.clone()
			cp.Steps = append([]StepRecord(nil), inst.Steps...)
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

var _ Repository = (*MemoryRepository)(nil)

// ---- Postgres implementation ----

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Save(ctx context.Context, inst *Instance) error {
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return oferr.Wrap(oferr.KindFatal, "saga_data_encode", err)
	}
	steps, err := json.Marshal(inst.Steps)
	if err != nil {
		return oferr.Wrap(oferr.KindFatal, "saga_steps_encode", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO saga_state (
			saga_id, saga_type, current_step, status, data, steps,
			started_at, updated_at, timeout_at, error_details
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (saga_id) DO UPDATE SET
			current_step = EXCLUDED.current_step,
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			steps = EXCLUDED.steps,
			updated_at = EXCLUDED.updated_at,
			error_details = EXCLUDED.error_details`,
		inst.SagaID, inst.SagaType, inst.CurrentStep, inst.Status, data, steps,
		inst.StartedAt, inst.UpdatedAt, inst.TimeoutAt, inst.ErrorDetails)
	if err != nil {
		return oferr.Wrap(oferr.KindTransient, "saga_save", err)
	}
	return nil
}

func (p *PostgresRepository) Get(ctx context.Context, sagaID string) (*Instance, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT saga_id, saga_type, current_step, status, data, steps,
		       started_at, updated_at, timeout_at, error_details
		FROM saga_state WHERE saga_id = $1`, sagaID)
	return scanInstance(row)
}

func (p *PostgresRepository) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*Instance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT saga_id, saga_type, current_step, status, data, steps,
		       started_at, updated_at, timeout_at, error_details
		FROM saga_state
		WHERE status = 'IN_PROGRESS' AND timeout_at <= $1
		ORDER BY timeout_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, oferr.Wrap(oferr.KindTransient, "saga_list_timed_out", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var inst Instance
	var data, steps []byte
	err := row.Scan(&inst.SagaID, &inst.SagaType, &inst.CurrentStep, &inst.Status,
		&data, &steps, &inst.StartedAt, &inst.UpdatedAt, &inst.TimeoutAt, &inst.ErrorDetails)
	if err == sql.ErrNoRows {
		return nil, oferr.New(oferr.KindNotFound, "saga_not_found", "saga not found")
	}
	if err != nil {
		return nil, oferr.Wrap(oferr.KindTransient, "saga_scan", err)
	}
	if err := json.Unmarshal(data, &inst.Data); err != nil {
		return nil, oferr.Wrap(oferr.KindFatal, "saga_data_decode", err)
	}
	if err := json.Unmarshal(steps, &inst.Steps); err != nil {
		return nil, oferr.Wrap(oferr.KindFatal, "saga_steps_decode", err)
	}
	return &inst, nil
}

var _ Repository = (*PostgresRepository)(nil)
