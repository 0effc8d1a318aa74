package bulk

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/openfinance/core/internal/oferr"
)

// Repository persists bulk files and their reports. UpdateFile must refuse
// to touch a file that already reached a terminal status.
type Repository interface {
	SaveFile(ctx context.Context, f File) error
	GetFile(ctx context.Context, fileID string) (File, error)
	UpdateFile(ctx context.Context, f File) error
	SaveReport(ctx context.Context, r Report) error
	GetReport(ctx context.Context, fileID string) (Report, error)
}

// ---- in-memory implementation ----

type MemoryRepository struct {
	mu      sync.RWMutex
	files   map[string]File
	reports map[string]Report
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{files: make(map[string]File), reports: make(map[string]Report)}
}

func (m *MemoryRepository) SaveFile(ctx context.Context, f File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.FileID] = f
	return nil
}

func (m *MemoryRepository) GetFile(ctx context.Context, fileID string) (File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[fileID]
	if !ok {
		return File{}, oferr.New(oferr.KindNotFound, "bulk_file_not_found", "bulk file not found")
	}
	return f, nil
}

func (m *MemoryRepository) UpdateFile(ctx context.Context, f File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.files[f.FileID]
	if !ok {
		return oferr.New(oferr.KindNotFound, "bulk_file_not_found", "bulk file not found")
	}
	if cur.Status.Terminal() {
		return oferr.New(oferr.KindFatal, "bulk_file_immutable", "terminal bulk file must not change")
	}
	m.files[f.FileID] = f
	return nil
}

func (m *MemoryRepository) SaveReport(ctx context.Context, r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.FileID] = r
	return nil
}

func (m *MemoryRepository) GetReport(ctx context.Context, fileID string) (Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[fileID]
	if !ok {
		return Report{}, oferr.New(oferr.KindNotFound, "bulk_report_not_found", "bulk report not found")
	}
	return r, nil
}

var _ Repository = (*MemoryRepository)(nil)

// ---- Postgres implementation ----

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) SaveFile(ctx context.Context, f File) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bulk_files (
			file_id, consent_id, participant_id, file_name, integrity_mode,
			total_count, accepted_count, rejected_count, total_amount,
			status, target_status, poll_count, polls_to_complete, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		f.FileID, f.ConsentID, f.ParticipantID, f.FileName, f.IntegrityMode,
		f.TotalCount, f.AcceptedCount, f.RejectedCount, f.TotalAmount,
		f.Status, f.TargetStatus, f.PollCount, f.PollsToComplete, f.CreatedAt)
	if err != nil {
		return oferr.Wrap(oferr.KindTransient, "bulk_file_insert", err)
	}
	return nil
}

func (p *PostgresRepository) GetFile(ctx context.Context, fileID string) (File, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT file_id, consent_id, participant_id, file_name, integrity_mode,
		       total_count, accepted_count, rejected_count, total_amount,
		       status, target_status, poll_count, polls_to_complete, created_at
		FROM bulk_files WHERE file_id = $1`, fileID)

	var f File
	err := row.Scan(&f.FileID, &f.ConsentID, &f.ParticipantID, &f.FileName, &f.IntegrityMode,
		&f.TotalCount, &f.AcceptedCount, &f.RejectedCount, &f.TotalAmount,
		&f.Status, &f.TargetStatus, &f.PollCount, &f.PollsToComplete, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return File{}, oferr.New(oferr.KindNotFound, "bulk_file_not_found", "bulk file not found")
	}
	if err != nil {
		return File{}, oferr.Wrap(oferr.KindTransient, "bulk_file_select", err)
	}
	return f, nil
}

// UpdateFile only touches rows still in PROCESSING, which makes terminal
// statuses immutable at the storage layer.
func (p *PostgresRepository) UpdateFile(ctx context.Context, f File) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bulk_files
		SET status = $2, poll_count = $3
		WHERE file_id = $1 AND status = 'PROCESSING'`,
		f.FileID, f.Status, f.PollCount)
	if err != nil {
		return oferr.Wrap(oferr.KindTransient, "bulk_file_update", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return oferr.New(oferr.KindFatal, "bulk_file_immutable", "terminal bulk file must not change")
	}
	return nil
}

func (p *PostgresRepository) SaveReport(ctx context.Context, r Report) error {
	raw, err := json.Marshal(r.Instructions)
	if err != nil {
		return oferr.Wrap(oferr.KindFatal, "bulk_report_encode", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO bulk_reports (file_id, instructions) VALUES ($1, $2)`,
		r.FileID, raw)
	if err != nil {
		return oferr.Wrap(oferr.KindTransient, "bulk_report_insert", err)
	}
	return nil
}

func (p *PostgresRepository) GetReport(ctx context.Context, fileID string) (Report, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT instructions FROM bulk_reports WHERE file_id = $1`, fileID).Scan(&raw)
	if err == sql.ErrNoRows {
		return Report{}, oferr.New(oferr.KindNotFound, "bulk_report_not_found", "bulk report not found")
	}
	if err != nil {
		return Report{}, oferr.Wrap(oferr.KindTransient, "bulk_report_select", err)
	}
	r := Report{FileID: fileID}
	if err := json.Unmarshal(raw, &r.Instructions); err != nil {
		return Report{}, oferr.Wrap(oferr.KindFatal, "bulk_report_decode", err)
	}
	return r, nil
}

var _ Repository = (*PostgresRepository)(nil)
