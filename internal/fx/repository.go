// Package fx implements foreign exchange quoting and dealing: quote
// creation against a rate source, lazy expiry, and atomic booking of a deal
// against a live quote.
package fx

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/openfinance/core/internal/oferr"
)

// QuoteStatus of an FX quote. BOOKED is terminal.
type QuoteStatus string

const (
	StatusQuoted  QuoteStatus = "QUOTED"
	StatusBooked  QuoteStatus = "BOOKED"
	StatusExpired QuoteStatus = "EXPIRED"
)

// Quote is a priced offer valid until ExpiresAt.
type Quote struct {
	QuoteID        string      `json:"quoteId"`
	ParticipantID  string      `json:"participantId"`
	SourceCurrency string      `json:"sourceCurrency"`
	TargetCurrency string      `json:"targetCurrency"`
	SourceAmount   string      `json:"sourceAmount"`
	TargetAmount   string      `json:"targetAmount"`
	ExchangeRate   string      `json:"exchangeRate"`
	Status         QuoteStatus `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
	ExpiresAt      time.Time   `json:"expiresAt"`
}

// Deal is the booked execution of a quote.
type Deal struct {
	DealID         string    `json:"dealId"`
	QuoteID        string    `json:"quoteId"`
	ParticipantID  string    `json:"participantId"`
	SourceCurrency string    `json:"sourceCurrency"`
	TargetCurrency string    `json:"targetCurrency"`
	SourceAmount   string    `json:"sourceAmount"`
	TargetAmount   string    `json:"targetAmount"`
	ExchangeRate   string    `json:"exchangeRate"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Repository persists quotes and deals. Book is the only compound write and
// must be atomic: the quote moves QUOTED to BOOKED and the deal is inserted,
// or neither happens.
type Repository interface {
	SaveQuote(ctx context.Context, q Quote) error
	GetQuote(ctx context.Context, quoteID string) (Quote, error)
	// MarkExpired moves a QUOTED quote to EXPIRED. No-op on any other status.
	MarkExpired(ctx context.Context, quoteID string) error
	// Book atomically transitions QUOTED to BOOKED and stores the deal.
	// Fails with a business rule error when the quote is no longer QUOTED.
	Book(ctx context.Context, quoteID string, deal Deal) error
	GetDeal(ctx context.Context, dealID string) (Deal, error)
}

var errNotBookable = oferr.New(oferr.KindBusinessRule, "quote_already_finalized", "quote is no longer open for booking")

// ---- in-memory implementation ----

type MemoryRepository struct {
	mu     sync.Mutex
	quotes map[string]Quote
	deals  map[string]Deal
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{quotes: make(map[string]Quote), deals: make(map[string]Deal)}
}

func (m *MemoryRepository) SaveQuote(ctx context.Context, q Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.QuoteID] = q
	return nil
}

func (m *MemoryRepository) GetQuote(ctx context.Context, quoteID string) (Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[quoteID]
	if !ok {
		return Quote{}, oferr.New(oferr.KindNotFound, "quote_not_found", "quote not found")
	}
	return q, nil
}

func (m *MemoryRepository) MarkExpired(ctx context.Context, quoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[quoteID]
	if !ok {
		return oferr.New(oferr.KindNotFound, "quote_not_found", "quote not found")
	}
	if q.Status != StatusQuoted {
		return nil
	}
	q.Status = StatusExpired
	m.quotes[quoteID] = q
	return nil
}

func (m *MemoryRepository) Book(ctx context.Context, quoteID string, deal Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[quoteID]
	if !ok {
		return oferr.New(oferr.KindNotFound, "quote_not_found", "quote not found")
	}
	if q.Status != StatusQuoted {
		return errNotBookable
	}
	q.Status = StatusBooked
	m.quotes[quoteID] = q
	m.deals[deal.DealID] = deal
	return nil
}

func (m *MemoryRepository) GetDeal(ctx context.Context, dealID string) (Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[dealID]
	if !ok {
		return Deal{}, oferr.New(oferr.KindNotFound, "deal_not_found", "deal not found")
	}
	return d, nil
}

var _ Repository = (*MemoryRepository)(nil)

// ---- Postgres implementation ----

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) SaveQuote(ctx context.Context, q Quote) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fx_quotes (
			quote_id, participant_id, source_currency, target_currency,
			source_amount, target_amount, exchange_rate, status, created_at, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		q.QuoteID, q.ParticipantID, q.SourceCurrency, q.TargetCurrency,
		q.SourceAmount, q.TargetAmount, q.ExchangeRate, q.Status, q.CreatedAt, q.ExpiresAt)
	if err != nil {
		return oferr.Wrap(oferr.KindTransient, "fx_quote_insert", err)
	}
	return nil
}

func (p *PostgresRepository) GetQuote(ctx context.Context, quoteID string) (Quote, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT quote_id, participant_id, source_currency, target_currency,
		       source_amount, target_amount, exchange_rate, status, created_at, expires_at
		FROM fx_quotes WHERE quote_id = $1`, quoteID)

	var q Quote
	err := row.Scan(&q.QuoteID, &q.ParticipantID, &q.SourceCurrency, &q.TargetCurrency,
		&q.SourceAmount, &q.TargetAmount, &q.ExchangeRate, &q.Status, &q.CreatedAt, &q.ExpiresAt)
	if err == sql.ErrNoRows {
		return Quote{}, oferr.New(oferr.KindNotFound, "quote_not_found", "quote not found")
	}
	if err != nil {
		return Quote{}, oferr.Wrap(oferr.KindTransient, "fx_quote_select", err)
	}
	return q, nil
}

func (p *PostgresRepository) MarkExpired(ctx context.Context, quoteID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE fx_quotes SET status = 'EXPIRED'
		WHERE quote_id = $1 AND status = 'QUOTED'`, quoteID)
	if err != nil {
		return oferr.Wrap(oferr.KindTransient, "fx_quote_expire", err)
	}
	return nil
}

func (p *PostgresRepository) Book(ctx context.Context, quoteID string, deal Deal) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return oferr.Wrap(oferr.KindTransient, "fx_book_begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE fx_quotes SET status = 'BOOKED'
		WHERE quote_id = $1 AND status = 'QUOTED'`, quoteID)
	if err != nil {
		return oferr.Wrap(oferr.KindTransient, "fx_book_update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNotBookable
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fx_deals (
			deal_id, quote_id, participant_id, source_currency, target_currency,
			source_amount, target_amount, exchange_rate, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		deal.DealID, deal.QuoteID, deal.ParticipantID, deal.SourceCurrency, deal.TargetCurrency,
		deal.SourceAmount, deal.TargetAmount, deal.ExchangeRate, deal.Status, deal.CreatedAt)
	if err != nil {
		return oferr.Wrap(oferr.KindTransient, "fx_deal_insert", err)
	}

	if err := tx.Commit(); err != nil {
		return oferr.Wrap(oferr.KindTransient, "fx_book_commit", err)
	}
	return nil
}

func (p *PostgresRepository) GetDeal(ctx context.Context, dealID string) (Deal, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT deal_id, quote_id, participant_id, source_currency, target_currency,
		       source_amount, target_amount, exchange_rate, status, created_at
		FROM fx_deals WHERE deal_id = $1`, dealID)

	var d Deal
	err := row.Scan(&d.DealID, &d.QuoteID, &d.ParticipantID, &d.SourceCurrency, &d.TargetCurrency,
		&d.SourceAmount, &d.TargetAmount, &d.ExchangeRate, &d.Status, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return Deal{}, oferr.New(oferr.KindNotFound, "deal_not_found", "deal not found")
	}
	if err != nil {
		return Deal{}, oferr.Wrap(oferr.KindTransient, "fx_deal_select", err)
	}
	return d, nil
}

var _ Repository = (*PostgresRepository)(nil)
