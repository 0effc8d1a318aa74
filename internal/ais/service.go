// Package ais serves account information reads under an authorized consent:
// account list, account detail, balances, and paginated transactions. Every
// read is filtered through the consent's account whitelist and recorded in
// the consent's usage history.
package ais

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/openfinance/core/internal/cache"
	"github.com/openfinance/core/internal/config"
	"github.com/openfinance/core/internal/consent"
	"github.com/openfinance/core/internal/oferr"
)

// ScopeAccounts is the token scope required for AIS reads.
const ScopeAccounts = "accounts"

// Service is the AIS use-case service.
type Service struct {
	consents *consent.Service
	data     DataSource
	cache    cache.Cache
	cfg      config.AISConfig
	now      func() time.Time
}

func NewService(consents *consent.Service, data DataSource, c cache.Cache, cfg config.AISConfig) *Service {
	return &Service{consents: consents, data: data, cache: c, cfg: cfg, now: time.Now}
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// guard loads the consent and enforces ownership, status, expiry and scope.
// Any failure is an AUTHORIZATION error so the caller sees 403, never a hint
// about which check failed first.
func (s *Service) guard(ctx context.Context, participantID, consentID, accountID string) (*consent.Consent, error) {
	c, err := s.consents.Get(ctx, consentID)
	if err != nil {
		if oferr.Is(err, oferr.KindNotFound) {
			return nil, oferr.New(oferr.KindAuthorization, "consent_not_found", "consent not found")
		}
		return nil, err
	}
	if c.ParticipantID != participantID {
		return nil, oferr.New(oferr.KindAuthorization, "consent_ownership", "consent belongs to another participant")
	}
	if !c.Usable(s.now().UTC()) {
		return nil, oferr.New(oferr.KindAuthorization, "consent_not_usable", "consent is not authorized or has expired")
	}
	if !c.Allows(ScopeAccounts) {
		return nil, oferr.New(oferr.KindAuthorization, "scope_missing", "consent does not cover account information")
	}
	if accountID != "" && !c.AllowsAccount(accountID) {
		return nil, oferr.New(oferr.KindAuthorization, "account_not_linked", "account is not covered by the consent")
	}
	return c, nil
}

func (s *Service) recordUsage(ctx context.Context, consentID, operation, resourceID, interactionID string) {
	// Usage history is best effort from the read path's point of view; a
	// version conflict here must not fail a successful data read.
	_, _ = s.consents.RecordUsage(ctx, consentID, consent.UsageEntry{
		Operation:     operation,
		ResourceID:    resourceID,
		InteractionID: interactionID,
	}, interactionID)
}

// ListAccounts returns the accounts covered by the consent. Cache-through
// keyed by consent so entries never bleed across TPPs.
func (s *Service) ListAccounts(ctx context.Context, participantID, consentID, interactionID string) ([]Account, error) {
	c, err := s.guard(ctx, participantID, consentID, "")
	if err != nil {
		return nil, err
	}

	key := cache.Key(consentID, "ais", "accounts")
	if raw, ok, _ := s.cache.Get(ctx, key); ok {
		var out []Account
		if json.Unmarshal(raw, &out) == nil {
			return out, nil
		}
	}

	accounts, err := s.data.Accounts(ctx, c.AccountIDs)
	if err != nil {
		return nil, oferr.Wrap(oferr.KindTransient, "ais_accounts", err)
	}
	accounts = s.filterAllowed(c, accounts)
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].AccountID < accounts[j].AccountID })

	if raw, err := json.Marshal(accounts); err == nil {
		_ = s.cache.Set(ctx, key, raw, s.cfg.CacheTTL)
	}
	s.recordUsage(ctx, consentID, "listAccounts", "", interactionID)
	return accounts, nil
}

// GetAccount returns one account covered by the consent.
func (s *Service) GetAccount(ctx context.Context, participantID, consentID, accountID, interactionID string) (Account, error) {
	if _, err := s.guard(ctx, participantID, consentID, accountID); err != nil {
		return Account{}, err
	}
	a, ok, err := s.data.Account(ctx, accountID)
	if err != nil {
		return Account{}, oferr.Wrap(oferr.KindTransient, "ais_account", err)
	}
	if !ok {
		return Account{}, oferr.New(oferr.KindNotFound, "account_not_found", "account not found")
	}
	s.recordUsage(ctx, consentID, "getAccount", accountID, interactionID)
	return a, nil
}

// GetBalances returns the balances of one account. Cache-through.
func (s *Service) GetBalances(ctx context.Context, participantID, consentID, accountID, interactionID string) ([]Balance, error) {
	if _, err := s.guard(ctx, participantID, consentID, accountID); err != nil {
		return nil, err
	}

	key := cache.Key(consentID, "ais", "balances", accountID)
	if raw, ok, _ := s.cache.Get(ctx, key); ok {
		var out []Balance
		if json.Unmarshal(raw, &out) == nil {
			return out, nil
		}
	}

	balances, err := s.data.Balances(ctx, accountID)
	if err != nil {
		return nil, oferr.Wrap(oferr.KindTransient, "ais_balances", err)
	}
	if raw, err := json.Marshal(balances); err == nil {
		_ = s.cache.Set(ctx, key, raw, s.cfg.CacheTTL)
	}
	s.recordUsage(ctx, consentID, "getBalances", accountID, interactionID)
	return balances, nil
}

// TransactionPage is one page of the descending-by-booking-date listing.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	Page         int           `json:"page"`
	PageSize     int           `json:"pageSize"`
	TotalCount   int           `json:"totalCount"`
}

// GetTransactions lists transactions sorted by bookingDateTime descending.
// pageSize is clamped to [1, maxPageSize]; zero means the default.
func (s *Service) GetTransactions(ctx context.Context, participantID, consentID, accountID string, from, to time.Time, page, pageSize int, interactionID string) (TransactionPage, error) {
	if _, err := s.guard(ctx, participantID, consentID, accountID); err != nil {
		return TransactionPage{}, err
	}

	if pageSize <= 0 {
		pageSize = s.cfg.DefaultPageSize
	}
	if pageSize > s.cfg.MaxPageSize {
		pageSize = s.cfg.MaxPageSize
	}
	if page < 1 {
		page = 1
	}

	txns, err := s.data.Transactions(ctx, accountID, from, to)
	if err != nil {
		return TransactionPage{}, oferr.Wrap(oferr.KindTransient, "ais_transactions", err)
	}
	sort.Slice(txns, func(i, j int) bool {
		return txns[i].BookingDateTime.After(txns[j].BookingDateTime)
	})

	total := len(txns)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	s.recordUsage(ctx, consentID, "getTransactions", accountID, interactionID)
	return TransactionPage{
		Transactions: txns[start:end],
		Page:         page,
		PageSize:     pageSize,
		TotalCount:   total,
	}, nil
}

func (s *Service) filterAllowed(c *consent.Consent, accounts []Account) []Account {
	out := accounts[:0]
	for _, a := range accounts {
		if c.AllowsAccount(a.AccountID) {
			out = append(out, a)
		}
	}
	return out
}
