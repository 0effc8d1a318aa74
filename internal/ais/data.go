package ais

import (
	"context"
	"sync"
	"time"
)

// Account as held at the ASPSP core.
type Account struct {
	AccountID  string    `json:"accountId"`
	CustomerID string    `json:"customerId"`
	IBAN       string    `json:"iban"`
	Currency   string    `json:"currency"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Nickname   string    `json:"nickname,omitempty"`
	OpenedAt   time.Time `json:"openedAt"`
}

// Balance is one balance figure for an account.
type Balance struct {
	AccountID string    `json:"accountId"`
	Type      string    `json:"type"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	AsOf      time.Time `json:"asOf"`
}

// Transaction is one booked or pending entry.
type Transaction struct {
	TransactionID   string    `json:"transactionId"`
	AccountID       string    `json:"accountId"`
	Amount          string    `json:"amount"`
	Currency        string    `json:"currency"`
	CreditDebit     string    `json:"creditDebitIndicator"`
	Status          string    `json:"status"`
	BookingDateTime time.Time `json:"bookingDateTime"`
	Description     string    `json:"description,omitempty"`
}

// DataSource is the port to the bank's core banking system.
type DataSource interface {
	Accounts(ctx context.Context, accountIDs []string) ([]Account, error)
	Account(ctx context.Context, accountID string) (Account, bool, error)
	Balances(ctx context.Context, accountID string) ([]Balance, error)
	Transactions(ctx context.Context, accountID string, from, to time.Time) ([]Transaction, error)
}

// MemoryData is the in-process data source used for local development and
// tests. Seed it with accounts, balances and transactions up front.
type MemoryData struct {
	mu           sync.RWMutex
	accounts     map[string]Account
	balances     map[string][]Balance
	transactions map[string][]Transaction
}

func NewMemoryData() *MemoryData {
	return &MemoryData{
		accounts:     make(map[string]Account),
		balances:     make(map[string][]Balance),
		transactions: make(map[string][]Transaction),
	}
}

func (m *MemoryData) SeedAccount(a Account, balances []Balance, txns []Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.AccountID] = a
	m.balances[a.AccountID] = balances
	m.transactions[a.AccountID] = txns
}

func (m *MemoryData) Accounts(ctx context.Context, accountIDs []string) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Account
	if len(accountIDs) == 0 {
		for _, a := range m.accounts {
			out = append(out, a)
		}
		return out, nil
	}
	for _, id := range accountIDs {
		if a, ok := m.accounts[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryData) Account(ctx context.Context, accountID string) (Account, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[accountID]
	return a, ok, nil
}

func (m *MemoryData) Balances(ctx context.Context, accountID string) ([]Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Balance(nil), m.balances[accountID]...), nil
}

func (m *MemoryData) Transactions(ctx context.Context, accountID string, from, to time.Time) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Transaction
	for _, t := range m.transactions[accountID] {
		if !from.IsZero() && t.BookingDateTime.Before(from) {
			continue
		}
		if !to.IsZero() && t.BookingDateTime.After(to) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

var _ DataSource = (*MemoryData)(nil)
