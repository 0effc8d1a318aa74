package consent

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/openfinance/core/internal/eventstore"
	"github.com/openfinance/core/internal/oferr"
)

// maxConcurrencyRetries bounds the re-read-and-retry loop on optimistic
// version conflicts.
const maxConcurrencyRetries = 3

// DueLister feeds the expiry sweeper with consents whose validity window
// has closed. Implemented by the read-model projection.
type DueLister interface {
	DueForExpiry(now time.Time, limit int) []string
}

// Service is the consent command handler. Every command is load → mutate →
// save, with a bounded retry on version conflicts.
type Service struct {
	repo   *Repository
	due    DueLister
	now    func() time.Time
	logger *log.Logger
}

func NewService(repo *Repository, due DueLister) *Service {
	return &Service{
		repo:   repo,
		due:    due,
		now:    time.Now,
		logger: log.New(log.Writer(), "[CONSENT] ", log.LstdFlags),
	}
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create registers a new PENDING consent.
func (s *Service) Create(ctx context.Context, req CreateRequest, correlationID string) (*Consent, error) {
	c, err := Create(req, s.now().UTC())
	if err != nil {
		return nil, err
	}
	c.StampMeta(correlationID, "")
	if err := s.repo.Save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get loads the current aggregate state.
func (s *Service) Get(ctx context.Context, consentID string) (*Consent, error) {
	return s.repo.Load(ctx, consentID)
}

// Authorize moves a PENDING consent to AUTHORIZED.
func (s *Service) Authorize(ctx context.Context, consentID string, auth AuthContext, correlationID string) (*Consent, error) {
	return s.mutate(ctx, consentID, correlationID, func(c *Consent) error {
		return c.Authorize(auth, s.now().UTC())
	})
}

// Reject moves a PENDING consent to REJECTED.
func (s *Service) Reject(ctx context.Context, consentID, reason, correlationID string) (*Consent, error) {
	return s.mutate(ctx, consentID, correlationID, func(c *Consent) error {
		return c.Reject(reason, s.now().UTC())
	})
}

// Revoke withdraws an AUTHORIZED consent.
func (s *Service) Revoke(ctx context.Context, consentID, actor, reason, correlationID string) (*Consent, error) {
	return s.mutate(ctx, consentID, correlationID, func(c *Consent) error {
		return c.Revoke(actor, reason, s.now().UTC())
	})
}

// RecordUsage appends a usage entry under an AUTHORIZED, unexpired consent.
func (s *Service) RecordUsage(ctx context.Context, consentID string, entry UsageEntry, correlationID string) (*Consent, error) {
	return s.mutate(ctx, consentID, correlationID, func(c *Consent) error {
		return c.RecordUsage(entry, s.now().UTC())
	})
}

// Expire transitions an overdue consent. No-op when not yet due.
func (s *Service) Expire(ctx context.Context, consentID string) (*Consent, error) {
	return s.mutate(ctx, consentID, "", func(c *Consent) error {
		return c.Expire(s.now().UTC())
	})
}

// mutate is the shared load-mutate-save loop with bounded retry on
// optimistic concurrency conflicts.
func (s *Service) mutate(ctx context.Context, consentID, correlationID string, fn func(*Consent) error) (*Consent, error) {
	var lastErr error
	for attempt := 0; attempt <= maxConcurrencyRetries; attempt++ {
		c, err := s.repo.Load(ctx, consentID)
		if err != nil {
			return nil, err
		}
		if err := fn(c); err != nil {
			return nil, err
		}
		if correlationID != "" {
			c.StampMeta(correlationID, "")
		}
		err = s.repo.Save(ctx, c)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, eventstore.ErrConcurrency) && !oferr.Is(err, oferr.KindConcurrency) {
			return nil, err
		}
		lastErr = err
		s.logger.Printf("version conflict on %s, retrying (%d/%d)", consentID, attempt+1, maxConcurrencyRetries)
	}
	return nil, lastErr
}

// RunExpirySweeper expires overdue consents on a fixed cadence until the
// context is cancelled.
func (s *Service) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	if s.due == nil {
		return
	}
	if interval == 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepExpired(ctx)
		}
	}
}

// SweepExpired expires one batch of overdue consents. Exported so tests can
// drive the sweep without the ticker.
func (s *Service) SweepExpired(ctx context.Context) int {
	if s.due == nil {
		return 0
	}
	due := s.due.DueForExpiry(s.now().UTC(), 100)
	expired := 0
	for _, id := range due {
		if _, err := s.Expire(ctx, id); err != nil {
			s.logger.Printf("expiry failed for %s: %v", id, err)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.Printf("expired %d consents", expired)
	}
	return expired
}
