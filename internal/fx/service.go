package fx

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/openfinance/core/internal/cache"
	"github.com/openfinance/core/internal/config"
	"github.com/openfinance/core/internal/eventstore"
	"github.com/openfinance/core/internal/idempotency"
	"github.com/openfinance/core/internal/money"
	"github.com/openfinance/core/internal/oferr"
)

// ScopeFX is the token scope required for quoting and dealing.
const ScopeFX = "fx"

// AggregateType tags quote streams in the event store.
const AggregateType = "FxQuote"

// Event type names as persisted in the event store.
const (
	EventQuoteCreated = "QuoteCreatedEvent"
	EventQuoteExpired = "QuoteExpiredEvent"
	EventDealBooked   = "DealBookedEvent"
)

// RatePort supplies the current exchange rate for a currency pair. ok=false
// means the market is closed for the pair.
type RatePort interface {
	Rate(ctx context.Context, sourceCurrency, targetCurrency string) (rate string, ok bool, err error)
}

// StaticRates is a fixed rate table for development and tests.
type StaticRates map[string]string

func pairKey(source, target string) string { return source + "/" + target }

func (r StaticRates) Rate(ctx context.Context, source, target string) (string, bool, error) {
	rate, ok := r[pairKey(source, target)]
	return rate, ok, nil
}

// CreateQuoteRequest carries the parameters of a new quote.
type CreateQuoteRequest struct {
	ParticipantID  string
	SourceCurrency string
	TargetCurrency string
	SourceAmount   string
	InteractionID  string
}

// ExecuteDealRequest books a deal against an open quote.
type ExecuteDealRequest struct {
	ParticipantID  string
	QuoteID        string
	IdempotencyKey string
	InteractionID  string
}

// DealResult is the booking outcome; Replay marks an idempotent rerun.
type DealResult struct {
	Deal   Deal `json:"deal"`
	Replay bool `json:"replay"`
}

// Service is the FX use-case service.
type Service struct {
	repo   Repository
	rates  RatePort
	idem   *idempotency.Store
	events eventstore.Store
	cache  cache.Cache
	cfg    config.FXConfig
	now    func() time.Time
	logger *log.Logger
}

func NewService(repo Repository, rates RatePort, idem *idempotency.Store, events eventstore.Store, c cache.Cache, cfg config.FXConfig) *Service {
	return &Service{
		repo:   repo,
		rates:  rates,
		idem:   idem,
		events: events,
		cache:  c,
		cfg:    cfg,
		now:    time.Now,
		logger: log.New(log.Writer(), "[FX] ", log.LstdFlags),
	}
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateQuote prices a currency pair. The rate is normalized to rateScale
// decimal places and the target amount to 2, both HALF_UP.
func (s *Service) CreateQuote(ctx context.Context, req CreateQuoteRequest) (Quote, error) {
	source, err := money.Parse(req.SourceAmount, 2)
	if err != nil {
		return Quote{}, err
	}
	if !source.IsPositive() {
		return Quote{}, oferr.New(oferr.KindValidation, "fx_amount_invalid", "source amount must be positive")
	}
	if req.SourceCurrency == "" || req.TargetCurrency == "" || req.SourceCurrency == req.TargetCurrency {
		return Quote{}, oferr.New(oferr.KindValidation, "fx_pair_invalid", "source and target currencies must differ")
	}

	rawRate, open, err := s.rates.Rate(ctx, req.SourceCurrency, req.TargetCurrency)
	if err != nil {
		return Quote{}, oferr.Wrap(oferr.KindTransient, "fx_rate_fetch", err)
	}
	if !open {
		return Quote{}, oferr.New(oferr.KindBusinessRule, "market_closed", "no rate available for the pair")
	}
	rate, err := money.Parse(rawRate, s.cfg.RateScale)
	if err != nil {
		return Quote{}, oferr.Wrap(oferr.KindFatal, "fx_rate_invalid", err)
	}

	now := s.now().UTC()
	q := Quote{
		QuoteID:        uuid.NewString(),
		ParticipantID:  req.ParticipantID,
		SourceCurrency: req.SourceCurrency,
		TargetCurrency: req.TargetCurrency,
		SourceAmount:   source.String(),
		TargetAmount:   source.Mul(rate, 2).String(),
		ExchangeRate:   rate.String(),
		Status:         StatusQuoted,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.QuoteTTL),
	}
	if err := s.repo.SaveQuote(ctx, q); err != nil {
		return Quote{}, err
	}
	if err := s.appendEvent(ctx, q.QuoteID, 0, EventQuoteCreated, q, req.InteractionID); err != nil {
		return Quote{}, err
	}
	s.cacheQuote(ctx, q)
	s.logger.Printf("quote %s created: %s %s -> %s %s at %s",
		q.QuoteID, q.SourceAmount, q.SourceCurrency, q.TargetAmount, q.TargetCurrency, q.ExchangeRate)
	return q, nil
}

// ExecuteDeal books a deal against a quote. Replays with the same
// idempotency key return the original deal.
func (s *Service) ExecuteDeal(ctx context.Context, req ExecuteDealRequest) (DealResult, error) {
	requestHash := idempotency.RequestHash([]byte(req.QuoteID), req.InteractionID)
	if rec, replay, err := s.idem.Check(ctx, req.IdempotencyKey, req.ParticipantID, requestHash); err != nil {
		return DealResult{}, err
	} else if replay {
		d, err := s.repo.GetDeal(ctx, rec.ResourceID)
		if err != nil {
			return DealResult{}, err
		}
		return DealResult{Deal: d, Replay: true}, nil
	}

	q, err := s.getOwned(ctx, req.ParticipantID, req.QuoteID)
	if err != nil {
		return DealResult{}, err
	}

	now := s.now().UTC()
	switch {
	case q.Status == StatusBooked:
		return DealResult{}, oferr.New(oferr.KindBusinessRule, "quote_already_finalized", "quote is already booked")
	case q.Status == StatusExpired || !now.Before(q.ExpiresAt):
		s.expire(ctx, &q, req.InteractionID)
		return DealResult{}, oferr.New(oferr.KindBusinessRule, "quote_expired", "Quote Expired")
	}

	deal := Deal{
		DealID:         uuid.NewString(),
		QuoteID:        q.QuoteID,
		ParticipantID:  q.ParticipantID,
		SourceCurrency: q.SourceCurrency,
		TargetCurrency: q.TargetCurrency,
		SourceAmount:   q.SourceAmount,
		TargetAmount:   q.TargetAmount,
		ExchangeRate:   q.ExchangeRate,
		Status:         "BOOKED",
		CreatedAt:      now,
	}
	if err := s.repo.Book(ctx, q.QuoteID, deal); err != nil {
		return DealResult{}, err
	}
	q.Status = StatusBooked
	s.cacheQuote(ctx, q)

	if err := s.appendEvent(ctx, q.QuoteID, 1, EventDealBooked, deal, req.InteractionID); err != nil {
		s.logger.Printf("deal event append failed for %s: %v", deal.DealID, err)
	}
	if err := s.idem.Save(ctx, idempotency.Record{
		IdempotencyKey: req.IdempotencyKey,
		ParticipantID:  req.ParticipantID,
		RequestHash:    requestHash,
		ResourceID:     deal.DealID,
		Status:         deal.Status,
	}); err != nil {
		return DealResult{}, err
	}
	s.logger.Printf("deal %s booked against quote %s", deal.DealID, q.QuoteID)
	return DealResult{Deal: deal}, nil
}

// GetQuote returns a quote, cache-through, lazily expiring it when the TTL
// has passed.
func (s *Service) GetQuote(ctx context.Context, participantID, quoteID, interactionID string) (Quote, error) {
	key := cache.Key(participantID, "fx", "quote", quoteID)
	if raw, ok, _ := s.cache.Get(ctx, key); ok {
		var q Quote
		if json.Unmarshal(raw, &q) == nil && !s.needsExpiry(q) {
			return q, nil
		}
	}

	q, err := s.getOwned(ctx, participantID, quoteID)
	if err != nil {
		return Quote{}, err
	}
	if s.needsExpiry(q) {
		s.expire(ctx, &q, interactionID)
	}
	s.cacheQuote(ctx, q)
	return q, nil
}

func (s *Service) needsExpiry(q Quote) bool {
	return q.Status == StatusQuoted && !s.now().UTC().Before(q.ExpiresAt)
}

func (s *Service) expire(ctx context.Context, q *Quote, correlationID string) {
	if q.Status != StatusQuoted {
		return
	}
	if err := s.repo.MarkExpired(ctx, q.QuoteID); err != nil {
		s.logger.Printf("lazy expiry failed for %s: %v", q.QuoteID, err)
		return
	}
	q.Status = StatusExpired
	s.cacheQuote(ctx, *q)
	if err := s.appendEvent(ctx, q.QuoteID, 1, EventQuoteExpired, map[string]interface{}{
		"quoteId":   q.QuoteID,
		"expiredAt": s.now().UTC(),
	}, correlationID); err != nil {
		s.logger.Printf("expiry event append failed for %s: %v", q.QuoteID, err)
	}
}

func (s *Service) getOwned(ctx context.Context, participantID, quoteID string) (Quote, error) {
	q, err := s.repo.GetQuote(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}
	if q.ParticipantID != participantID {
		return Quote{}, oferr.New(oferr.KindAuthorization, "quote_ownership", "quote belongs to another participant")
	}
	return q, nil
}

func (s *Service) cacheQuote(ctx context.Context, q Quote) {
	if raw, err := json.Marshal(q); err == nil {
		_ = s.cache.Set(ctx, cache.Key(q.ParticipantID, "fx", "quote", q.QuoteID), raw, s.cfg.QuoteCacheTTL)
	}
}

func (s *Service) appendEvent(ctx context.Context, quoteID string, expectedSequence int64, eventType string, payload interface{}, correlationID string) error {
	ev, err := eventstore.NewEvent(quoteID, AggregateType, eventType, payload)
	if err != nil {
		return err
	}
	ev.SequenceNumber = expectedSequence + 1
	ev.CorrelationID = correlationID
	return s.events.Append(ctx, expectedSequence, []eventstore.Event{ev})
}
