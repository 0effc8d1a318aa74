// Package projection maintains the query-side views fed by the domain event
// bus: the active-consent lookup and per-participant usage analytics.
// Consumers of the outbox may see redeliveries, so every apply is idempotent
// on (aggregateId, sequenceNumber).
package projection

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/openfinance/core/internal/consent"
	"github.com/openfinance/core/internal/eventstore"
)

// ConsentView is the denormalized consent row served to queries.
type ConsentView struct {
	ConsentID     string
	CustomerID    string
	ParticipantID string
	Scopes        []string
	Purpose       string
	Status        consent.Status
	CreatedAt     time.Time
	AuthorizedAt  time.Time
	ExpiresAt     time.Time
	AccountIDs    []string
	UsageCount    int
	LastUsedAt    time.Time
}

// UsageStats aggregates consent usage per participant.
type UsageStats struct {
	ParticipantID string
	TotalUses     int
	ByOperation   map[string]int
}

// Projector consumes consent events and keeps the read models current.
type Projector struct {
	mu       sync.RWMutex
	consents map[string]*ConsentView
	lastSeq  map[string]int64
	usage    map[string]*UsageStats
	logger   *log.Logger
}

func NewProjector() *Projector {
	return &Projector{
		consents: make(map[string]*ConsentView),
		lastSeq:  make(map[string]int64),
		usage:    make(map[string]*UsageStats),
		logger:   log.New(log.Writer(), "[PROJECTION] ", log.LstdFlags),
	}
}

// Handle applies one event to the views. Events at or below the last applied
// sequence for the aggregate are redeliveries and are skipped.
func (p *Projector) Handle(ev eventstore.Event) {
	if ev.AggregateType != consent.AggregateType {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.SequenceNumber <= p.lastSeq[ev.AggregateID] {
		return
	}

	if err := p.apply(ev); err != nil {
		p.logger.Printf("skipping event %s (%s seq=%d): %v", ev.EventID, ev.AggregateID, ev.SequenceNumber, err)
		return
	}
	p.lastSeq[ev.AggregateID] = ev.SequenceNumber
}

func (p *Projector) apply(ev eventstore.Event) error {
	switch ev.EventType {
	case consent.EventCreated:
		var pl consent.CreatedPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return err
		}
		p.consents[ev.AggregateID] = &ConsentView{
			ConsentID:     pl.ConsentID,
			CustomerID:    pl.CustomerID,
			ParticipantID: pl.ParticipantID,
			Scopes:        pl.Scopes,
			Purpose:       pl.Purpose,
			Status:        consent.StatusPending,
			CreatedAt:     pl.CreatedAt,
			ExpiresAt:     pl.ExpiresAt,
		}
	case consent.EventAuthorized:
		var pl consent.AuthorizedPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return err
		}
		if v, ok := p.consents[ev.AggregateID]; ok {
			v.Status = consent.StatusAuthorized
			v.AuthorizedAt = pl.AuthorizedAt
			v.AccountIDs = pl.AccountIDs
		}
	case consent.EventRejected:
		if v, ok := p.consents[ev.AggregateID]; ok {
			v.Status = consent.StatusRejected
		}
	case consent.EventUsed:
		var pl consent.UsedPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return err
		}
		v, ok := p.consents[ev.AggregateID]
		if !ok {
			return nil
		}
		v.UsageCount++
		v.LastUsedAt = pl.UsedAt
		stats, ok := p.usage[v.ParticipantID]
		if !ok {
			stats = &UsageStats{ParticipantID: v.ParticipantID, ByOperation: make(map[string]int)}
			p.usage[v.ParticipantID] = stats
		}
		stats.TotalUses++
		stats.ByOperation[pl.Operation]++
	case consent.EventRevoked:
		if v, ok := p.consents[ev.AggregateID]; ok {
			v.Status = consent.StatusRevoked
		}
	case consent.EventExpired:
		if v, ok := p.consents[ev.AggregateID]; ok {
			v.Status = consent.StatusExpired
		}
	}
	return nil
}

// Lookup returns the view for a consent, if projected.
func (p *Projector) Lookup(consentID string) (ConsentView, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.consents[consentID]
	if !ok {
		return ConsentView{}, false
	}
	return cloneView(v), true
}

// ActiveByParticipant lists AUTHORIZED, unexpired consents for a participant.
func (p *Projector) ActiveByParticipant(participantID string, now time.Time) []ConsentView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []ConsentView
	for _, v := range p.consents {
		if v.ParticipantID == participantID && v.Status == consent.StatusAuthorized && now.Before(v.ExpiresAt) {
			out = append(out, cloneView(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DueForExpiry returns consent ids whose validity window has closed but
// whose status is not yet terminal. Feeds the expiry sweeper.
func (p *Projector) DueForExpiry(now time.Time, limit int) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for id, v := range p.consents {
		switch v.Status {
		case consent.StatusRevoked, consent.StatusExpired, consent.StatusRejected:
			continue
		}
		if !now.Before(v.ExpiresAt) {
			out = append(out, id)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// Usage returns the usage analytics for a participant.
func (p *Projector) Usage(participantID string) (UsageStats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.usage[participantID]
	if !ok {
		return UsageStats{}, false
	}
	cp := UsageStats{ParticipantID: s.ParticipantID, TotalUses: s.TotalUses, ByOperation: make(map[string]int, len(s.ByOperation))}
	for k, n := range s.ByOperation {
		cp.ByOperation[k] = n
	}
	return cp, true
}

func cloneView(v *ConsentView) ConsentView {
	cp := *v
	cp.Scopes = append([]string(nil), v.Scopes...)
	cp.AccountIDs = append([]string(nil), v.AccountIDs...)
	return cp
}
