// Package consent implements the event-sourced consent aggregate: the
// authorization record binding one TPP to one PSU's resources for a bounded
// scope set and validity window. All mutations go through commands that
// raise events; state is only ever derived by applying those events.
package consent

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfinance/core/internal/eventstore"
	"github.com/openfinance/core/internal/oferr"
)

// Status of a consent.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusUsed       Status = "USED"
	StatusRevoked    Status = "REVOKED"
	StatusExpired    Status = "EXPIRED"
	StatusRejected   Status = "REJECTED"
)

// UsageEntry is one recorded access under the consent.
type UsageEntry struct {
	UsedAt        time.Time `json:"usedAt"`
	Operation     string    `json:"operation"`
	ResourceID    string    `json:"resourceId,omitempty"`
	InteractionID string    `json:"interactionId,omitempty"`
}

// Consent is the aggregate root. The scope set and participant binding are
// immutable after creation; the account whitelist is fixed at authorization.
type Consent struct {
	eventstore.AggregateBase

	ConsentID     string
	CustomerID    string
	ParticipantID string
	Scopes        []string
	Purpose       string
	Status        Status
	CreatedAt     time.Time
	AuthorizedAt  time.Time
	ExpiresAt     time.Time
	RevokedAt     time.Time
	AccountIDs    []string
	UsageHistory  []UsageEntry
}

// MaskPSU reduces a customer identifier to a stable masked form; the clear
// identifier never enters the event stream.
func MaskPSU(customerID string) string {
	if len(customerID) <= 4 {
		return "****"
	}
	return customerID[:4] + strings.Repeat("*", len(customerID)-4)
}

// CreateRequest carries the parameters of a new consent.
type CreateRequest struct {
	CustomerID    string
	ParticipantID string
	Scopes        []string
	Purpose       string
	ValidityDays  int
}

// Create registers a new consent in PENDING and raises ConsentCreatedEvent.
func Create(req CreateRequest, now time.Time) (*Consent, error) {
	if req.CustomerID == "" || req.ParticipantID == "" {
		return nil, oferr.New(oferr.KindValidation, "consent_invalid", "customerId and participantId are required")
	}
	if len(req.Scopes) == 0 {
		return nil, oferr.New(oferr.KindValidation, "consent_invalid", "at least one scope is required")
	}
	if req.ValidityDays <= 0 {
		return nil, oferr.New(oferr.KindValidation, "consent_invalid", "validityDays must be positive")
	}

	c := &Consent{}
	c.Init(uuid.NewString(), AggregateType)

	payload := CreatedPayload{
		ConsentID:     c.AggregateID(),
		CustomerID:    MaskPSU(req.CustomerID),
		ParticipantID: req.ParticipantID,
		Scopes:        append([]string(nil), req.Scopes...),
		Purpose:       req.Purpose,
		CreatedAt:     now,
		ExpiresAt:     now.AddDate(0, 0, req.ValidityDays),
	}
	if err := c.raise(EventCreated, payload); err != nil {
		return nil, err
	}
	return c, nil
}

// AuthContext carries who approved the consent and which accounts it covers.
type AuthContext struct {
	AuthorizedBy string
	AccountIDs   []string
}

// Authorize moves PENDING to AUTHORIZED.
func (c *Consent) Authorize(auth AuthContext, now time.Time) error {
	if c.Status != StatusPending {
		return oferr.Newf(oferr.KindBusinessRule, "consent_not_pending",
			"cannot authorize consent in status %s", c.Status)
	}
	return c.raise(EventAuthorized, AuthorizedPayload{
		AuthorizedAt: now,
		AuthorizedBy: auth.AuthorizedBy,
		AccountIDs:   append([]string(nil), auth.AccountIDs...),
	})
}

// Reject moves PENDING to REJECTED.
func (c *Consent) Reject(reason string, now time.Time) error {
	if c.Status != StatusPending {
		return oferr.Newf(oferr.KindBusinessRule, "consent_not_pending",
			"cannot reject consent in status %s", c.Status)
	}
	return c.raise(EventRejected, RejectedPayload{RejectedAt: now, Reason: reason})
}

// RecordUsage appends a usage entry. Only valid while AUTHORIZED and inside
// the validity window.
func (c *Consent) RecordUsage(entry UsageEntry, now time.Time) error {
	if c.Status != StatusAuthorized {
		return oferr.Newf(oferr.KindAuthorization, "consent_not_authorized",
			"consent is %s", c.Status)
	}
	if !now.Before(c.ExpiresAt) {
		return oferr.New(oferr.KindAuthorization, "consent_expired", "consent validity window has closed")
	}
	entry.UsedAt = now
	return c.raise(EventUsed, UsedPayload{
		UsedAt:        entry.UsedAt,
		Operation:     entry.Operation,
		ResourceID:    entry.ResourceID,
		InteractionID: entry.InteractionID,
	})
}

// Revoke moves AUTHORIZED to REVOKED.
func (c *Consent) Revoke(actor, reason string, now time.Time) error {
	if c.Status != StatusAuthorized {
		return oferr.Newf(oferr.KindBusinessRule, "consent_not_authorized",
			"cannot revoke consent in status %s", c.Status)
	}
	return c.raise(EventRevoked, RevokedPayload{RevokedAt: now, Actor: actor, Reason: reason})
}

// Expire moves any non-terminal status to EXPIRED once the window closes.
// A no-op (nil) if already terminal or not yet due.
func (c *Consent) Expire(now time.Time) error {
	switch c.Status {
	case StatusRevoked, StatusExpired, StatusRejected:
		return nil
	}
	if now.Before(c.ExpiresAt) {
		return nil
	}
	return c.raise(EventExpired, ExpiredPayload{ExpiredAt: now})
}

// Allows reports whether the consent covers the scope.
func (c *Consent) Allows(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AllowsAccount reports whether the account is in the whitelist fixed at
// authorization. An empty whitelist means no account restriction.
func (c *Consent) AllowsAccount(accountID string) bool {
	if len(c.AccountIDs) == 0 {
		return true
	}
	for _, id := range c.AccountIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

// Usable reports whether data access is currently permitted.
func (c *Consent) Usable(now time.Time) bool {
	return c.Status == StatusAuthorized && now.Before(c.ExpiresAt)
}

func (c *Consent) raise(eventType string, payload interface{}) error {
	ev, err := eventstore.NewEvent(c.AggregateID(), AggregateType, eventType, payload)
	if err != nil {
		return err
	}
	ev = c.Raise(ev)
	return c.apply(ev)
}

// apply mutates state from an event. Shared by live commands and
// rehydration so both paths produce identical aggregates.
func (c *Consent) apply(ev eventstore.Event) error {
	switch ev.EventType {
	case EventCreated:
		var p CreatedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return oferr.Wrap(oferr.KindFatal, "consent_event_decode", err)
		}
		c.Init(p.ConsentID, AggregateType)
		c.ConsentID = p.ConsentID
		c.CustomerID = p.CustomerID
		c.ParticipantID = p.ParticipantID
		c.Scopes = p.Scopes
		c.Purpose = p.Purpose
		c.Status = StatusPending
		c.CreatedAt = p.CreatedAt
		c.ExpiresAt = p.ExpiresAt
	case EventAuthorized:
		var p AuthorizedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return oferr.Wrap(oferr.KindFatal, "consent_event_decode", err)
		}
		c.Status = StatusAuthorized
		c.AuthorizedAt = p.AuthorizedAt
		c.AccountIDs = p.AccountIDs
	case EventRejected:
		c.Status = StatusRejected
	case EventUsed:
		var p UsedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return oferr.Wrap(oferr.KindFatal, "consent_event_decode", err)
		}
		c.UsageHistory = append(c.UsageHistory, UsageEntry{
			UsedAt:        p.UsedAt,
			Operation:     p.Operation,
			ResourceID:    p.ResourceID,
			InteractionID: p.InteractionID,
		})
	case EventRevoked:
		var p RevokedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return oferr.Wrap(oferr.KindFatal, "consent_event_decode", err)
		}
		c.Status = StatusRevoked
		c.RevokedAt = p.RevokedAt
	case EventExpired:
		c.Status = StatusExpired
	default:
		return oferr.Newf(oferr.KindFatal, "consent_event_unknown", "unknown event type %q", ev.EventType)
	}
	return nil
}

// Rehydrate replays a stream segment onto the aggregate.
func (c *Consent) Rehydrate(events []eventstore.Event) error {
	for _, ev := range events {
		if err := c.apply(ev); err != nil {
			return err
		}
		c.Replay(ev)
	}
	return nil
}

// snapshotState is the serialized form stored in snapshots.
type snapshotState struct {
	ConsentID     string       `json:"consentId"`
	CustomerID    string       `json:"customerId"`
	ParticipantID string       `json:"participantId"`
	Scopes        []string     `json:"scopes"`
	Purpose       string       `json:"purpose"`
	Status        Status       `json:"status"`
	CreatedAt     time.Time    `json:"createdAt"`
	AuthorizedAt  time.Time    `json:"authorizedAt"`
	ExpiresAt     time.Time    `json:"expiresAt"`
	RevokedAt     time.Time    `json:"revokedAt"`
	AccountIDs    []string     `json:"accountIds"`
	UsageHistory  []UsageEntry `json:"usageHistory"`
}

// Snapshot serializes the aggregate at its current sequence.
func (c *Consent) Snapshot(now time.Time) (eventstore.Snapshot, error) {
	raw, err := json.Marshal(snapshotState{
		ConsentID:     c.ConsentID,
		CustomerID:    c.CustomerID,
		ParticipantID: c.ParticipantID,
		Scopes:        c.Scopes,
		Purpose:       c.Purpose,
		Status:        c.Status,
		CreatedAt:     c.CreatedAt,
		AuthorizedAt:  c.AuthorizedAt,
		ExpiresAt:     c.ExpiresAt,
		RevokedAt:     c.RevokedAt,
		AccountIDs:    c.AccountIDs,
		UsageHistory:  c.UsageHistory,
	})
	if err != nil {
		return eventstore.Snapshot{}, oferr.Wrap(oferr.KindFatal, "consent_snapshot", err)
	}
	return eventstore.Snapshot{
		AggregateID:    c.AggregateID(),
		SequenceNumber: c.Sequence(),
		Payload:        raw,
		CreatedAt:      now,
	}, nil
}

// FromSnapshot restores an aggregate from a snapshot payload.
func FromSnapshot(snap eventstore.Snapshot) (*Consent, error) {
	var st snapshotState
	if err := json.Unmarshal(snap.Payload, &st); err != nil {
		return nil, oferr.Wrap(oferr.KindFatal, "consent_snapshot_decode", err)
	}
	c := &Consent{
		ConsentID:     st.ConsentID,
		CustomerID:    st.CustomerID,
		ParticipantID: st.ParticipantID,
		Scopes:        st.Scopes,
		Purpose:       st.Purpose,
		Status:        st.Status,
		CreatedAt:     st.CreatedAt,
		AuthorizedAt:  st.AuthorizedAt,
		ExpiresAt:     st.ExpiresAt,
		RevokedAt:     st.RevokedAt,
		AccountIDs:    st.AccountIDs,
		UsageHistory:  st.UsageHistory,
	}
	c.Init(st.ConsentID, AggregateType)
	c.RestoreSequence(snap.SequenceNumber)
	return c, nil
}
