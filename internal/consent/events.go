package consent

import "time"

// Event type names as persisted in the event store.
const (
	EventCreated    = "ConsentCreatedEvent"
	EventAuthorized = "ConsentAuthorizedEvent"
	EventRejected   = "ConsentRejectedEvent"
	EventUsed       = "ConsentUsedEvent"
	EventRevoked    = "ConsentRevokedEvent"
	EventExpired    = "ConsentExpiredEvent"
)

// AggregateType tags consent streams in the event store.
const AggregateType = "Consent"

// CreatedPayload is emitted when a consent request is registered (PENDING).
type CreatedPayload struct {
	ConsentID     string    `json:"consentId"`
	CustomerID    string    `json:"customerId"` // masked PSU reference
	ParticipantID string    `json:"participantId"`
	Scopes        []string  `json:"scopes"`
	Purpose       string    `json:"purpose"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// AuthorizedPayload is emitted when the PSU approves the consent. The
// account whitelist arrives here: it is part of the authorization decision,
// not the creation request.
type AuthorizedPayload struct {
	AuthorizedAt time.Time `json:"authorizedAt"`
	AuthorizedBy string    `json:"authorizedBy"`
	AccountIDs   []string  `json:"accountIds,omitempty"`
}

// RejectedPayload is emitted when the PSU or the bank declines.
type RejectedPayload struct {
	RejectedAt time.Time `json:"rejectedAt"`
	Reason     string    `json:"reason"`
}

// UsedPayload is appended for every data access under the consent.
type UsedPayload struct {
	UsedAt        time.Time `json:"usedAt"`
	Operation     string    `json:"operation"`
	ResourceID    string    `json:"resourceId,omitempty"`
	InteractionID string    `json:"interactionId,omitempty"`
}

// RevokedPayload is emitted when an authorized consent is withdrawn.
type RevokedPayload struct {
	RevokedAt time.Time `json:"revokedAt"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
}

// ExpiredPayload is emitted when the validity window closes.
type ExpiredPayload struct {
	ExpiredAt time.Time `json:"expiredAt"`
}
