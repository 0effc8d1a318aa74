// Package idempotency implements the durable (key, participant,
// request-hash) → (resource, status) mapping that makes write endpoints
// safely replayable. Records outlive cache entries; the default TTL is 24h.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/openfinance/core/internal/cache"
	"github.com/openfinance/core/internal/oferr"
)

// Record is what a successful write operation leaves behind.
type Record struct {
	IdempotencyKey string    `json:"idempotencyKey"`
	ParticipantID  string    `json:"participantId"`
	RequestHash    string    `json:"requestHash"`
	ResourceID     string    `json:"resourceId"`
	Status         string    `json:"status"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// ErrConflict is returned when the same (key, participant) arrives with a
// different request hash. This is fatal for the request: the client reused
// a key for a different payload.
var ErrConflict = oferr.New(oferr.KindIdempotencyConflict, "idempotency_conflict",
	"idempotency key reused with a different request")

// Store persists idempotency records. Backed by the cache port, which both
// Redis and the in-memory implementation satisfy with atomic set-if-absent.
type Store struct {
	cache cache.Cache
	ttl   time.Duration
}

func NewStore(c cache.Cache, ttl time.Duration) *Store {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Store{cache: c, ttl: ttl}
}

// RequestHash computes the canonical request hash: SHA-256 over the
// canonical payload concatenated with the FAPI interaction id.
func RequestHash(canonicalPayload []byte, interactionID string) string {
	h := sha256.New()
	h.Write(canonicalPayload)
	h.Write([]byte(interactionID))
	return hex.EncodeToString(h.Sum(nil))
}

func key(idempotencyKey, participantID string) string {
	return cache.Key("idem", participantID, idempotencyKey)
}

// Check looks up a prior record. Returns (record, true) on a hash-matching
// replay, (nil, false) when the key is fresh, ErrConflict on hash mismatch.
func (s *Store) Check(ctx context.Context, idempotencyKey, participantID, requestHash string) (*Record, bool, error) {
	raw, ok, err := s.cache.Get(ctx, key(idempotencyKey, participantID))
	if err != nil {
		return nil, false, oferr.Wrap(oferr.KindTransient, "idempotency_get", err)
	}
	if !ok {
		return nil, false, nil
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, oferr.Wrap(oferr.KindFatal, "idempotency_decode", err)
	}
	if rec.RequestHash != requestHash {
		return nil, false, ErrConflict
	}
	return &rec, true, nil
}

// Save stores the record for the configured TTL. Set-if-absent: if another
// writer won the race the first record stands and the caller's Check on
// retry will return it.
func (s *Store) Save(ctx context.Context, rec Record) error {
	rec.ExpiresAt = time.Now().Add(s.ttl)
	raw, err := json.Marshal(rec)
	if err != nil {
		return oferr.Wrap(oferr.KindFatal, "idempotency_encode", err)
	}
	if _, err := s.cache.SetIfAbsent(ctx, key(rec.IdempotencyKey, rec.ParticipantID), raw, s.ttl); err != nil {
		return oferr.Wrap(oferr.KindTransient, "idempotency_set", err)
	}
	return nil
}
