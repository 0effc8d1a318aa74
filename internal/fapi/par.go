package fapi

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfinance/core/internal/oferr"
)

// PARRequest is a pushed authorization request held server-side until the
// authorization endpoint consumes it. Single use, TTL at most 60 seconds.
type PARRequest struct {
	RequestURI string
	ClientID   string
	Scopes     []string
	Payload    map[string]string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// PARStore issues and atomically consumes request URIs.
type PARStore interface {
	Push(ctx context.Context, clientID string, scopes []string, payload map[string]string) (*PARRequest, error)
	// Consume atomically removes and returns the request. A second consume
	// of the same URI fails: single use is what defeats authorization replay.
	Consume(ctx context.Context, requestURI string) (*PARRequest, error)
}

// MemoryPARStore holds pushed requests in process. Expired entries are
// dropped on access.
type MemoryPARStore struct {
	mu       sync.Mutex
	requests map[string]*PARRequest
	ttl      time.Duration
	now      func() time.Time
}

func NewMemoryPARStore(ttl time.Duration) *MemoryPARStore {
	if ttl == 0 || ttl > 60*time.Second {
		ttl = 60 * time.Second
	}
	return &MemoryPARStore{
		requests: make(map[string]*PARRequest),
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *MemoryPARStore) WithClock(now func() time.Time) *MemoryPARStore {
	s.now = now
	return s
}

func (s *MemoryPARStore) Push(ctx context.Context, clientID string, scopes []string, payload map[string]string) (*PARRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	req := &PARRequest{
		RequestURI: "urn:ietf:params:oauth:request_uri:" + uuid.NewString(),
		ClientID:   clientID,
		Scopes:     scopes,
		Payload:    payload,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	s.requests[req.RequestURI] = req

	// Opportunistic cleanup of anything already expired.
	for uri, r := range s.requests {
		if now.After(r.ExpiresAt) {
			delete(s.requests, uri)
		}
	}
	return req, nil
}

func (s *MemoryPARStore) Consume(ctx context.Context, requestURI string) (*PARRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestURI]
	if !ok {
		return nil, oferr.New(oferr.KindSecurity, "invalid_request", "unknown or already consumed request_uri")
	}
	delete(s.requests, requestURI)

	if s.now().After(req.ExpiresAt) {
		return nil, oferr.New(oferr.KindSecurity, "invalid_request", "request_uri expired")
	}
	return req, nil
}

var _ PARStore = (*MemoryPARStore)(nil)
