// Package directory validates TPP legal identity against the CBUAE trust
// framework, with TTL-bounded caching and certificate-rotation tracking.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/openfinance/core/internal/oferr"
)

// Status of a participant in the trust framework.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusRevoked   Status = "REVOKED"
)

// Role a participant is registered for.
type Role string

const (
	RoleAISP  Role = "AISP"
	RolePISP  Role = "PISP"
	RoleCBPII Role = "CBPII"
)

// ValidationResult is what the trust framework asserts about a participant.
type ValidationResult struct {
	ParticipantID   string    `json:"participantId"`
	LegalName       string    `json:"legalName"`
	Roles           []Role    `json:"roles"`
	Status          Status    `json:"status"`
	CertThumbprints []string  `json:"certThumbprints"`
	ValidUntil      time.Time `json:"validUntil"`
	ValidatedAt     time.Time `json:"validatedAt"`
}

// Active reports whether a request may proceed on this validation.
func (r *ValidationResult) Active(now time.Time) bool {
	return r.Status == StatusActive && now.Before(r.ValidUntil)
}

// HasRole reports whether the participant is registered for the role.
func (r *ValidationResult) HasRole(role Role) bool {
	for _, x := range r.Roles {
		if x == role {
			return true
		}
	}
	return false
}

// Framework is the external CBUAE participant directory.
type Framework interface {
	Validate(ctx context.Context, participantID string) (*ValidationResult, error)
}

type cachedResult struct {
	result    *ValidationResult
	expiresAt time.Time
}

// Client caches framework lookups. Positive results live for
// min(validUntil-now, maxTTL); negative results (SUSPENDED/REVOKED) for a
// short TTL so a reinstated TPP is not locked out for long. The first
// observation of a suspension fires the OnSuspended hook, which the
// composition root wires to the event publisher.
type Client struct {
	framework   Framework
	maxTTL      time.Duration
	negativeTTL time.Duration
	now         func() time.Time

	// OnSuspended fires once per transition into SUSPENDED or REVOKED.
	OnSuspended func(result ValidationResult)

	mu     sync.Mutex
	cache  map[string]cachedResult
	logger *log.Logger
}

func NewClient(framework Framework, maxTTL, negativeTTL time.Duration) *Client {
	if maxTTL == 0 {
		maxTTL = time.Hour
	}
	if negativeTTL == 0 {
		negativeTTL = time.Minute
	}
	return &Client{
		framework:   framework,
		maxTTL:      maxTTL,
		negativeTTL: negativeTTL,
		now:         time.Now,
		cache:       make(map[string]cachedResult),
		logger:      log.New(log.Writer(), "[DIRECTORY] ", log.LstdFlags),
	}
}

// WithClock overrides the clock for tests.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// Validate returns the participant's current standing, from cache when
// fresh. Certificate rotation shows up as a thumbprint change in the
// result; existing sessions stay valid, new sessions bind to the new
// thumbprints on their next call.
func (c *Client) Validate(ctx context.Context, participantID string) (*ValidationResult, error) {
	now := c.now()

	c.mu.Lock()
	cached, ok := c.cache[participantID]
	c.mu.Unlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.result, nil
	}

	result, err := c.framework.Validate(ctx, participantID)
	if err != nil {
		// Serve a stale positive over a transient directory outage.
		if ok && cached.result.Active(now) {
			c.logger.Printf("directory unavailable, serving stale validation for %s", participantID)
			return cached.result, nil
		}
		return nil, err
	}

	ttl := c.maxTTL
	if result.Status == StatusActive {
		if until := result.ValidUntil.Sub(now); until < ttl {
			ttl = until
		}
	} else {
		ttl = c.negativeTTL
	}

	c.mu.Lock()
	prev, hadPrev := c.cache[participantID]
	c.cache[participantID] = cachedResult{result: result, expiresAt: now.Add(ttl)}
	c.mu.Unlock()

	if result.Status != StatusActive {
		transitioned := !hadPrev || prev.result.Status == StatusActive
		if transitioned && c.OnSuspended != nil {
			c.OnSuspended(*result)
		}
	}
	return result, nil
}

// RequireActive validates and converts a non-active standing into an
// authorization failure.
func (c *Client) RequireActive(ctx context.Context, participantID string) (*ValidationResult, error) {
	result, err := c.Validate(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if !result.Active(c.now()) {
		return nil, oferr.Newf(oferr.KindAuthorization, "participant_not_active",
			"participant %s is %s", participantID, result.Status)
	}
	return result, nil
}

// HTTPFramework calls the trust framework's REST validation endpoint.
type HTTPFramework struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFramework(baseURL string, timeout time.Duration) *HTTPFramework {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPFramework{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFramework) Validate(ctx context.Context, participantID string) (*ValidationResult, error) {
	url := fmt.Sprintf("%s/participants/%s/validate", f.baseURL, participantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, oferr.Wrap(oferr.KindTransient, "directory_request", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, oferr.Wrap(oferr.KindTransient, "directory_call", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, oferr.Newf(oferr.KindAuthorization, "participant_unknown",
			"participant %s not registered", participantID)
	default:
		return nil, oferr.Newf(oferr.KindTransient, "directory_status",
			"trust framework returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, oferr.Wrap(oferr.KindTransient, "directory_read", err)
	}
	var result ValidationResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, oferr.Wrap(oferr.KindTransient, "directory_decode", err)
	}
	if result.ValidatedAt.IsZero() {
		result.ValidatedAt = time.Now().UTC()
	}
	return &result, nil
}
