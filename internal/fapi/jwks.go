package fapi

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

// JWKSet is the document served by the authorization server.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// KeySource resolves a signing key by kid. The JWKS client is the production
// implementation; tests use StaticKeys.
type KeySource interface {
	Key(ctx context.Context, kid string) (*JWK, error)
}

// JWKSClient fetches and caches the authorization server's JWKS. The cache
// is held for at least the configured TTL; an unknown kid forces a refetch
// (key rotation), rate-limited to once per 30 seconds.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	logger     *log.Logger

	mu          sync.RWMutex
	keys        map[string]JWK
	fetchedAt   time.Time
	lastRefetch time.Time
}

func NewJWKSClient(url string, ttl time.Duration) *JWKSClient {
	if ttl < 5*time.Minute {
		ttl = 5 * time.Minute
	}
	return &JWKSClient{
		url:        url,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     log.New(log.Writer(), "[JWKS] ", log.LstdFlags),
		keys:       make(map[string]JWK),
	}
}

func (c *JWKSClient) Key(ctx context.Context, kid string) (*JWK, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetchedAt) < c.ttl
	c.mu.RUnlock()

	if ok && fresh {
		return &key, nil
	}

	// Unknown kid or stale cache: refetch, rate limited.
	if err := c.refresh(ctx); err != nil {
		// A stale hit is still better than failing the request.
		if ok {
			return &key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if key, ok := c.keys[kid]; ok {
		return &key, nil
	}
	return nil, oferr.Newf(oferr.KindSecurity, "invalid_token", "unknown signing key %q", kid)
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	c.mu.Lock()
	if time.Since(c.lastRefetch) < 30*time.Second && len(c.keys) > 0 {
		c.mu.Unlock()
		return nil
	}
	c.lastRefetch = time.Now()
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return oferr.Wrap(oferr.KindTransient, "jwks_request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return oferr.Wrap(oferr.KindTransient, "jwks_fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return oferr.Wrap(oferr.KindTransient, "jwks_fetch",
			fmt.Errorf("jwks endpoint returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return oferr.Wrap(oferr.KindTransient, "jwks_read", err)
	}

	var set JWKSet
	if err := json.Unmarshal(body, &set); err != nil {
		return oferr.Wrap(oferr.KindTransient, "jwks_decode", err)
	}

	keys := make(map[string]JWK, len(set.Keys))
	for _, k := range set.Keys {
		keys[k.Kid] = k
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	c.logger.Printf("refreshed JWKS from %s: %d keys", c.url, len(keys))
	return nil
}

// StaticKeys is a KeySource over a fixed key set, for tests and for
// deployments that pin the AS keys at startup.
type StaticKeys map[string]JWK

func (s StaticKeys) Key(ctx context.Context, kid string) (*JWK, error) {
	if k, ok := s[kid]; ok {
		return &k, nil
	}
	return nil, oferr.Newf(oferr.KindSecurity, "invalid_token", "unknown signing key %q", kid)
}
