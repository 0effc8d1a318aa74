// Package ratelimit provides per-(participant, scope) admission control:
// sliding-window request limits with a burst allowance, a concurrency gate
// for bulk submissions, and the DPoP jti replay cache.
package ratelimit

import (
	"log"
	"strings"
	"sync"
	"time"
)

// Limits are the tuneable thresholds.
type Limits struct {
	AISCallsPerMinute     int
	GeneralCallsPerMinute int
	MaxConcurrentBulk     int
	BurstFraction         float64
}

func (l *Limits) applyDefaults() {
	if l.AISCallsPerMinute == 0 {
		l.AISCallsPerMinute = 500
	}
	if l.GeneralCallsPerMinute == 0 {
		l.GeneralCallsPerMinute = 1000
	}
	if l.MaxConcurrentBulk == 0 {
		l.MaxConcurrentBulk = 10
	}
	if l.BurstFraction == 0 {
		l.BurstFraction = 0.10
	}
}

type window struct {
	count       int
	windowStart time.Time
}

// Limiter enforces per-(participant, scope) sliding-window limits. Expired
// windows are garbage-collected periodically.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limits  Limits
	logger  *log.Logger
	now     func() time.Time

	bulkMu     sync.Mutex
	bulkActive map[string]int
}

func NewLimiter(limits Limits) *Limiter {
	limits.applyDefaults()
	l := &Limiter{
		windows:    make(map[string]*window),
		limits:     limits,
		logger:     log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		now:        time.Now,
		bulkActive: make(map[string]int),
	}
	go l.cleanup()
	return l
}

// NewLimiterWithClock builds a limiter with an injected clock and no
// background cleanup, for tests.
func NewLimiterWithClock(limits Limits, now func() time.Time) *Limiter {
	limits.applyDefaults()
	return &Limiter{
		windows:    make(map[string]*window),
		limits:     limits,
		logger:     log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		now:        now,
		bulkActive: make(map[string]int),
	}
}

// Allow checks one request against the participant's per-scope window.
// On deny it also returns the suggested Retry-After.
func (l *Limiter) Allow(participantID, scope string) (bool, time.Duration) {
	limit := l.limits.GeneralCallsPerMinute
	if strings.HasPrefix(scope, "accounts") || strings.HasPrefix(scope, "ais") {
		limit = l.limits.AISCallsPerMinute
	}
	burst := limit + int(float64(limit)*l.limits.BurstFraction)

	key := participantID + ":" + scope
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.windowStart) > time.Minute {
		l.windows[key] = &window{count: 1, windowStart: now}
		return true, 0
	}

	w.count++
	if w.count > burst {
		retry := time.Minute - now.Sub(w.windowStart)
		l.logger.Printf("rate limit exceeded: participant=%s scope=%s count=%d burst=%d",
			participantID, scope, w.count, burst)
		return false, retry
	}
	return true, 0
}

// AcquireBulk reserves a concurrent bulk-file submission slot.
func (l *Limiter) AcquireBulk(participantID string) bool {
	l.bulkMu.Lock()
	defer l.bulkMu.Unlock()
	if l.bulkActive[participantID] >= l.limits.MaxConcurrentBulk {
		return false
	}
	l.bulkActive[participantID]++
	return true
}

// ReleaseBulk frees a slot taken by AcquireBulk.
func (l *Limiter) ReleaseBulk(participantID string) {
	l.bulkMu.Lock()
	defer l.bulkMu.Unlock()
	if l.bulkActive[participantID] > 0 {
		l.bulkActive[participantID]--
	}
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := l.now()
		l.mu.Lock()
		for key, w := range l.windows {
			if now.Sub(w.windowStart) > 2*time.Minute {
				delete(l.windows, key)
			}
		}
		l.mu.Unlock()
	}
}

// Stats returns limiter counters for the ops endpoints.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]interface{}{
		"active_windows":      len(l.windows),
		"ais_calls_per_min":   l.limits.AISCallsPerMinute,
		"general_per_min":     l.limits.GeneralCallsPerMinute,
		"max_concurrent_bulk": l.limits.MaxConcurrentBulk,
	}
}
