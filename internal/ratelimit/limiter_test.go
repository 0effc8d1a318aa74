package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowWithinLimit(t *testing.T) {
	l := NewLimiterWithClock(Limits{GeneralCallsPerMinute: 10}, time.Now)

	for i := 0; i < 10; i++ {
		ok, _ := l.Allow("tpp-1", "consents:write")
		assert.True(t, ok)
	}
}

func TestBurstAllowanceThenDeny(t *testing.T) {
	l := NewLimiterWithClock(Limits{GeneralCallsPerMinute: 10, BurstFraction: 0.10}, time.Now)

	// 10 base + 1 burst pass, the 12th is denied with a Retry-After.
	for i := 0; i < 11; i++ {
		ok, _ := l.Allow("tpp-1", "consents:write")
		require.True(t, ok, "request %d", i+1)
	}
	ok, retry := l.Allow("tpp-1", "consents:write")
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Minute)
}

func TestWindowSlides(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l := NewLimiterWithClock(Limits{GeneralCallsPerMinute: 2, BurstFraction: 0.10}, func() time.Time { return now })

	require.True(t, first(l.Allow("tpp-1", "fx")))
	require.True(t, first(l.Allow("tpp-1", "fx")))
	assert.False(t, first(l.Allow("tpp-1", "fx")))

	now = now.Add(61 * time.Second)
	assert.True(t, first(l.Allow("tpp-1", "fx")))
}

func TestLimitsArePerParticipantAndScope(t *testing.T) {
	l := NewLimiterWithClock(Limits{GeneralCallsPerMinute: 1, BurstFraction: 0.01}, time.Now)

	require.True(t, first(l.Allow("tpp-1", "fx")))
	assert.False(t, first(l.Allow("tpp-1", "fx")))

	// Another participant and another scope each have their own window.
	assert.True(t, first(l.Allow("tpp-2", "fx")))
	assert.True(t, first(l.Allow("tpp-1", "consents:write")))
}

func TestAISScopeUsesAISLimit(t *testing.T) {
	l := NewLimiterWithClock(Limits{AISCallsPerMinute: 1, GeneralCallsPerMinute: 100, BurstFraction: 0.01}, time.Now)

	require.True(t, first(l.Allow("tpp-1", "accounts")))
	assert.False(t, first(l.Allow("tpp-1", "accounts")))
}

func TestBulkConcurrencyGate(t *testing.T) {
	l := NewLimiterWithClock(Limits{MaxConcurrentBulk: 2}, time.Now)

	require.True(t, l.AcquireBulk("tpp-1"))
	require.True(t, l.AcquireBulk("tpp-1"))
	assert.False(t, l.AcquireBulk("tpp-1"))

	// Slots are per participant.
	assert.True(t, l.AcquireBulk("tpp-2"))

	l.ReleaseBulk("tpp-1")
	assert.True(t, l.AcquireBulk("tpp-1"))

	// Release below zero never goes negative.
	l.ReleaseBulk("tpp-3")
	for i := 0; i < 2; i++ {
		require.True(t, l.AcquireBulk("tpp-3"))
	}
	assert.False(t, l.AcquireBulk("tpp-3"))
}

func TestMemoryReplayWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := NewMemoryReplayWithClock(func() time.Time { return now })
	ctx := context.Background()

	fresh, err := r.Remember(ctx, "jti-1", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	replayed, err := r.Remember(ctx, "jti-1", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, replayed, "second sighting inside the window is a replay")

	now = now.Add(6 * time.Minute)
	again, err := r.Remember(ctx, "jti-1", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, again, "the jti may recur once the window has passed")
}

func first(ok bool, _ time.Duration) bool { return ok }
