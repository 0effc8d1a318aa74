package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfinance/core/internal/cache"
)

func TestCheckFreshKey(t *testing.T) {
	store := NewStore(cache.NewMemoryWithClock(time.Now), time.Hour)

	rec, found, err := store.Check(context.Background(), "key-1", "tpp-1", "hash-a")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, rec)
}

func TestReplayReturnsOriginalRecord(t *testing.T) {
	store := NewStore(cache.NewMemoryWithClock(time.Now), time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Record{
		IdempotencyKey: "key-1",
		ParticipantID:  "tpp-1",
		RequestHash:    "hash-a",
		ResourceID:     "file-42",
		Status:         "PROCESSING",
	}))

	rec, found, err := store.Check(ctx, "key-1", "tpp-1", "hash-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "file-42", rec.ResourceID)
	assert.Equal(t, "PROCESSING", rec.Status)
}

func TestKeyReuseWithDifferentPayloadConflicts(t *testing.T) {
	store := NewStore(cache.NewMemoryWithClock(time.Now), time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Record{
		IdempotencyKey: "key-1",
		ParticipantID:  "tpp-1",
		RequestHash:    "hash-a",
		ResourceID:     "file-42",
	}))

	_, _, err := store.Check(ctx, "key-1", "tpp-1", "hash-b")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestKeysAreScopedPerParticipant(t *testing.T) {
	store := NewStore(cache.NewMemoryWithClock(time.Now), time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Record{
		IdempotencyKey: "key-1",
		ParticipantID:  "tpp-1",
		RequestHash:    "hash-a",
		ResourceID:     "file-42",
	}))

	// Same key from another participant is a fresh request, not a replay.
	_, found, err := store.Check(ctx, "key-1", "tpp-2", "hash-a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFirstRecordWinsTheRace(t *testing.T) {
	store := NewStore(cache.NewMemoryWithClock(time.Now), time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Record{
		IdempotencyKey: "key-1", ParticipantID: "tpp-1", RequestHash: "hash-a", ResourceID: "file-1",
	}))
	require.NoError(t, store.Save(ctx, Record{
		IdempotencyKey: "key-1", ParticipantID: "tpp-1", RequestHash: "hash-a", ResourceID: "file-2",
	}))

	rec, found, err := store.Check(ctx, "key-1", "tpp-1", "hash-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "file-1", rec.ResourceID)
}

func TestRecordExpiresAfterTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := NewStore(cache.NewMemoryWithClock(func() time.Time { return clock() }), time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Record{
		IdempotencyKey: "key-1", ParticipantID: "tpp-1", RequestHash: "hash-a", ResourceID: "file-1",
	}))

	now = now.Add(2 * time.Hour)
	_, found, err := store.Check(ctx, "key-1", "tpp-1", "hash-a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRequestHashBindsInteractionID(t *testing.T) {
	payload := []byte(`{"a":1}`)
	h1 := RequestHash(payload, "int-1")
	h2 := RequestHash(payload, "int-2")
	h3 := RequestHash([]byte(`{"a":2}`), "int-1")

	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Equal(t, h1, RequestHash(payload, "int-1"))
	assert.Len(t, h1, 64)
}
