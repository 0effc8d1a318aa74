package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfinance/core/internal/eventstore"
	"github.com/openfinance/core/internal/oferr"
)

func appendEvents(t *testing.T, store *eventstore.MemoryStore, aggID string, n int) {
	t.Helper()
	var events []eventstore.Event
	for i := 1; i <= n; i++ {
		ev, err := eventstore.NewEvent(aggID, "TestAggregate", "SomethingHappened", map[string]int{"n": i})
		require.NoError(t, err)
		ev.SequenceNumber = int64(i)
		events = append(events, ev)
	}
	require.NoError(t, store.Append(context.Background(), 0, events))
}

func TestDrainPublishesInOrder(t *testing.T) {
	store := eventstore.NewMemoryStore()
	bus := NewMemoryBus()

	var got []int64
	bus.Subscribe(func(ev eventstore.Event) {
		got = append(got, ev.SequenceNumber)
	})

	appendEvents(t, store, "agg-1", 3)

	d := NewDispatcher(store, bus, 0, 0, 0)
	d.Drain(context.Background())

	assert.Equal(t, []int64{1, 2, 3}, got)
	assert.Equal(t, 0, d.Lag())
}

func TestDrainIsIdempotentAfterAck(t *testing.T) {
	store := eventstore.NewMemoryStore()
	bus := NewMemoryBus()

	count := 0
	bus.Subscribe(func(ev eventstore.Event) { count++ })

	appendEvents(t, store, "agg-1", 2)

	d := NewDispatcher(store, bus, 0, 0, 0)
	d.Drain(context.Background())
	d.Drain(context.Background())

	assert.Equal(t, 2, count, "acked entries are never republished")
}

type failingBus struct {
	failures int
	inner    *MemoryBus
}

func (b *failingBus) Publish(ctx context.Context, ev eventstore.Event) error {
	if b.failures > 0 {
		b.failures--
		return oferr.New(oferr.KindTransient, "bus_down", "broker unavailable")
	}
	return b.inner.Publish(ctx, ev)
}

func TestDrainStopsBatchOnPublishFailure(t *testing.T) {
	store := eventstore.NewMemoryStore()
	inner := NewMemoryBus()
	var got []int64
	inner.Subscribe(func(ev eventstore.Event) { got = append(got, ev.SequenceNumber) })

	appendEvents(t, store, "agg-1", 3)

	bus := &failingBus{failures: 1, inner: inner}
	d := NewDispatcher(store, bus, 0, 0, 0)

	// First drain fails on entry one and must not publish entries two and
	// three out of order.
	d.Drain(context.Background())
	assert.Empty(t, got)
	assert.Equal(t, 3, d.Lag())

	// Broker back: the retry delivers everything in order.
	d.Drain(context.Background())
	assert.Equal(t, []int64{1, 2, 3}, got)
	assert.Equal(t, 0, d.Lag())
}

func TestBackpressureThreshold(t *testing.T) {
	store := eventstore.NewMemoryStore()
	bus := &failingBus{failures: 1 << 30, inner: NewMemoryBus()}

	appendEvents(t, store, "agg-1", 3)

	d := NewDispatcher(store, bus, 0, 0, 2)
	d.Drain(context.Background())

	assert.Equal(t, 3, d.Lag())
	assert.True(t, d.Backpressured())
}

func TestMultiBusFansOutAndFailsFast(t *testing.T) {
	ok := NewMemoryBus()
	var seen int
	ok.Subscribe(func(eventstore.Event) { seen++ })

	failing := &failingBus{failures: 1, inner: NewMemoryBus()}
	multi := MultiBus{ok, failing}

	ev, err := eventstore.NewEvent("agg-1", "TestAggregate", "SomethingHappened", nil)
	require.NoError(t, err)

	err = multi.Publish(context.Background(), ev)
	assert.Error(t, err, "a failing downstream fails the whole publish")
	assert.Equal(t, 1, seen)

	require.NoError(t, multi.Publish(context.Background(), ev))
	assert.Equal(t, 2, seen)
}
