package outbox

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/openfinance/core/internal/eventstore"
)

// Dispatcher is the single leader that drains the outbox. One dispatcher
// runs per partition; within it, entries publish strictly in insertion
// order, so per-aggregate event order on the bus matches the store.
type Dispatcher struct {
	source       eventstore.OutboxSource
	bus          Bus
	pollInterval time.Duration
	batchSize    int
	lagThreshold int

	lag    atomic.Int64
	logger *log.Logger
}

func NewDispatcher(source eventstore.OutboxSource, bus Bus, pollInterval time.Duration, batchSize, lagThreshold int) *Dispatcher {
	if pollInterval == 0 {
		pollInterval = 250 * time.Millisecond
	}
	if batchSize == 0 {
		batchSize = 100
	}
	if lagThreshold == 0 {
		lagThreshold = 10000
	}
	return &Dispatcher{
		source:       source,
		bus:          bus,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		lagThreshold: lagThreshold,
		logger:       log.New(log.Writer(), "[OUTBOX] ", log.LstdFlags),
	}
}

// Run drains the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Printf("dispatcher started (poll=%s batch=%d)", d.pollInterval, d.batchSize)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Printf("dispatcher stopped")
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain publishes one batch of pending entries. Exported so tests can pump
// the outbox without the ticker.
func (d *Dispatcher) Drain(ctx context.Context) {
	entries, err := d.source.PendingOutbox(ctx, d.batchSize)
	if err != nil {
		d.logger.Printf("outbox read failed: %v", err)
		return
	}

	for _, entry := range entries {
		var ev eventstore.Event
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			// A row that cannot decode will never decode. Ack it and log
			// loudly rather than wedging the stream behind it.
			d.logger.Printf("FATAL outbox row %d undecodable, skipping: %v", entry.ID, err)
			_ = d.source.MarkDispatched(ctx, entry.ID)
			continue
		}

		if err := d.bus.Publish(ctx, ev); err != nil {
			// Stop the batch: publishing out of order would break the
			// per-aggregate ordering guarantee. The row stays pending and is
			// retried next tick (subscribers dedupe on aggregate+sequence).
			d.logger.Printf("publish failed, will retry: %v", err)
			break
		}
		if err := d.source.MarkDispatched(ctx, entry.ID); err != nil {
			d.logger.Printf("ack failed for row %d (redelivery possible): %v", entry.ID, err)
			break
		}
	}

	if lag, err := d.source.OutboxLag(ctx); err == nil {
		d.lag.Store(int64(lag))
	}
}

// Lag returns the last observed count of undispatched entries.
func (d *Dispatcher) Lag() int {
	return int(d.lag.Load())
}

// Backpressured reports whether write traffic should be refused while reads
// continue from cache.
func (d *Dispatcher) Backpressured() bool {
	return d.Lag() > d.lagThreshold
}
