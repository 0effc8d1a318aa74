package consent

import (
	"context"
	"time"

	"github.com/openfinance/core/internal/eventstore"
	"github.com/openfinance/core/internal/oferr"
)

// Repository loads and saves consent aggregates through the event store.
// Loads go snapshot-first; saves append with the optimistic expectedSequence
// check and take a fresh snapshot every snapshotEvery events.
type Repository struct {
	store         eventstore.Store
	snapshotEvery int
}

func NewRepository(store eventstore.Store, snapshotEvery int) *Repository {
	if snapshotEvery < 50 {
		snapshotEvery = 100
	}
	if snapshotEvery > 200 {
		snapshotEvery = 200
	}
	return &Repository{store: store, snapshotEvery: snapshotEvery}
}

// Load rehydrates the aggregate from the latest snapshot plus the event
// tail. Returns NOT_FOUND if the stream is empty.
func (r *Repository) Load(ctx context.Context, consentID string) (*Consent, error) {
	var c *Consent
	after := int64(0)

	snap, err := r.store.LoadSnapshot(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		c, err = FromSnapshot(*snap)
		if err != nil {
			return nil, err
		}
		after = snap.SequenceNumber
	} else {
		c = &Consent{}
		c.Init(consentID, AggregateType)
	}

	events, err := r.store.Load(ctx, consentID, after)
	if err != nil {
		return nil, err
	}
	if snap == nil && len(events) == 0 {
		return nil, oferr.Newf(oferr.KindNotFound, "consent_not_found", "consent %s does not exist", consentID)
	}
	if err := c.Rehydrate(events); err != nil {
		return nil, err
	}
	return c, nil
}

// Save appends the aggregate's pending events. On success the pending list
// is cleared and a snapshot is taken if the stream crossed the interval.
func (r *Repository) Save(ctx context.Context, c *Consent) error {
	pending := c.PendingEvents()
	if len(pending) == 0 {
		return nil
	}

	if err := r.store.Append(ctx, c.CommittedSequence(), pending); err != nil {
		return err
	}
	c.MarkCommitted()

	if c.Sequence()%int64(r.snapshotEvery) == 0 {
		snap, err := c.Snapshot(time.Now().UTC())
		if err == nil {
			// Best effort: a lost snapshot only costs replay time.
			_ = r.store.SaveSnapshot(ctx, snap)
		}
	}
	return nil
}
