// Package outbox dispatches persisted domain events to the message bus.
// Rows are written by the event store in the same transaction as the events
// they mirror; the dispatcher here is the only component that talks to the
// bus, reading unacked rows in insertion order and publishing with the
// aggregate id as ordering key. Redelivery after a crash is possible, so
// every subscriber must be idempotent on (aggregateId, sequenceNumber).
package outbox

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/openfinance/core/internal/eventstore"
)

// Bus is the publish port. Implementations must preserve per-ordering-key
// order for events published sequentially.
type Bus interface {
	Publish(ctx context.Context, ev eventstore.Event) error
}

// Subscriber receives events from the in-memory bus (projectors, tests).
type Subscriber func(ev eventstore.Event)

// MemoryBus is an in-process bus: events fan out synchronously to all
// subscribers in publish order. It is the fallback when Pub/Sub is not
// configured and the bus every package test runs against.
type MemoryBus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *MemoryBus) Publish(ctx context.Context, ev eventstore.Event) error {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)

// PubSubBus publishes to a Google Cloud Pub/Sub topic with per-aggregate
// message ordering.
type PubSubBus struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus connects and ensures the topic exists.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	return &PubSubBus{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}, nil
}

func (b *PubSubBus) Publish(ctx context.Context, ev eventstore.Event) error {
	msg := &pubsub.Message{
		Data: ev.Payload,
		Attributes: map[string]string{
			"eventId":        ev.EventID,
			"aggregateId":    ev.AggregateID,
			"aggregateType":  ev.AggregateType,
			"sequenceNumber": fmt.Sprintf("%d", ev.SequenceNumber),
			"eventType":      ev.EventType,
			"eventVersion":   fmt.Sprintf("%d", ev.EventVersion),
			"occurredAt":     ev.OccurredAt.Format(time.RFC3339Nano),
			"correlationId":  ev.CorrelationID,
			"causationId":    ev.CausationID,
		},
		OrderingKey: ev.AggregateID,
	}

	// The dispatcher publishes sequentially and blocks on the result, which
	// is what keeps per-aggregate order intact.
	result := b.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		b.topic.ResumePublish(ev.AggregateID)
		return fmt.Errorf("pubsub publish %s/%d: %w", ev.AggregateID, ev.SequenceNumber, err)
	}
	return nil
}

func (b *PubSubBus) Close() error {
	b.topic.Stop()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	b.logger.Printf("Pub/Sub client closed")
	return nil
}

var _ Bus = (*PubSubBus)(nil)

// MultiBus fans one publish out to several buses, in order. Used to feed the
// in-process projectors alongside the external broker. A failure on any
// downstream bus fails the publish so the dispatcher redelivers.
type MultiBus []Bus

func (m MultiBus) Publish(ctx context.Context, ev eventstore.Event) error {
	for _, b := range m {
		if err := b.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

var _ Bus = (MultiBus)(nil)
