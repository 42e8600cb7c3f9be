// Package eventbus implements the in-process publish/subscribe message bus
// that routes typed envelopes between core modules.
package eventbus

import (
	"context"
	"time"

	"github.com/skelly-jelly/core/internal/pool"
	"github.com/skelly-jelly/core/internal/schema"
)

// DefaultQueueCapacity is the fallback per-subscriber queue size.
const DefaultQueueCapacity = 1000

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// MessageID uniquely identifies a published envelope, monotonic per bus instance.
type MessageID uint64

// Mode selects the delivery guarantee for a subscription.
type Mode int

const (
	// BestEffort drops the oldest queued message when the subscriber's queue is
	// full; no other overflow policy is offered.
	BestEffort Mode = iota
	// Reliable requires an explicit Ack per delivered message; unacked messages
	// older than the ack timeout are redelivered once, then dropped.
	Reliable
)

// Filter decides whether an envelope should be delivered to a subscriber.
// A nil filter matches every envelope of the subscribed kind.
type Filter func(env *schema.Envelope) bool

// Metrics reports per-subscriber delivery statistics.
type Metrics struct {
	Subscribers map[SubscriptionID]SubscriberMetrics
}

// SubscriberMetrics reports one subscriber's lag, drop count, and redelivery
// count. MemoryBus does not measure delivery latency, so LastDeliveryLatency
// stays zero.
type SubscriberMetrics struct {
	Lag                 int
	Dropped             uint64
	Redelivered         uint64
	LastDeliveryLatency time.Duration
}

// Bus routes typed envelopes from publishers to subscribers with bounded
// memory, backpressure, and observable latency.
type Bus interface {
	Publish(ctx context.Context, kind schema.MessageKind, env *schema.Envelope) (MessageID, error)
	Subscribe(ctx context.Context, consumerID string, kind schema.MessageKind, filter Filter, capacity int, mode Mode) (SubscriptionID, <-chan *schema.Envelope, error)
	Ack(id SubscriptionID, msgID MessageID) error
	Unsubscribe(id SubscriptionID)
	Metrics() Metrics
	Close()
}

// Config configures the in-memory bus buffers and worker pool.
type Config struct {
	DefaultCapacity int
	FanoutWorkers   int
	AckTimeout      time.Duration
	PublishTimeout  time.Duration
	Pools           *pool.PoolManager
}

func (c Config) normalize() Config {
	if c.DefaultCapacity <= 0 {
		c.DefaultCapacity = DefaultQueueCapacity
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}
