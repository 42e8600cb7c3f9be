// Package spillstore implements the bounded durable queue the batch
// assembler spills failed EventBatch publishes into, replayed once the bus
// recovers.
package spillstore

import (
	"context"
	"time"
)

// Status tracks a spilled entry's delivery state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Entry is a single spilled payload awaiting redelivery.
type Entry struct {
	ID        int64
	Topic     string
	Payload   []byte
	CreatedAt time.Time
	Status    Status
	Attempts  int
}

// Store is the durable spill queue contract, grounded on the event-bus
// outbox pattern: enqueue on publish failure, list pending for replay, mark
// delivered or failed as replay proceeds.
type Store interface {
	Enqueue(ctx context.Context, topic string, payload []byte) (int64, error)
	ListPending(ctx context.Context, limit int) ([]Entry, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int, error)
}
