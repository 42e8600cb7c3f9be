package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/skelly-jelly/core/internal/schema"
)

const poolAcquireTimeout = 100 * time.Millisecond

// AcquireRawEvent obtains a RawEvent from the pool with a bounded timeout,
// falling back to a bare allocation when pools is nil (e.g. in tests).
func AcquireRawEvent(ctx context.Context, pools *PoolManager) (*schema.RawEvent, func(), error) {
	obj, release, err := acquireFromPool(ctx, pools, PoolRawEvent)
	if err != nil {
		return nil, nil, err
	}
	evt, ok := obj.(*schema.RawEvent)
	if !ok {
		release()
		return nil, nil, fmt.Errorf("pool %s: unexpected type %T", PoolRawEvent, obj)
	}
	evt.Reset()
	return evt, release, nil
}

// AcquireEventBatch obtains an EventBatch from the pool with a bounded timeout.
func AcquireEventBatch(ctx context.Context, pools *PoolManager) (*schema.EventBatch, func(), error) {
	obj, release, err := acquireFromPool(ctx, pools, PoolEventBatch)
	if err != nil {
		return nil, nil, err
	}
	batch, ok := obj.(*schema.EventBatch)
	if !ok {
		release()
		return nil, nil, fmt.Errorf("pool %s: unexpected type %T", PoolEventBatch, obj)
	}
	batch.Reset()
	return batch, release, nil
}

func acquireFromPool(ctx context.Context, pools *PoolManager, poolName string) (PooledObject, func(), error) {
	if pools == nil {
		switch poolName {
		case PoolRawEvent:
			return new(schema.RawEvent), func() {}, nil
		case PoolEventBatch:
			return new(schema.EventBatch), func() {}, nil
		default:
			return nil, func() {}, fmt.Errorf("pool %s not available", poolName)
		}
	}

	var cancel context.CancelFunc
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, poolAcquireTimeout)
	}
	if cancel != nil {
		defer cancel()
	}

	obj, err := pools.Get(ctx, poolName)
	if err != nil {
		return nil, func() {}, fmt.Errorf("pool %s: %w", poolName, err)
	}
	release := func() {
		pools.Put(poolName, obj)
	}
	return obj, release, nil
}
