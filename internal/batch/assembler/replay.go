package assembler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/skelly-jelly/core/internal/logging"
	"github.com/skelly-jelly/core/internal/schema"
)

const (
	defaultReplayInterval  = 5 * time.Second
	defaultReplayBatchSize = 128
)

// StartReplay launches a background loop that retries spilled batches
// against the bus. It returns a stop function that blocks until the loop has
// exited.
func (a *Assembler) StartReplay(ctx context.Context) func() {
	if a.cfg.Spill == nil || a.cfg.Bus == nil {
		return func() {}
	}

	replayCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(defaultReplayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-replayCtx.Done():
				return
			case <-ticker.C:
				a.replayPending(replayCtx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (a *Assembler) replayPending(ctx context.Context) {
	entries, err := a.cfg.Spill.ListPending(ctx, defaultReplayBatchSize)
	if err != nil {
		logging.L().Error("spill replay list failed", logging.Err(err))
		return
	}

	for _, e := range entries {
		var batch schema.EventBatch
		if err := json.Unmarshal(e.Payload, &batch); err != nil {
			logging.L().Error("spill replay unmarshal failed", logging.Err(err), logging.Int64("entry_id", e.ID))
			_ = a.cfg.Spill.MarkFailed(ctx, e.ID)
			continue
		}

		env := &schema.Envelope{Kind: schema.MessageKindEventBatch, EventBatch: &batch}
		if _, err := a.cfg.Bus.Publish(ctx, schema.MessageKindEventBatch, env); err != nil {
			_ = a.cfg.Spill.MarkFailed(ctx, e.ID)
			continue
		}
		if err := a.cfg.Spill.Delete(ctx, e.ID); err != nil {
			logging.L().Error("spill replay delete failed", logging.Err(err), logging.Int64("entry_id", e.ID))
		}
	}
}
