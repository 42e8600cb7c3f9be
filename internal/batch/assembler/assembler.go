// Package assembler buckets raw events into per-session tumbling windows and
// publishes the resulting batches onto the event bus, spilling to disk when
// publish keeps failing.
package assembler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/skelly-jelly/core/internal/bus/eventbus"
	"github.com/skelly-jelly/core/internal/logging"
	"github.com/skelly-jelly/core/internal/pool"
	"github.com/skelly-jelly/core/internal/schema"
	"github.com/skelly-jelly/core/internal/store/spillstore"
)

const (
	// WindowDuration is the tumbling window length, aligned to each session's first event rather than wall-clock.
	WindowDuration = 30 * time.Second
	// IdleGrace is added to WindowDuration for the idle timer that closes a
	// window when no later event arrives; the window itself still ends at
	// start+WindowDuration, and an event at or after that end opens the next window.
	IdleGrace = 2 * time.Second
	// MaxBatchSize forces an early window close once a session produces this many events inside one window.
	MaxBatchSize = 10000

	spillTopic = "event_batch"
)

// Config configures the assembler's windowing and retry-then-spill behavior.
type Config struct {
	WindowDuration    time.Duration
	IdleGrace         time.Duration
	MaxBatchSize      int
	Bus               eventbus.Bus
	Spill             spillstore.Store
	Pools             *pool.PoolManager
	MaxPublishRetries int
}

func (c Config) normalize() Config {
	if c.WindowDuration <= 0 {
		c.WindowDuration = WindowDuration
	}
	if c.IdleGrace <= 0 {
		c.IdleGrace = IdleGrace
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = MaxBatchSize
	}
	if c.MaxPublishRetries <= 0 {
		c.MaxPublishRetries = 3
	}
	return c
}

// Assembler owns one tumbling window per session.
type Assembler struct {
	cfg Config

	mu      sync.Mutex
	windows map[uuid.UUID]*window

	lateCounter     metric.Int64Counter
	overflowCounter metric.Int64Counter
	windowDuration  metric.Float64Histogram
	spillCounter    metric.Int64Counter
}

type window struct {
	sessionID  uuid.UUID
	start      time.Time
	end        time.Time
	batch      *schema.EventBatch
	closeTimer *time.Timer
}

// New constructs an Assembler.
func New(cfg Config) *Assembler {
	cfg = cfg.normalize()
	a := &Assembler{
		cfg:     cfg,
		windows: make(map[uuid.UUID]*window),
	}
	meter := otel.Meter("batchassembler")
	a.lateCounter, _ = meter.Int64Counter("batchassembler.late_events")
	a.overflowCounter, _ = meter.Int64Counter("batchassembler.overflows")
	a.windowDuration, _ = meter.Float64Histogram("batchassembler.window.duration", metric.WithUnit("ms"))
	a.spillCounter, _ = meter.Int64Counter("batchassembler.spilled")
	return a
}

// Ingest assigns evt to its session's current window, opening a new window
// if none is active, closing the previous one early on overflow, and
// dropping the event as late if its session window has already closed.
func (a *Assembler) Ingest(ctx context.Context, evt *schema.RawEvent) {
	a.mu.Lock()
	w, ok := a.windows[evt.SessionID]
	if !ok {
		w = a.openWindowLocked(ctx, evt.SessionID, evt.Timestamp)
	}

	if evt.Timestamp.Before(w.start) {
		a.mu.Unlock()
		if a.lateCounter != nil {
			a.lateCounter.Add(ctx, 1)
		}
		logging.L().Warn("dropping late event", logging.String("session_id", evt.SessionID.String()))
		return
	}

	if !evt.Timestamp.Before(w.end) {
		// evt belongs to a later window: close the current one and open a
		// fresh one starting at evt's timestamp before appending.
		a.mu.Unlock()
		a.closeWindow(ctx, evt.SessionID)
		a.mu.Lock()
		w = a.openWindowLocked(ctx, evt.SessionID, evt.Timestamp)
	}

	w.batch.Events = append(w.batch.Events, evt)
	overflow := len(w.batch.Events) >= a.cfg.MaxBatchSize
	if overflow {
		w.batch.Overflowed = true
		if a.overflowCounter != nil {
			a.overflowCounter.Add(ctx, 1)
		}
	}
	a.mu.Unlock()

	if overflow {
		a.closeWindow(ctx, evt.SessionID)
	}
}

func (a *Assembler) openWindowLocked(ctx context.Context, sessionID uuid.UUID, firstEventAt time.Time) *window {
	batch := schema.NewEventBatch(sessionID, firstEventAt, firstEventAt.Add(a.cfg.WindowDuration))
	w := &window{
		sessionID: sessionID,
		start:     firstEventAt,
		end:       batch.WindowEnd,
		batch:     batch,
	}
	w.closeTimer = time.AfterFunc(a.cfg.WindowDuration+a.cfg.IdleGrace, func() {
		a.closeWindow(context.Background(), sessionID)
	})
	a.windows[sessionID] = w
	return w
}

func (a *Assembler) closeWindow(ctx context.Context, sessionID uuid.UUID) {
	a.mu.Lock()
	w, ok := a.windows[sessionID]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.windows, sessionID)
	a.mu.Unlock()

	w.closeTimer.Stop()
	if len(w.batch.Events) == 0 {
		return
	}

	sortBatch(w.batch)

	start := time.Now()
	a.publishOrSpill(ctx, w.batch)
	if a.windowDuration != nil {
		a.windowDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
}

// sortBatch orders events by timestamp, then lexicographically by (kind, id) to break ties deterministically.
func sortBatch(batch *schema.EventBatch) {
	sort.SliceStable(batch.Events, func(i, j int) bool {
		a, b := batch.Events[i], batch.Events[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.ID.String() < b.ID.String()
	})
}

func (a *Assembler) publishOrSpill(ctx context.Context, batch *schema.EventBatch) {
	if a.cfg.Bus == nil {
		return
	}

	env := &schema.Envelope{Kind: schema.MessageKindEventBatch, EventBatch: batch}

	bo := backoff.NewExponentialBackOff()
	var err error
	for attempt := 0; attempt < a.cfg.MaxPublishRetries; attempt++ {
		_, err = a.cfg.Bus.Publish(ctx, schema.MessageKindEventBatch, env)
		if err == nil {
			return
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(sleep):
			continue
		}
		break
	}

	logging.L().Error("batch publish failed, spilling", logging.Err(err), logging.String("session_id", batch.SessionID.String()))
	if a.cfg.Spill == nil {
		return
	}

	payload, merr := json.Marshal(batch)
	if merr != nil {
		logging.L().Error("batch spill marshal failed", logging.Err(merr))
		return
	}
	if _, serr := a.cfg.Spill.Enqueue(ctx, spillTopic, payload); serr != nil {
		logging.L().Error("batch spill enqueue failed", logging.Err(serr))
		return
	}
	if a.spillCounter != nil {
		a.spillCounter.Add(ctx, 1)
	}
}

// Flush force-closes every open window, used on graceful shutdown so no
// partially-filled window is silently lost.
func (a *Assembler) Flush(ctx context.Context) {
	a.mu.Lock()
	sessions := make([]uuid.UUID, 0, len(a.windows))
	for id := range a.windows {
		sessions = append(sessions, id)
	}
	a.mu.Unlock()

	for _, id := range sessions {
		a.closeWindow(ctx, id)
	}
}
