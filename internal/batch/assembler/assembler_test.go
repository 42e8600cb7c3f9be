package assembler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/skelly-jelly/core/internal/bus/eventbus"
	"github.com/skelly-jelly/core/internal/schema"
)

func newTestBus(t *testing.T) eventbus.Bus {
	t.Helper()
	return eventbus.NewMemoryBus(eventbus.Config{})
}

func TestIngestClosesOnOverflow(t *testing.T) {
	bus := newTestBus(t)
	defer bus.Close()

	sub, ch, err := bus.Subscribe(context.Background(), "test", schema.MessageKindEventBatch, nil, 4, eventbus.BestEffort)
	require.NoError(t, err)
	defer bus.Unsubscribe(sub)

	a := New(Config{Bus: bus, MaxBatchSize: 2})
	session := uuid.New()
	now := time.Now()

	a.Ingest(context.Background(), schema.NewRawEvent(session, schema.EventKindKeystroke, now))
	a.Ingest(context.Background(), schema.NewRawEvent(session, schema.EventKindKeystroke, now.Add(time.Millisecond)))

	select {
	case env := <-ch:
		require.NotNil(t, env.EventBatch)
		require.True(t, env.EventBatch.Overflowed)
		require.Len(t, env.EventBatch.Events, 2)
	case <-time.After(time.Second):
		t.Fatal("expected overflow batch to publish")
	}
}

func TestIngestDropsLateEvent(t *testing.T) {
	bus := newTestBus(t)
	defer bus.Close()

	a := New(Config{Bus: bus})
	session := uuid.New()
	now := time.Now()

	a.Ingest(context.Background(), schema.NewRawEvent(session, schema.EventKindKeystroke, now))
	a.Ingest(context.Background(), schema.NewRawEvent(session, schema.EventKindKeystroke, now.Add(-time.Minute)))

	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.windows[session].batch.Events, 1)
}

func TestIngestClosesWindowOnLaterWindowEvent(t *testing.T) {
	bus := newTestBus(t)
	defer bus.Close()

	sub, ch, err := bus.Subscribe(context.Background(), "test", schema.MessageKindEventBatch, nil, 4, eventbus.BestEffort)
	require.NoError(t, err)
	defer bus.Unsubscribe(sub)

	a := New(Config{Bus: bus, WindowDuration: 30 * time.Second})
	session := uuid.New()
	now := time.Now()

	a.Ingest(context.Background(), schema.NewRawEvent(session, schema.EventKindKeystroke, now))

	// An event at exactly window_end belongs to the next window, not this one.
	nextEvt := schema.NewRawEvent(session, schema.EventKindKeystroke, now.Add(30*time.Second))
	a.Ingest(context.Background(), nextEvt)

	select {
	case env := <-ch:
		require.NotNil(t, env.EventBatch)
		require.Len(t, env.EventBatch.Events, 1)
		require.False(t, env.EventBatch.Overflowed)
	case <-time.After(time.Second):
		t.Fatal("expected the first window to close early and publish")
	}

	a.mu.Lock()
	w, ok := a.windows[session]
	require.True(t, ok)
	require.Len(t, w.batch.Events, 1)
	require.True(t, w.batch.Events[0].Timestamp.Equal(nextEvt.Timestamp))
	require.True(t, w.start.Equal(nextEvt.Timestamp))
	a.mu.Unlock()

	a.Flush(context.Background())
	select {
	case env := <-ch:
		require.Len(t, env.EventBatch.Events, 1)
	case <-time.After(time.Second):
		t.Fatal("expected second window to flush")
	}
}
