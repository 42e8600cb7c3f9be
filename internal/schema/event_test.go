package schema

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEventKindValid(t *testing.T) {
	require.True(t, EventKindKeystroke.Valid())
	require.True(t, EventKindResourceSample.Valid())
	require.False(t, EventKind("bogus").Valid())
	require.False(t, EventKind("").Valid())
}

func TestNewRawEventAssignsFreshIdentity(t *testing.T) {
	session := uuid.New()
	now := time.Now()
	a := NewRawEvent(session, EventKindKeystroke, now)
	b := NewRawEvent(session, EventKindKeystroke, now)

	require.NotEqual(t, uuid.Nil, a.ID)
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, session, a.SessionID)
	require.True(t, a.Timestamp.Equal(now))
}

func TestRawEventResetClearsPayloadAndIdentity(t *testing.T) {
	e := NewRawEvent(uuid.New(), EventKindKeystroke, time.Now())
	e.Keystroke = &KeystrokePayload{KeyCategory: "letter"}
	e.SetReturned(true)

	e.Reset()

	require.Equal(t, uuid.Nil, e.ID)
	require.Equal(t, uuid.Nil, e.SessionID)
	require.Empty(t, e.Kind)
	require.True(t, e.Timestamp.IsZero())
	require.Nil(t, e.Keystroke)
	require.False(t, e.IsReturned())
}

func TestNewEventBatchInitializesBounds(t *testing.T) {
	session := uuid.New()
	start := time.Now()
	end := start.Add(30 * time.Second)

	b := NewEventBatch(session, start, end)

	require.NotEqual(t, uuid.Nil, b.WindowID)
	require.Equal(t, session, b.SessionID)
	require.True(t, b.WindowStart.Equal(start))
	require.True(t, b.WindowEnd.Equal(end))
	require.Empty(t, b.Events)
	require.False(t, b.Overflowed)
}

func TestEventBatchResetKeepsUnderlyingSliceCapacity(t *testing.T) {
	b := NewEventBatch(uuid.New(), time.Now(), time.Now())
	b.Events = append(b.Events, NewRawEvent(uuid.New(), EventKindKeystroke, time.Now()))
	b.Overflowed = true
	b.DroppedLate = 3
	b.SetReturned(true)
	capBefore := cap(b.Events)

	b.Reset()

	require.Equal(t, capBefore, cap(b.Events))
	require.Equal(t, uuid.Nil, b.WindowID)
	require.Empty(t, b.Events)
	require.False(t, b.Overflowed)
	require.Zero(t, b.DroppedLate)
	require.False(t, b.IsReturned())
}
