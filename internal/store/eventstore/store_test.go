package eventstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/skelly-jelly/core/internal/schema"
	"github.com/skelly-jelly/core/internal/store/migrations"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "eventstore.db")
	require.NoError(t, migrations.Apply(context.Background(), dbPath, "", nil))

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func defaultRetention() Retention {
	return Retention{Raw: 24 * time.Hour, Minute: 30 * 24 * time.Hour, Day: 365 * 24 * time.Hour}
}

// TestAppendThenReadWindowRoundTrips exercises the mandatory persist-then-read
// property: an event written via Append and flushed is returned unchanged
// (modulo the lz4 compression round trip) by ReadWindow.
func TestAppendThenReadWindowRoundTrips(t *testing.T) {
	db := openTestDB(t)
	s := New(db, defaultRetention())

	sessionID := uuid.New()
	ts := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	evt := schema.NewRawEvent(sessionID, schema.EventKindKeystroke, ts)
	evt.Keystroke = &schema.KeystrokePayload{KeyCategory: "alpha", Modifiers: 1}

	require.NoError(t, s.Append(evt))
	s.flush(context.Background())

	out, err := s.ReadWindow(context.Background(), sessionID, ts.Add(-time.Second), ts.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, out, 1)

	got := out[0]
	require.Equal(t, evt.ID, got.ID)
	require.Equal(t, evt.SessionID, got.SessionID)
	require.Equal(t, evt.Kind, got.Kind)
	require.True(t, evt.Timestamp.Equal(got.Timestamp))
	require.NotNil(t, got.Keystroke)
	require.Equal(t, evt.Keystroke.KeyCategory, got.Keystroke.KeyCategory)
	require.Equal(t, evt.Keystroke.Modifiers, got.Keystroke.Modifiers)
}

func TestReadWindowExcludesEventsOutsideRange(t *testing.T) {
	db := openTestDB(t)
	s := New(db, defaultRetention())

	sessionID := uuid.New()
	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	before := schema.NewRawEvent(sessionID, schema.EventKindMouseMove, base.Add(-time.Minute))
	inside := schema.NewRawEvent(sessionID, schema.EventKindMouseMove, base)
	after := schema.NewRawEvent(sessionID, schema.EventKindMouseMove, base.Add(time.Minute))

	require.NoError(t, s.Append(before))
	require.NoError(t, s.Append(inside))
	require.NoError(t, s.Append(after))
	s.flush(context.Background())

	out, err := s.ReadWindow(context.Background(), sessionID, base, base.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, inside.ID, out[0].ID)
}

func TestReadWindowIsolatesBySession(t *testing.T) {
	db := openTestDB(t)
	s := New(db, defaultRetention())

	sessionA, sessionB := uuid.New(), uuid.New()
	ts := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(schema.NewRawEvent(sessionA, schema.EventKindWindowFocus, ts)))
	require.NoError(t, s.Append(schema.NewRawEvent(sessionB, schema.EventKindWindowFocus, ts)))
	s.flush(context.Background())

	out, err := s.ReadWindow(context.Background(), sessionA, ts.Add(-time.Minute), ts.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, sessionA, out[0].SessionID)
}

func TestAppendMarksStoreDegradedOnWriteFailure(t *testing.T) {
	db := openTestDB(t)
	s := New(db, defaultRetention())

	require.NoError(t, db.Close())

	evt := schema.NewRawEvent(uuid.New(), schema.EventKindKeystroke, time.Now().UTC())
	require.NoError(t, s.Append(evt))
	s.flush(context.Background())

	s.mu.Lock()
	degraded := s.degraded
	s.mu.Unlock()
	require.True(t, degraded)

	require.Error(t, s.Append(schema.NewRawEvent(uuid.New(), schema.EventKindKeystroke, time.Now().UTC())))
}

func TestCompressDecompressRoundTripsIncompressibleData(t *testing.T) {
	// Random-ish data that lz4 cannot shrink exercises the raw sentinel path.
	raw := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03}
	compressed, err := compress(raw)
	require.NoError(t, err)

	decompressed, err := decompress(compressed)
	require.NoError(t, err)
	require.Equal(t, raw, decompressed)
}

func TestCompressDecompressRoundTripsCompressibleData(t *testing.T) {
	raw := make([]byte, 4096)
	for i := range raw {
		raw[i] = byte('a')
	}
	compressed, err := compress(raw)
	require.NoError(t, err)
	require.Less(t, len(compressed), len(raw), "highly repetitive data should compress")

	decompressed, err := decompress(compressed)
	require.NoError(t, err)
	require.Equal(t, raw, decompressed)
}

func TestDecompressEmptyInput(t *testing.T) {
	out, err := decompress(nil)
	require.NoError(t, err)
	require.Nil(t, out)
}
