package eventstore

import (
	"context"
	"time"

	"github.com/skelly-jelly/core/internal/logging"
)

// compactionLoop rolls aged raw events into the minute/day aggregates and
// prunes rows past each tier's retention window. It runs once at start and
// then once a day; the work itself is cheap enough that sqlite handles it inline.
func (s *Store) compactionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	s.compact(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.compact(s.ctx)
		}
	}
}

func (s *Store) compact(ctx context.Context) {
	now := time.Now().UTC()

	if err := s.rollupInto(ctx, "events_minute", "%Y-%m-%dT%H:%M:00Z", now.Add(-s.retention.Raw)); err != nil {
		logging.L().Error("eventstore minute rollup failed", logging.Err(err))
	}
	if err := s.rollupInto(ctx, "events_day", "%Y-%m-%dT00:00:00Z", now.Add(-s.retention.Raw)); err != nil {
		logging.L().Error("eventstore day rollup failed", logging.Err(err))
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, now.Add(-s.retention.Raw)); err != nil {
		logging.L().Error("eventstore raw prune failed", logging.Err(err))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events_minute WHERE bucket < ?`, now.Add(-s.retention.Minute)); err != nil {
		logging.L().Error("eventstore minute prune failed", logging.Err(err))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events_day WHERE bucket < ?`, now.Add(-s.retention.Day)); err != nil {
		logging.L().Error("eventstore day prune failed", logging.Err(err))
	}
}

// rollupInto aggregates raw events older than cutoff into table, bucketed by
// the sqlite strftime format bucketFormat. It is idempotent: re-running it
// only adds counts for rows not yet rolled up, since the source rows are
// deleted by the caller afterward.
func (s *Store) rollupInto(ctx context.Context, table, bucketFormat string, cutoff time.Time) error {
	query := `
		INSERT INTO ` + table + ` (bucket, session_id, kind, count)
		SELECT strftime(?, timestamp), session_id, kind, COUNT(1)
		FROM events
		WHERE timestamp < ?
		GROUP BY strftime(?, timestamp), session_id, kind
		ON CONFLICT (bucket, session_id, kind) DO UPDATE SET count = count + excluded.count
	`
	_, err := s.db.ExecContext(ctx, query, bucketFormat, cutoff, bucketFormat)
	return err
}
