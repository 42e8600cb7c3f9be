package spillstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/skelly-jelly/core/internal/errs"
)

// SQLiteStore persists spilled entries in the `spill_queue` table of the
// shared events database, bounded to maxEntries with drop-oldest overflow.
type SQLiteStore struct {
	db         *sql.DB
	maxEntries int
	mu         sync.Mutex

	droppedTotal   atomic.Int64
	droppedCounter metric.Int64Counter
}

// NewSQLiteStore wraps db, assumed to already have the spill_queue table
// created by the migration runner.
func NewSQLiteStore(db *sql.DB, maxEntries int) *SQLiteStore {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	s := &SQLiteStore{db: db, maxEntries: maxEntries}
	meter := otel.Meter("spillstore")
	s.droppedCounter, _ = meter.Int64Counter("spillstore.dropped.total",
		metric.WithDescription("Number of spilled entries dropped due to the bound being exceeded"),
		metric.WithUnit("{entry}"))
	return s
}

// Enqueue inserts a new pending entry, dropping the oldest pending entry
// first if the queue is already at its bound.
func (s *SQLiteStore) Enqueue(ctx context.Context, topic string, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.countLocked(ctx)
	if err != nil {
		return 0, err
	}
	if count >= s.maxEntries {
		if err := s.dropOldestLocked(ctx); err != nil {
			return 0, err
		}
		s.droppedTotal.Add(1)
		if s.droppedCounter != nil {
			s.droppedCounter.Add(ctx, 1)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO spill_queue (topic, payload, created_at, status, attempts) VALUES (?, ?, ?, ?, 0)`,
		topic, payload, time.Now().UTC(), StatusPending)
	if err != nil {
		return 0, errs.New("spillstore", errs.CodeWriteTimeout, errs.WithMessage("enqueue"), errs.WithCause(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.New("spillstore", errs.CodeWriteTimeout, errs.WithMessage("last insert id"), errs.WithCause(err))
	}
	return id, nil
}

func (s *SQLiteStore) countLocked(ctx context.Context) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM spill_queue WHERE status = ?`, StatusPending)
	if err := row.Scan(&n); err != nil {
		return 0, errs.New("spillstore", errs.CodeStoreCorruption, errs.WithMessage("count pending"), errs.WithCause(err))
	}
	return n, nil
}

func (s *SQLiteStore) dropOldestLocked(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM spill_queue WHERE id = (
			SELECT id FROM spill_queue WHERE status = ? ORDER BY created_at ASC LIMIT 1
		)`, StatusPending)
	if err != nil {
		return errs.New("spillstore", errs.CodeWriteTimeout, errs.WithMessage("drop oldest"), errs.WithCause(err))
	}
	return nil
}

// Count reports the number of pending entries.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(ctx)
}

// ListPending returns up to limit pending entries in FIFO order.
func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, payload, created_at, status, attempts FROM spill_queue WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		StatusPending, limit)
	if err != nil {
		return nil, errs.New("spillstore", errs.CodeStoreCorruption, errs.WithMessage("list pending"), errs.WithCause(err))
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Topic, &e.Payload, &e.CreatedAt, &e.Status, &e.Attempts); err != nil {
			return nil, errs.New("spillstore", errs.CodeStoreCorruption, errs.WithMessage("scan entry"), errs.WithCause(err))
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDelivered records a successful replay.
func (s *SQLiteStore) MarkDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE spill_queue SET status = ? WHERE id = ?`, StatusDelivered, id)
	if err != nil {
		return errs.New("spillstore", errs.CodeWriteTimeout, errs.WithMessage(fmt.Sprintf("mark delivered %d", id)), errs.WithCause(err))
	}
	return nil
}

// MarkFailed records a failed replay attempt by incrementing the attempt
// counter; the entry stays pending so a later replay retries it.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE spill_queue SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return errs.New("spillstore", errs.CodeWriteTimeout, errs.WithMessage(fmt.Sprintf("mark failed %d", id)), errs.WithCause(err))
	}
	return nil
}

// Delete removes the entry permanently.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM spill_queue WHERE id = ?`, id)
	if err != nil {
		return errs.New("spillstore", errs.CodeWriteTimeout, errs.WithMessage(fmt.Sprintf("delete %d", id)), errs.WithCause(err))
	}
	return nil
}

// DroppedTotal reports the cumulative number of entries dropped due to the
// bound being exceeded; the same drops feed the spillstore.dropped.total counter.
func (s *SQLiteStore) DroppedTotal() int64 {
	return s.droppedTotal.Load()
}
