// Package eventstore provides the durable, append-only record of event
// metadata backed by an embedded sqlite database, with a coalescing write
// buffer and retention-driven compaction.
package eventstore

import (
	"context"
	"database/sql"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/skelly-jelly/core/internal/errs"
	"github.com/skelly-jelly/core/internal/logging"
	"github.com/skelly-jelly/core/internal/schema"
)

// Retention configures how long each aggregation tier is kept.
type Retention struct {
	Raw    time.Duration
	Minute time.Duration
	Day    time.Duration
}

// Store is the time-series event store: a 1-second coalescing write buffer
// in front of a sqlite-backed events table, with per-row LZ4 compression.
type Store struct {
	db        *sql.DB
	retention Retention

	mu      sync.Mutex
	pending []*schema.RawEvent
	flushCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	degraded bool

	writeCounter  metric.Int64Counter
	writeDuration metric.Float64Histogram
	degradedGauge metric.Int64UpDownCounter
}

// New constructs a Store backed by db, assumed to already have its schema
// applied via the migration runner.
func New(db *sql.DB, retention Retention) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:        db,
		retention: retention,
		flushCh:   make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	meter := otel.Meter("eventstore")
	s.writeCounter, _ = meter.Int64Counter("eventstore.events.written", metric.WithUnit("{event}"))
	s.writeDuration, _ = meter.Float64Histogram("eventstore.write.duration", metric.WithUnit("ms"))
	s.degradedGauge, _ = meter.Int64UpDownCounter("eventstore.degraded", metric.WithUnit("1"))
	return s
}

// Start launches the coalescing write buffer and the daily compaction loop.
func (s *Store) Start() {
	s.wg.Add(2)
	go s.flushLoop()
	go s.compactionLoop()
}

// Stop drains any pending writes and stops the background loops.
func (s *Store) Stop(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Append enqueues an event for the next coalesced flush. It returns
// immediately; durability is only guaranteed after the subsequent flush
// succeeds, matching the <1ms enqueue latency target.
func (s *Store) Append(evt *schema.RawEvent) error {
	if evt == nil {
		return nil
	}
	s.mu.Lock()
	if s.degraded {
		s.mu.Unlock()
		return errs.New("eventstore", errs.CodeDiskFull, errs.WithMessage("store degraded, not accepting raw events"))
	}
	s.pending = append(s.pending, evt)
	s.mu.Unlock()

	select {
	case s.flushCh <- struct{}{}:
	default:
	}
	return nil
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.flush(context.Background())
			return
		case <-ticker.C:
			s.flush(s.ctx)
		case <-s.flushCh:
		}
	}
}

func (s *Store) flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	if err := s.writeBatch(ctx, batch); err != nil {
		logging.L().Error("eventstore flush failed", logging.Err(err), logging.Int("batch_size", len(batch)))
		s.mu.Lock()
		s.degraded = true
		s.mu.Unlock()
		if s.degradedGauge != nil {
			s.degradedGauge.Add(ctx, 1)
		}
		return
	}
	if s.writeCounter != nil {
		s.writeCounter.Add(ctx, int64(len(batch)))
	}
	if s.writeDuration != nil {
		s.writeDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
}

func (s *Store) writeBatch(ctx context.Context, batch []*schema.RawEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New("eventstore", errs.CodeWriteTimeout, errs.WithMessage("begin tx"), errs.WithCause(err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO events (timestamp, session_id, kind, payload_compressed) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errs.New("eventstore", errs.CodeWriteTimeout, errs.WithMessage("prepare insert"), errs.WithCause(err))
	}
	defer stmt.Close()

	for _, evt := range batch {
		raw, err := json.Marshal(evt)
		if err != nil {
			return errs.New("eventstore", errs.CodeStoreCorruption, errs.WithMessage("marshal event"), errs.WithCause(err))
		}
		compressed, err := compress(raw)
		if err != nil {
			return errs.New("eventstore", errs.CodeStoreCorruption, errs.WithMessage("compress event"), errs.WithCause(err))
		}
		if _, err := stmt.ExecContext(ctx, evt.Timestamp.UTC(), evt.SessionID.String(), string(evt.Kind), compressed); err != nil {
			return errs.New("eventstore", errs.CodeWriteTimeout, errs.WithMessage("insert event"), errs.WithCause(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.New("eventstore", errs.CodeWriteTimeout, errs.WithMessage("commit"), errs.WithCause(err))
	}

	s.mu.Lock()
	s.degraded = false
	s.mu.Unlock()
	return nil
}

// ReadWindow returns the events for session in [start, end), ordered by
// timestamp then (kind, id) for ties, matching the batch assembler's
// ordering invariant.
func (s *Store) ReadWindow(ctx context.Context, sessionID uuid.UUID, start, end time.Time) ([]*schema.RawEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_compressed FROM events WHERE session_id = ? AND timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC, kind ASC`,
		sessionID.String(), start.UTC(), end.UTC())
	if err != nil {
		return nil, errs.New("eventstore", errs.CodeStoreCorruption, errs.WithMessage("query window"), errs.WithCause(err))
	}
	defer rows.Close()

	var out []*schema.RawEvent
	for rows.Next() {
		var compressed []byte
		if err := rows.Scan(&compressed); err != nil {
			return nil, errs.New("eventstore", errs.CodeStoreCorruption, errs.WithMessage("scan row"), errs.WithCause(err))
		}
		raw, err := decompress(compressed)
		if err != nil {
			return nil, errs.New("eventstore", errs.CodeStoreCorruption, errs.WithMessage("decompress row"), errs.WithCause(err))
		}
		var evt schema.RawEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, errs.New("eventstore", errs.CodeStoreCorruption, errs.WithMessage("unmarshal row"), errs.WithCause(err))
		}
		out = append(out, &evt)
	}
	return out, rows.Err()
}

func compress(raw []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(raw)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(raw, buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// incompressible; lz4 signals this by writing 0 bytes. Store raw with a sentinel length prefix.
		return append([]byte{0}, raw...), nil
	}
	return append([]byte{1}, buf[:n]...), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	tag, body := data[0], data[1:]
	if tag == 0 {
		return body, nil
	}
	dst := make([]byte, len(body)*8+64)
	for {
		n, err := lz4.UncompressBlock(body, dst)
		if err == nil {
			return dst[:n], nil
		}
		dst = make([]byte, len(dst)*2)
	}
}
