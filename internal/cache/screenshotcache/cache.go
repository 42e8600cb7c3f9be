// Package screenshotcache holds recent screenshots in memory when small and
// spills larger ones to temp files, evicting by a 30s TTL with pin-aware
// retention for screenshots still referenced by an in-flight batch.
package screenshotcache

import (
	"container/heap"
	"container/list"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/skelly-jelly/core/internal/errs"
	"github.com/skelly-jelly/core/internal/logging"
)

const (
	// MemoryThresholdBytes is the size at or above which a screenshot is spilled to a temp file instead of kept in the LRU.
	MemoryThresholdBytes = 5 * 1024 * 1024
	// DefaultTTL is how long a screenshot is retained after capture absent a pin.
	DefaultTTL = 30 * time.Second
	// DefaultCapacity bounds the in-memory LRU list regardless of byte size.
	DefaultCapacity = 50
	sweepInterval   = time.Second
)

// Tier identifies where a screenshot's bytes physically live.
type Tier string

const (
	TierMemory Tier = "memory"
	TierDisk   Tier = "disk"
)

type entry struct {
	id         uuid.UUID
	sessionID  uuid.UUID
	tier       Tier
	data       []byte
	path       string
	capturedAt time.Time
	expiresAt  time.Time
	pins       atomic.Int32
	lruElem    *list.Element
	heapIndex  int
	retainElem *list.Element
}

// Cache is the size-tiered screenshot cache.
type Cache struct {
	mu       sync.Mutex
	lru      *list.List
	byID     map[uuid.UUID]*entry
	expiry   expiryHeap
	capacity int
	ttl      time.Duration
	tempDir  string

	// devModeRetain, when positive, keeps the N most recently expired
	// screenshots around past their TTL instead of deleting them
	// immediately, so a developer can still inspect the spilled files.
	devModeRetain int
	retained      *list.List

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	hitCounter   metric.Int64Counter
	missCounter  metric.Int64Counter
	evictCounter metric.Int64Counter
	readDuration metric.Float64Histogram
}

// Config configures the cache's capacity, eviction, and dev-mode retention.
type Config struct {
	Capacity      int
	TTL           time.Duration
	TempDir       string
	DevModeRetain int
}

// New constructs a Cache. TempDir is created if it does not already exist.
func New(cfg Config) (*Cache, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "skelly-jelly-screenshots")
	}
	if err := os.MkdirAll(cfg.TempDir, 0o700); err != nil {
		return nil, errs.New("screenshotcache", errs.CodeTempWriteFailed, errs.WithMessage("create temp dir"), errs.WithCause(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		lru:           list.New(),
		byID:          make(map[uuid.UUID]*entry),
		capacity:      cfg.Capacity,
		ttl:           cfg.TTL,
		tempDir:       cfg.TempDir,
		devModeRetain: cfg.DevModeRetain,
		retained:      list.New(),
		ctx:           ctx,
		cancel:        cancel,
	}
	heap.Init(&c.expiry)

	meter := otel.Meter("screenshotcache")
	c.hitCounter, _ = meter.Int64Counter("screenshotcache.hits")
	c.missCounter, _ = meter.Int64Counter("screenshotcache.misses")
	c.evictCounter, _ = meter.Int64Counter("screenshotcache.evictions")
	c.readDuration, _ = meter.Float64Histogram("screenshotcache.read.duration", metric.WithUnit("ms"))

	c.wg.Add(1)
	go c.sweepLoop()
	return c, nil
}

// Close stops the eviction sweeper and removes any spilled temp files still resident.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.byID {
		if e.tier == TierDisk && e.path != "" {
			_ = os.Remove(e.path)
		}
	}
}

// Put stores data for id, choosing the memory or disk tier by size.
func (c *Cache) Put(sessionID, id uuid.UUID, data []byte, capturedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{
		id:         id,
		sessionID:  sessionID,
		capturedAt: capturedAt,
		expiresAt:  capturedAt.Add(c.ttl),
	}

	if len(data) >= MemoryThresholdBytes {
		path := filepath.Join(c.tempDir, id.String()+".bin")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return errs.New("screenshotcache", errs.CodeTempWriteFailed, errs.WithMessage("spill to disk"), errs.WithCause(err))
		}
		e.tier = TierDisk
		e.path = path
	} else {
		e.tier = TierMemory
		e.data = data
		e.lruElem = c.lru.PushFront(e)
		c.evictOverCapacityLocked()
	}

	c.byID[id] = e
	heap.Push(&c.expiry, e)
	return nil
}

// Get returns the screenshot bytes for id, touching its LRU position when memory-tiered.
func (c *Cache) Get(ctx context.Context, id uuid.UUID) ([]byte, error) {
	start := time.Now()
	c.mu.Lock()
	e, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		if c.missCounter != nil {
			c.missCounter.Add(ctx, 1)
		}
		return nil, errs.New("screenshotcache", errs.CodeNotFound, errs.WithMessage("screenshot not found or expired"))
	}
	if time.Now().After(e.expiresAt) && e.pins.Load() == 0 {
		c.mu.Unlock()
		if c.missCounter != nil {
			c.missCounter.Add(ctx, 1)
		}
		return nil, errs.New("screenshotcache", errs.CodeReadAfterExpiry, errs.WithMessage("screenshot expired"))
	}
	if e.tier == TierMemory {
		c.lru.MoveToFront(e.lruElem)
	}
	tier, path := e.tier, e.path
	data := e.data
	c.mu.Unlock()

	if c.hitCounter != nil {
		c.hitCounter.Add(ctx, 1)
	}
	if c.readDuration != nil {
		defer func() { c.readDuration.Record(ctx, float64(time.Since(start).Milliseconds())) }()
	}

	if tier == TierMemory {
		return data, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New("screenshotcache", errs.CodeStoreCorruption, errs.WithMessage("read spilled screenshot"), errs.WithCause(err))
	}
	return raw, nil
}

// Pin marks id as in-use by an in-flight batch, exempting it from TTL eviction.
func (c *Cache) Pin(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byID[id]; ok {
		e.pins.Add(1)
	}
}

// Unpin releases a previous Pin. Once the pin count reaches zero the entry
// resumes normal TTL-based eviction.
func (c *Cache) Unpin(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byID[id]; ok && e.pins.Load() > 0 {
		e.pins.Add(-1)
	}
}

func (c *Cache) evictOverCapacityLocked() {
	for c.lru.Len() > c.capacity {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		if e.pins.Load() > 0 {
			return
		}
		c.removeLocked(e)
		if c.evictCounter != nil {
			c.evictCounter.Add(context.Background(), 1)
		}
	}
}

func (c *Cache) removeLocked(e *entry) {
	if e.lruElem != nil {
		c.lru.Remove(e.lruElem)
	}
	if e.retainElem != nil {
		c.retained.Remove(e.retainElem)
		e.retainElem = nil
	}
	delete(c.byID, e.id)
	if e.tier == TierDisk && e.path != "" {
		_ = os.Remove(e.path)
	}
}

// retainLocked keeps e around past its TTL for debugging instead of
// deleting it, evicting the oldest retained entry once devModeRetain is
// exceeded.
func (c *Cache) retainLocked(e *entry) {
	e.retainElem = c.retained.PushFront(e)
	for c.retained.Len() > c.devModeRetain {
		back := c.retained.Back()
		if back == nil {
			return
		}
		old := back.Value.(*entry)
		c.removeLocked(old)
		if c.evictCounter != nil {
			c.evictCounter.Add(c.ctx, 1)
		}
	}
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var deferred []*entry
	for c.expiry.Len() > 0 {
		e := c.expiry[0]
		if now.Before(e.expiresAt) {
			break
		}
		heap.Pop(&c.expiry)
		if _, ok := c.byID[e.id]; !ok {
			continue
		}
		if e.pins.Load() > 0 {
			deferred = append(deferred, e)
			continue
		}
		if c.devModeRetain > 0 {
			c.retainLocked(e)
			continue
		}
		c.removeLocked(e)
		if c.evictCounter != nil {
			c.evictCounter.Add(c.ctx, 1)
		}
	}
	for _, e := range deferred {
		heap.Push(&c.expiry, e)
	}
	if len(c.expiry) > 0 {
		logging.L().Debug("screenshotcache sweep complete", logging.Int("remaining", len(c.expiry)))
	}
}
