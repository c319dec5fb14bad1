package store

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultShards        = 64
	defaultSweepInterval = time.Minute
)

// memoryEntry is one record. A zero expiresAt keeps the entry out of the expiry
// heap; index is -1 while it is not in the heap.
type memoryEntry struct {
	key       string
	rec       Record
	expiresAt time.Time
	index     int
}

type shard struct {
	mu       sync.Mutex
	entries  map[string]*memoryEntry
	expiries expiryHeap
}

// Memory is an in-memory implementation of Store.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// Each instance keeps its own counters, so clients spreading requests across
// instances can exceed the intended limits. Use the Redis store for those.
//
// Keys are spread over shards by hash. Each shard has its own lock and an expiry
// heap, so the background sweep holds one shard at a time and only visits records
// that are due. Penalized records never enter the heap and stay until Reset.
type Memory struct {
	shards        []*shard
	shardCount    int
	now           func() time.Time
	sweepInterval time.Duration
	stopCh        chan struct{}
	closeOnce     sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock sets the time source. Intended for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithSweepInterval sets how often expired records are removed (default: 1 minute).
// A non-positive interval disables the background sweep; call Sweep manually.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.sweepInterval = d
	}
}

// WithShards sets the number of lock shards (default: 64).
func WithShards(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.shardCount = n
		}
	}
}

// NewMemory creates a new in-memory store with automatic cleanup of expired records.
//
// Important: You must call Close() when done to stop the cleanup goroutine.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		shardCount:    defaultShards,
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.shards = newShards(m.shardCount)

	if m.sweepInterval > 0 {
		go m.cleanup()
	}
	return m
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*memoryEntry)}
	}
	return shards
}

func (m *Memory) shard(key string) *shard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Get returns a copy of the live record for key, or nil.
func (m *Memory) Get(_ context.Context, key string) (*Record, error) {
	now := m.now()
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.live(key, now)
	if e == nil {
		return nil, nil
	}
	rec := e.rec
	return &rec, nil
}

// Set replaces the record for key.
func (m *Memory) Set(_ context.Context, key string, rec Record, ttl time.Duration) error {
	now := m.now()
	expiresAt := rec.ExpiresAt()
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.put(key, rec, expiresAt)
	return nil
}

// Increment atomically increments the counter for key under the shard lock.
// An expired record is treated as absent, so the caller sees a fresh window.
//
// Note: The context parameter is accepted for interface compatibility but is not used.
func (m *Memory) Increment(_ context.Context, key string, w Window) (Record, error) {
	now := m.now()
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var cur *Record
	if e := sh.live(key, now); e != nil {
		cur = &e.rec
	}
	rec := w.next(cur, now)
	sh.put(key, rec, rec.ExpiresAt())
	return rec, nil
}

// Escalate raises the penalty multiplier of the live record for key.
func (m *Memory) Escalate(_ context.Context, key string, step, limit float64) (Record, error) {
	now := m.now()
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.live(key, now)
	if e == nil {
		return Record{}, ErrNotFound
	}
	rec := escalate(e.rec, step, limit)
	sh.put(key, rec, rec.ExpiresAt())
	return rec, nil
}

// Block marks the live record for key as blocked until the given time.
func (m *Memory) Block(_ context.Context, key string, until time.Time) (Record, error) {
	now := m.now()
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.live(key, now)
	if e == nil {
		return Record{}, ErrNotFound
	}
	rec := e.rec
	rec.Blocked = true
	rec.BlockUntil = until
	sh.put(key, rec, rec.ExpiresAt())
	return rec, nil
}

// Reset removes the record for key.
func (m *Memory) Reset(_ context.Context, key string) error {
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[key]; ok {
		sh.remove(e)
	}
	return nil
}

// Sweep removes every record whose expiration has passed. Shards are visited one
// at a time, so callers working on other shards are never held up.
func (m *Memory) Sweep(_ context.Context) (int, error) {
	removed := 0
	for _, sh := range m.shards {
		now := m.now()
		sh.mu.Lock()
		for sh.expiries.due(now) {
			e := heap.Pop(&sh.expiries).(*memoryEntry)
			delete(sh.entries, e.key)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of records currently held, including expired records
// not yet swept.
func (m *Memory) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Close stops the background cleanup goroutine. It is safe to call more than once.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
	})
	return nil
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = m.Sweep(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// live returns the entry for key if neither its retention nor the record itself
// has expired, removing it otherwise. The shard lock must be held.
func (sh *shard) live(key string, now time.Time) *memoryEntry {
	e, ok := sh.entries[key]
	if !ok {
		return nil
	}
	if (!e.expiresAt.IsZero() && !now.Before(e.expiresAt)) || e.rec.Expired(now) {
		sh.remove(e)
		return nil
	}
	return e
}

// put stores rec for key and repositions it in the expiry heap. A zero expiresAt
// takes the entry out of the heap. The shard lock must be held.
func (sh *shard) put(key string, rec Record, expiresAt time.Time) {
	e, ok := sh.entries[key]
	if !ok {
		e = &memoryEntry{key: key, index: -1}
		sh.entries[key] = e
	}
	e.rec = rec
	e.expiresAt = expiresAt

	switch {
	case expiresAt.IsZero():
		if e.index >= 0 {
			heap.Remove(&sh.expiries, e.index)
		}
	case e.index < 0:
		heap.Push(&sh.expiries, e)
	default:
		heap.Fix(&sh.expiries, e.index)
	}
}

func (sh *shard) remove(e *memoryEntry) {
	delete(sh.entries, e.key)
	if e.index >= 0 {
		heap.Remove(&sh.expiries, e.index)
	}
}
