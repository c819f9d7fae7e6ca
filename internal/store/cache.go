package store

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"relay-backend/internal/observability"
)

// CacheStats is a point-in-time snapshot of cache effectiveness counters.
type CacheStats struct {
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

type cacheEntry struct {
	key      string
	env      *Envelope
	lastRead time.Time
}

// Cache is a bounded, time-windowed map of envelopes keyed by table:PK+SK.
// Multiple requests touch the same keys concurrently, so every path holds
// the mutex; the recency list keeps the most recently read entry at the
// front and eviction takes the oldest-by-last-read from the back.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List

	maxItems int
	window   time.Duration
	always   bool

	hits      int64
	misses    int64
	evictions int64

	metrics *observability.Collector
	clock   func() time.Time
	logger  *zap.Logger
}

// NewCache builds a cache. maxItems 0 means unbounded; window 0 means
// entries are always stale unless always is set.
func NewCache(maxItems int, window time.Duration, always bool, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		maxItems: maxItems,
		window:   window,
		always:   always,
		clock:    time.Now,
		logger:   logger,
	}
}

// SetMetrics attaches the collector evictions are exported through. Hits
// and misses are observed by the repository, which knows whether a lookup
// was on the read path at all.
func (c *Cache) SetMetrics(collector *observability.Collector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = collector
}

// Get returns the cached envelope when one exists and is fresh. A stale
// entry stays resident (the next Put refreshes it) but reports a miss.
func (c *Cache) Get(table, pk, sk string) (*Envelope, bool) {
	key := cacheKey(table, pk, sk)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if !c.fresh(entry) {
		c.misses++
		return nil, false
	}

	entry.lastRead = c.clock()
	c.order.MoveToFront(elem)
	c.hits++
	return entry.env, true
}

func (c *Cache) fresh(entry *cacheEntry) bool {
	if c.always {
		return true
	}
	if c.window <= 0 {
		return false
	}
	return c.clock().Sub(entry.lastRead) < c.window
}

// Put inserts or refreshes an envelope and prunes back to the bound.
func (c *Cache) Put(table string, env *Envelope) {
	if env == nil {
		return
	}
	key := env.CacheKey(table)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.env = env
		entry.lastRead = c.clock()
		c.order.MoveToFront(elem)
		return
	}

	entry := &cacheEntry{key: key, env: env, lastRead: c.clock()}
	c.entries[key] = c.order.PushFront(entry)

	if c.maxItems > 0 {
		for len(c.entries) > c.maxItems {
			c.evictOldest()
		}
	}
}

// evictOldest removes the back of the recency list. Caller holds the mutex.
func (c *Cache) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	entry := c.order.Remove(elem).(*cacheEntry)
	delete(c.entries, entry.key)
	c.evictions++
	if c.metrics != nil {
		c.metrics.CacheEviction()
	}
	c.logger.Debug("cache entry evicted", zap.String("key", entry.key))
}

// Delete removes a single entry, if present.
func (c *Cache) Delete(table, pk, sk string) {
	key := cacheKey(table, pk, sk)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

// Flush clears every entry belonging to a table.
func (c *Cache) Flush(table string) {
	prefix := table + ":"

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.order.Remove(elem)
			delete(c.entries, key)
		}
	}
	c.logger.Debug("cache flushed", zap.String("table", table))
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Items:     len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
