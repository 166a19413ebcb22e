// Package cache holds the shared result cache: last delivered result and
// content fingerprint per query fingerprint, bounded by an LRU policy.
package cache

import (
	"sync"

	"github.com/liveq-db/liveq/internal/metrics"
)

// DefaultCapacity bounds the cache when the caller does not inject one.
const DefaultCapacity = 64

// Entry is the cached state of one distinct query.
type Entry struct {
	Fingerprint string
	Result      any
	lastUsedAt  uint64
}

// ResultCache maps query fingerprints to their last delivered result.
// Staleness is never inferred from age: the controller detects it by
// fingerprint comparison at read time. All mutation is mutex-guarded.
type ResultCache struct {
	mu       sync.Mutex
	capacity int
	clock    uint64
	entries  map[string]*Entry
}

// New creates a cache with the given capacity; non-positive values fall back
// to DefaultCapacity.
func New(capacity int) *ResultCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ResultCache{
		capacity: capacity,
		entries:  make(map[string]*Entry, capacity),
	}
}

// Get returns the entry for a query fingerprint without refreshing its
// recency.
func (c *ResultCache) Get(queryKey string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[queryKey]
	if !ok {
		metrics.CacheMisses.Inc()
		return Entry{}, false
	}
	metrics.CacheHits.Inc()
	return *e, true
}

// Put stores (or replaces) the entry for a query fingerprint, bumps its
// recency and evicts least-recently-used entries while over capacity.
func (c *ResultCache) Put(queryKey, fingerprint string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	c.entries[queryKey] = &Entry{
		Fingerprint: fingerprint,
		Result:      result,
		lastUsedAt:  c.clock,
	}
	c.evictLocked()
}

// Touch bumps the recency of an existing entry without altering content.
// Unknown keys are ignored.
func (c *ResultCache) Touch(queryKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[queryKey]
	if !ok {
		return
	}
	c.clock++
	e.lastUsedAt = c.clock
}

// Len returns the current entry count.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResultCache) evictLocked() {
	for len(c.entries) > c.capacity {
		var oldestKey string
		var oldest uint64
		first := true
		for k, e := range c.entries {
			if first || e.lastUsedAt < oldest {
				oldestKey, oldest, first = k, e.lastUsedAt, false
			}
		}
		delete(c.entries, oldestKey)
		metrics.CacheEvictions.Inc()
	}
}
