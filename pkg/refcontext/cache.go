package refcontext

import (
	"sync"
	"time"
)

// CacheStats reports cache effectiveness counters.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

type cacheEntry struct {
	value     *Context
	fetchedAt time.Time
}

// cache is a TTL cache keyed by reference URL. Expired entries are retained
// until evicted so they can be served stale when the upstream is unavailable.
type cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	hits    int64
	misses  int64
	now     func() time.Time // Injectable for tests
}

func newCache(ttl time.Duration) *cache {
	return &cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// get returns the cached value and whether it is still within TTL. A second
// return of (value, false) means a stale entry exists.
func (c *cache) get(key string) (*Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.now().Sub(entry.fetchedAt) > c.ttl {
		c.misses++
		return entry.value, false
	}
	c.hits++
	return entry.value, true
}

func (c *cache) put(key string, value *Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, fetchedAt: c.now()}
}

// invalidate removes a single entry. Returns whether it existed.
func (c *cache) invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// evictExpired drops all entries past TTL and returns the count removed.
func (c *cache) evictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	cutoff := c.now()
	for key, entry := range c.entries {
		if cutoff.Sub(entry.fetchedAt) > c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *cache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: len(c.entries),
	}
}
