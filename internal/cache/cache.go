package cache

import (
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Entry is one cached response.
type Entry struct {
	Status      int
	Headers     http.Header
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
	AccessCount int64
	LastAccess  time.Time
	Size        int64
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// estimateSize approximates the entry's memory footprint for the byte bound.
func estimateSize(key string, e *Entry) int64 {
	size := int64(len(key) + len(e.Body) + 96)
	for k, vs := range e.Headers {
		size += int64(len(k))
		for _, v := range vs {
			size += int64(len(v))
		}
	}
	return size
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
	Expired    int64 `json:"expired"`
	Entries    int   `json:"entries"`
	Bytes      int64 `json:"bytes"`
	MaxEntries int   `json:"max_entries"`
	MaxBytes   int64 `json:"max_bytes"`
	DefaultTTL int64 `json:"default_ttl_ms"`
}

// Cache is a bounded in-memory store with LRU eviction and per-entry TTL.
// Two limits apply: a maximum entry count and a maximum byte size; inserting
// past either evicts least-recently-used entries until both are satisfied.
type Cache struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[string, *Entry]
	bytes      int64
	maxEntries int
	maxBytes   int64
	defaultTTL time.Duration

	hits      int64
	misses    int64
	evictions int64
	expired   int64

	stopCh chan struct{}
	now    func() time.Time
}

func New(maxEntries int, maxBytes int64, defaultTTL time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	c := &Cache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		defaultTTL: defaultTTL,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
	// onEvict fires for both capacity evictions and explicit removals; byte
	// accounting lives here so every removal path stays balanced.
	lru, _ := simplelru.NewLRU[string, *Entry](maxEntries, func(key string, e *Entry) {
		c.bytes -= e.Size
	})
	c.lru = lru
	go c.sweepLoop(time.Minute)
	return c
}

func (c *Cache) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.mu.Lock()
			now := c.now()
			for _, key := range c.lru.Keys() {
				if e, ok := c.lru.Peek(key); ok && e.expired(now) {
					c.lru.Remove(key)
					c.expired++
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

// Get returns the live entry for key. Expired entries are removed and
// reported as misses; an entry is never served past its expiry.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	now := c.now()
	if e.expired(now) {
		c.lru.Remove(key)
		c.expired++
		c.misses++
		return nil, false
	}
	e.AccessCount++
	e.LastAccess = now
	c.hits++
	return e, true
}

// Set stores the entry under key. A non-positive ttl means the default TTL.
func (c *Cache) Set(key string, e *Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	e.CreatedAt = now
	e.ExpiresAt = now.Add(ttl)
	e.LastAccess = now
	e.Size = estimateSize(key, e)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replace first so the byte accounting of an old value under the same
	// key is released through onEvict.
	c.lru.Remove(key)
	if evicted := c.lru.Add(key, e); evicted {
		c.evictions++
	}
	c.bytes += e.Size
	for c.bytes > c.maxBytes && c.lru.Len() > 1 {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.evictions++
	}
	// A single entry larger than the whole budget is not worth keeping.
	if c.bytes > c.maxBytes {
		c.lru.Remove(key)
	}
}

func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(key)
	return ok && !e.expired(c.now())
}

func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// GetOrSet returns the cached entry or runs producer to fill it. The
// producer runs outside the cache lock; concurrent callers may race and the
// last write wins.
func (c *Cache) GetOrSet(key string, producer func() (*Entry, error), ttl time.Duration) (*Entry, error) {
	if e, ok := c.Get(key); ok {
		return e, nil
	}
	e, err := producer()
	if err != nil {
		return nil, err
	}
	c.Set(key, e, ttl)
	return e, nil
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Expired:    c.expired,
		Entries:    c.lru.Len(),
		Bytes:      c.bytes,
		MaxEntries: c.maxEntries,
		MaxBytes:   c.maxBytes,
		DefaultTTL: c.defaultTTL.Milliseconds(),
	}
}

func (c *Cache) Close() {
	close(c.stopCh)
}
