package reqpipe

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	// DefaultCacheCapacity bounds the number of cached responses.
	DefaultCacheCapacity = 100

	// DefaultCacheTTL is the lifetime of a cached response when the descriptor sets none.
	DefaultCacheTTL = 5 * time.Minute
)

// CacheEntry is a stored response.
type CacheEntry struct {
	Key       string
	Payload   *ResponseEnvelope
	CreatedAt time.Time
	TTL       time.Duration
}

func (e *CacheEntry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) >= e.TTL
}

// CacheStore is a capacity-bounded TTL cache of successful read responses.
// Eviction is by insertion order: lookups never refresh an entry's position,
// only storing it again does.
type CacheStore struct {
	mu         sync.Mutex
	entries    *simplelru.LRU[string, *CacheEntry]
	defaultTTL time.Duration
	now        func() time.Time
}

// NewCacheStore creates a cache holding at most capacity entries.
func NewCacheStore(capacity int, defaultTTL time.Duration, now func() time.Time) *CacheStore {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}

	// NewLRU only fails for a non-positive size, which is ruled out above.
	entries, _ := simplelru.NewLRU[string, *CacheEntry](capacity, nil)

	return &CacheStore{
		entries:    entries,
		defaultTTL: defaultTTL,
		now:        now,
	}
}

// cacheable reports whether the descriptor may use the cache at all.
func cacheable(d *Descriptor) bool {
	return d != nil && d.CacheEnabled && d.IsRead()
}

// Lookup returns a copy of the cached envelope for a cache-enabled read.
// Expired entries are purged on the way out.
func (c *CacheStore) Lookup(d *Descriptor) (*ResponseEnvelope, bool) {
	if !cacheable(d) {
		return nil, false
	}
	key := Canonicalize(d)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Peek(key)
	if !ok {
		return nil, false
	}
	if entry.expired(c.now()) {
		c.entries.Remove(key)
		return nil, false
	}
	return entry.Payload.Clone(), true
}

// Store inserts or overwrites the response for a cache-enabled read. When the cache
// is full the oldest inserted entry is evicted.
func (c *CacheStore) Store(d *Descriptor, env *ResponseEnvelope) {
	if !cacheable(d) || env == nil {
		return
	}
	ttl := d.CacheTTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	key := Canonicalize(d)
	entry := &CacheEntry{
		Key:       key,
		Payload:   env.Clone(),
		CreatedAt: c.now(),
		TTL:       ttl,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, entry)
}

// Invalidate drops the entry for the descriptor, if any.
func (c *CacheStore) Invalidate(d *Descriptor) bool {
	key := Canonicalize(d)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Remove(key)
}

// InvalidatePrefix drops every entry whose method matches and whose path is prefix
// or lies below it. Matching stops at path segment boundaries: "/orders" covers
// "/orders" and "/orders/7" but not "/orders-archive". It returns the number of
// removed entries.
func (c *CacheStore) InvalidatePrefix(method, prefix string) int {
	head := strings.ToUpper(method) + keySeparator + prefix

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.entries.Keys() {
		if underPrefix(key, head) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

func underPrefix(key, head string) bool {
	if !strings.HasPrefix(key, head) {
		return false
	}
	if strings.HasSuffix(head, "/") {
		return true
	}
	rest := key[len(head):]
	return strings.HasPrefix(rest, "/") || strings.HasPrefix(rest, keySeparator)
}

// Clear removes every entry.
func (c *CacheStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// Len returns the number of stored entries, expired ones included.
func (c *CacheStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
