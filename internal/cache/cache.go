// Package cache provides a capacity-bounded LRU cache with per-entry TTL
// for retrieval results, keyed by (query text, requested result count).
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 1000

// entry pairs a cached value with its insertion time for TTL checks.
type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits      int     `json:"hits"`
	Misses    int     `json:"misses"`
	Evictions int     `json:"evictions"`
	Size      int     `json:"size"`
	HitRate   float64 `json:"hit_rate_percent"`
}

// Cache is a TTL+LRU cache from (query, topK) to a result value.
//
// TTL is evaluated lazily at read time: an expired entry is deleted by the
// access that discovers it and counted as a miss; there is no background
// sweeper. Capacity pressure evicts the least-recently-used entry first,
// independent of TTL. The cache is safe for concurrent use, but callers
// sharing an engine instance should note that statistics under concurrent
// reads are eventually consistent.
type Cache[V any] struct {
	mu        sync.Mutex
	lru       *lru.Cache[string, entry[V]]
	capacity  int
	ttl       time.Duration
	hits      int
	misses    int
	evictions int
}

// New creates a cache holding at most capacity entries, each valid for ttl.
func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	inner, _ := lru.New[string, entry[V]](capacity)
	return &Cache[V]{
		lru:      inner,
		capacity: capacity,
		ttl:      ttl,
	}
}

// Key derives the cache key from query text and requested result count.
// Both participate so differing top-k requests for the same query do not
// collide.
func Key(query string, topK int) string {
	return queryPrefix(query) + strconv.Itoa(topK)
}

// queryPrefix is the query-only key portion, used for prefix invalidation.
func queryPrefix(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])[:16] + ":"
}

// Get returns the cached value for (query, topK) if present and fresh.
// An entry older than the TTL is treated as absent: it is removed and the
// access counts as a miss.
func (c *Cache[V]) Get(query string, topK int) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(query, topK)

	e, ok := c.lru.Peek(key)
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}

	if time.Since(e.storedAt) >= c.ttl {
		c.lru.Remove(key)
		c.misses++
		var zero V
		return zero, false
	}

	// Promote to most-recently-used.
	c.lru.Get(key)
	c.hits++
	return e.value, true
}

// Set stores value under (query, topK), refreshing the timestamp if the
// key already exists. Inserting past capacity evicts the least-recently-
// used entry first.
func (c *Cache[V]) Set(query string, topK int, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(query, topK)
	if !c.lru.Contains(key) && c.lru.Len() >= c.capacity {
		c.evictions++
	}
	c.lru.Add(key, entry[V]{value: value, storedAt: time.Now()})
}

// Invalidate removes the entry for (query, topK).
func (c *Cache[V]) Invalidate(query string, topK int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(Key(query, topK))
}

// InvalidateQuery removes all entries for the query regardless of topK.
func (c *Cache[V]) InvalidateQuery(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := queryPrefix(query)
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
}

// Clear removes all entries and resets the statistics counters.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.hits = 0
	c.misses = 0
	c.evictions = 0
}

// Stats returns effectiveness counters. HitRate is
// hits / (hits+misses) * 100, or 0 with no accesses.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total) * 100
	}
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.lru.Len(),
		HitRate:   rate,
	}
}
