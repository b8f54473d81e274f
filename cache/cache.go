// Package cache provides the in-memory memoization caches used by the
// search service. A single generic Cache is parameterized by an eviction
// Policy: PolicyNone gives a TTL-only cache with passive expiry (the query
// cache), PolicyLRU adds a memory budget enforced by evicting the least
// recently accessed entries (the bounded response cache).
//
// Every cache is volatile. Nothing here is durable state.
package cache

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Policy selects how a cache bounds itself.
type Policy int

const (
	// PolicyNone never evicts for size. Entries leave on expiry only.
	PolicyNone Policy = iota
	// PolicyLRU evicts least-recently-accessed entries to stay within MaxMemory.
	PolicyLRU
)

func (p Policy) String() string {
	switch p {
	case PolicyLRU:
		return "lru"
	default:
		return "none"
	}
}

// Sizer estimates the memory footprint of a value in bytes.
type Sizer[V any] func(V) int64

// JSONSize estimates a value by its JSON-serialized length.
func JSONSize[V any](v V) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 64
	}
	return int64(len(b))
}

// Options configure a Cache.
type Options[V any] struct {
	Policy Policy
	// MaxMemory is the byte budget for PolicyLRU. Ignored by PolicyNone.
	MaxMemory int64
	// MaxEntries optionally caps the entry count. Zero means unlimited.
	MaxEntries int
	// DefaultTTL applies when Set is called with a non-positive ttl.
	DefaultTTL time.Duration
	// Sizer defaults to JSONSize.
	Sizer Sizer[V]
	// Now defaults to time.Now.
	Now func() time.Time
}

// Stats is a snapshot of cache counters. Hits, Misses, Evictions and
// Expirations only ever grow for the lifetime of the cache.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Entries     int    `json:"entries"`
	MemoryBytes int64  `json:"memory_bytes"`
}

// HitRatio returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	createdAt  time.Time
	expiresAt  time.Time
	lastAccess time.Time
	size       int64
}

// Cache is a concurrency-safe TTL cache with an optional memory bound.
// One mutex covers get, set, cleanup and eviction so that Memory always
// equals the summed size of the live entries.
type Cache[K comparable, V any] struct {
	mu     sync.Mutex
	opts   Options[V]
	items  *simplelru.LRU[K, *entry[K, V]]
	memory int64
	stats  Stats
}

// DefaultTTL is used when neither Options nor Set provide one.
const DefaultTTL = 5 * time.Minute

// New creates a cache from opts.
func New[K comparable, V any](opts Options[V]) *Cache[K, V] {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Sizer == nil {
		opts.Sizer = JSONSize[V]
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	size := opts.MaxEntries
	if size <= 0 {
		size = math.MaxInt
	}

	c := &Cache[K, V]{opts: opts}
	items, err := simplelru.NewLRU[K, *entry[K, V]](size, c.onRemove)
	if err != nil {
		// Only returned for a non-positive size, which is excluded above.
		panic(err)
	}
	c.items = items
	return c
}

// NewBounded creates a PolicyLRU cache with the given byte budget.
func NewBounded[K comparable, V any](maxMemory int64, defaultTTL time.Duration) *Cache[K, V] {
	return New[K, V](Options[V]{
		Policy:     PolicyLRU,
		MaxMemory:  maxMemory,
		DefaultTTL: defaultTTL,
	})
}

// onRemove keeps memory accounting in step with every removal path of the
// underlying list. It runs with c.mu held.
func (c *Cache[K, V]) onRemove(_ K, e *entry[K, V]) {
	c.memory -= e.size
}

// Get returns the live value for key. An expired entry is dropped and
// reported as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	now := c.opts.Now()
	e, ok := c.items.Get(key)
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if !now.Before(e.expiresAt) {
		c.items.Remove(key)
		c.stats.Expirations++
		c.stats.Misses++
		return zero, false
	}
	e.lastAccess = now
	c.stats.Hits++
	return e.value, true
}

// Set stores value under key for ttl (DefaultTTL when ttl <= 0).
//
// Under PolicyLRU, least-recently-accessed entries are evicted one at a
// time until the new entry fits. A value larger than the whole budget is
// rejected with a *CapacityError before anything is evicted; callers are
// expected to carry on without caching it.
func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	size := c.opts.Sizer(value)
	if size < 0 {
		size = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items.Remove(key)

	if c.bounded() {
		if size > c.opts.MaxMemory {
			return &CapacityError{Size: size, Budget: c.opts.MaxMemory}
		}
		for c.memory+size > c.opts.MaxMemory && c.items.Len() > 0 {
			c.items.RemoveOldest()
			c.stats.Evictions++
		}
	}

	now := c.opts.Now()
	e := &entry[K, V]{
		key:        key,
		value:      value,
		createdAt:  now,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
		size:       size,
	}
	c.memory += size
	if evicted := c.items.Add(key, e); evicted {
		c.stats.Evictions++
	}
	return nil
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Remove(key)
}

// CleanupExpired removes every entry past its expiry and returns how many
// were dropped.
func (c *Cache[K, V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	removed := 0
	for _, key := range c.items.Keys() {
		e, ok := c.items.Peek(key)
		if !ok || now.Before(e.expiresAt) {
			continue
		}
		c.items.Remove(key)
		removed++
	}
	c.stats.Expirations += uint64(removed)
	return removed
}

// Purge drops every entry. Counters are preserved.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Purge()
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// Memory returns the summed approximate size of stored entries.
func (c *Cache[K, V]) Memory() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memory
}

// MaxMemory returns the configured byte budget (0 when unbounded).
func (c *Cache[K, V]) MaxMemory() int64 {
	if !c.bounded() {
		return 0
	}
	return c.opts.MaxMemory
}

// Stats returns a snapshot of the counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.items.Len()
	s.MemoryBytes = c.memory
	return s
}

// GetOrCompute returns the cached value for key or computes, stores and
// returns it. A *CapacityError from the store is swallowed: the computed
// value is returned uncached.
func (c *Cache[K, V]) GetOrCompute(key K, ttl time.Duration, compute func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		return v, err
	}
	_ = c.Set(key, v, ttl)
	return v, nil
}

func (c *Cache[K, V]) bounded() bool {
	return c.opts.Policy == PolicyLRU && c.opts.MaxMemory > 0
}
