package cache

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticker-search/models"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func byteSizer(v []byte) int64 { return int64(len(v)) }

func newTestBounded(t *testing.T, budget int64, clock *fakeClock) *Cache[string, []byte] {
	t.Helper()
	return New[string, []byte](Options[[]byte]{
		Policy:     PolicyLRU,
		MaxMemory:  budget,
		DefaultTTL: time.Minute,
		Sizer:      byteSizer,
		Now:        clock.Now,
	})
}

func TestCache_GetSetCountsHitsAndMisses(t *testing.T) {
	c := newTestBounded(t, 1024, newFakeClock())

	_, ok := c.Get("missing")
	assert.False(t, ok)

	require.NoError(t, c.Set("a", []byte("hello"), 0))
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "hello", string(v))

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, 1, s.Entries)
	assert.Equal(t, int64(5), s.MemoryBytes)
	assert.InDelta(t, 0.5, s.HitRatio(), 1e-9)
}

func TestCache_ExpiredEntryIsMissOnRead(t *testing.T) {
	clock := newFakeClock()
	c := newTestBounded(t, 1024, clock)

	require.NoError(t, c.Set("a", []byte("x"), 10*time.Second))
	clock.Advance(9 * time.Second)
	_, ok := c.Get("a")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry must expire exactly at expiresAt")
	assert.Equal(t, int64(0), c.Memory())
	assert.Equal(t, uint64(1), c.Stats().Expirations)
}

func TestCache_NonPositiveTTLUsesDefault(t *testing.T) {
	clock := newFakeClock()
	c := newTestBounded(t, 1024, clock)

	require.NoError(t, c.Set("a", []byte("x"), -time.Second))
	clock.Advance(59 * time.Second)
	_, ok := c.Get("a")
	assert.True(t, ok)
	clock.Advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestCache_EvictsLeastRecentlyAccessed(t *testing.T) {
	c := newTestBounded(t, 30, newFakeClock())

	require.NoError(t, c.Set("a", make([]byte, 10), 0))
	require.NoError(t, c.Set("b", make([]byte, 10), 0))
	require.NoError(t, c.Set("c", make([]byte, 10), 0))

	// Touch "a" so "b" becomes the least recently accessed.
	_, ok := c.Get("a")
	require.True(t, ok)

	require.NoError(t, c.Set("d", make([]byte, 10), 0))

	_, ok = c.Get("b")
	assert.False(t, ok, "b was least recently accessed and must be evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
	assert.Equal(t, int64(30), c.Memory())
}

func TestCache_EvictsSeveralToFitLargeEntry(t *testing.T) {
	c := newTestBounded(t, 30, newFakeClock())
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(k, make([]byte, 10), 0))
	}

	require.NoError(t, c.Set("big", make([]byte, 25), 0))

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(25), c.Memory())
	assert.Equal(t, uint64(3), c.Stats().Evictions)
}

func TestCache_OversizedEntryIsCapacityError(t *testing.T) {
	c := newTestBounded(t, 16, newFakeClock())
	require.NoError(t, c.Set("a", make([]byte, 8), 0))

	err := c.Set("huge", make([]byte, 17), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapacity))
	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, int64(17), capErr.Size)
	assert.Equal(t, int64(16), capErr.Budget)

	// Nothing was evicted for an entry that could never fit.
	_, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestCache_ReplacingKeyAdjustsMemory(t *testing.T) {
	c := newTestBounded(t, 100, newFakeClock())
	require.NoError(t, c.Set("a", make([]byte, 40), 0))
	require.NoError(t, c.Set("a", make([]byte, 10), 0))

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(10), c.Memory())
}

func TestCache_CumulativeWritesStayWithinBudget(t *testing.T) {
	const budget = 1000
	c := newTestBounded(t, budget, newFakeClock())

	var written int64
	for i := 0; i < 200; i++ {
		v := make([]byte, 10+i%37)
		written += int64(len(v))
		require.NoError(t, c.Set(fmt.Sprintf("k%d", i), v, 0))
	}
	require.Greater(t, written, int64(budget))

	s := c.Stats()
	assert.LessOrEqual(t, s.MemoryBytes, int64(budget))
	assert.Greater(t, s.Evictions, uint64(0))
	assertMemoryMatchesEntries(t, c)
}

func TestCache_CleanupExpired(t *testing.T) {
	clock := newFakeClock()
	c := newTestBounded(t, 1024, clock)

	require.NoError(t, c.Set("short", make([]byte, 4), 5*time.Second))
	require.NoError(t, c.Set("long", make([]byte, 6), time.Hour))
	clock.Advance(10 * time.Second)

	removed := c.CleanupExpired()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(6), c.Memory())
	assert.Equal(t, uint64(1), c.Stats().Expirations)
}

func TestCache_PurgeResetsMemoryKeepsCounters(t *testing.T) {
	c := newTestBounded(t, 1024, newFakeClock())
	require.NoError(t, c.Set("a", make([]byte, 4), 0))
	_, _ = c.Get("a")

	c.Purge()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Memory())
	assert.Equal(t, uint64(1), c.Stats().Hits)
}

func TestCache_MaxEntriesEvictionCounts(t *testing.T) {
	c := New[int, []byte](Options[[]byte]{
		Policy:     PolicyNone,
		MaxEntries: 2,
		Sizer:      byteSizer,
	})
	require.NoError(t, c.Set(1, []byte("a"), 0))
	require.NoError(t, c.Set(2, []byte("b"), 0))
	require.NoError(t, c.Set(3, []byte("c"), 0))

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
	assert.Equal(t, int64(2), c.Memory())
}

func TestCache_PolicyNoneIgnoresMemoryBudget(t *testing.T) {
	c := New[string, []byte](Options[[]byte]{Policy: PolicyNone, MaxMemory: 4, Sizer: byteSizer})
	require.NoError(t, c.Set("a", make([]byte, 100), 0))
	assert.Equal(t, int64(0), c.MaxMemory())
	assert.Equal(t, int64(100), c.Memory())
}

func TestCache_GetOrCompute(t *testing.T) {
	c := newTestBounded(t, 8, newFakeClock())

	calls := 0
	compute := func() ([]byte, error) {
		calls++
		return []byte("abc"), nil
	}
	v, err := c.GetOrCompute("k", 0, compute)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v))
	_, err = c.GetOrCompute("k", 0, compute)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// Oversized results are still returned, just not cached.
	big := func() ([]byte, error) { return make([]byte, 64), nil }
	v, err = c.GetOrCompute("big", 0, big)
	require.NoError(t, err)
	assert.Len(t, v, 64)
	_, ok := c.Get("big")
	assert.False(t, ok)

	boom := errors.New("boom")
	_, err = c.GetOrCompute("err", 0, func() ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestCache_JSONSizeIsDefaultSizer(t *testing.T) {
	c := NewBounded[string, map[string]int](1024, time.Minute)
	require.NoError(t, c.Set("a", map[string]int{"x": 1}, 0))
	assert.Equal(t, int64(len(`{"x":1}`)), c.Memory())
}

func TestCache_ConcurrentAccessKeepsInvariant(t *testing.T) {
	c := newTestBounded(t, 500, newFakeClock())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (w*31+i)%97)
				if i%3 == 0 {
					_ = c.Set(key, make([]byte, 1+i%40), 0)
				} else {
					_, _ = c.Get(key)
				}
				if i%50 == 0 {
					c.CleanupExpired()
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Memory(), int64(500))
	assertMemoryMatchesEntries(t, c)
}

// assertMemoryMatchesEntries checks that Memory equals the sum of entry sizes.
func assertMemoryMatchesEntries[K comparable, V any](t *testing.T, c *Cache[K, V]) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum int64
	for _, k := range c.items.Keys() {
		e, ok := c.items.Peek(k)
		require.True(t, ok)
		sum += e.size
	}
	assert.Equal(t, sum, c.memory)
}

func TestQueryCache_KeyedByCanonicalQueryAndLimit(t *testing.T) {
	clock := newFakeClock()
	q := NewQueryCache(300*time.Second, clock.Now)

	results := []models.RankedResult{{
		MatchCandidate: models.MatchCandidate{
			Stock:     models.Stock{Symbol: "AAPL", Name: "Apple Inc.", MarketCap: models.Int64(3e12)},
			MatchType: models.MatchExactSymbol,
			RawScore:  100,
		},
		RankScore: 150,
	}}
	q.Put("  aapl ", 5, results)

	got, ok := q.Get("AAPL", 5)
	require.True(t, ok)
	assert.Equal(t, "AAPL", got[0].Stock.Symbol)

	_, ok = q.Get("AAPL", 10)
	assert.False(t, ok, "different limit is a different key")

	// Mutating the returned copy must not leak into the cache.
	*got[0].Stock.MarketCap = 1
	got[0].RankScore = 0
	again, ok := q.Get("aapl", 5)
	require.True(t, ok)
	assert.Equal(t, int64(3e12), *again[0].Stock.MarketCap)
	assert.Equal(t, 150.0, again[0].RankScore)

	clock.Advance(300 * time.Second)
	_, ok = q.Get("AAPL", 5)
	assert.False(t, ok)

	s := q.Stats()
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(2), s.Misses)
}

func TestQueryCache_Purge(t *testing.T) {
	q := NewQueryCache(0, nil)
	q.Put("msft", 5, []models.RankedResult{})
	require.Equal(t, 1, q.Len())
	q.Purge()
	assert.Equal(t, 0, q.Len())
}

func TestCollector_ExportsStats(t *testing.T) {
	c := newTestBounded(t, 1024, newFakeClock())
	require.NoError(t, c.Set("a", []byte("abcd"), 0))
	_, _ = c.Get("a")
	_, _ = c.Get("b")

	col := NewCollector("symbolsearch")
	col.Register("response", c)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(col))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 6, count)

	expected := `
# HELP symbolsearch_cache_hits_total Cache lookups that found a live entry
# TYPE symbolsearch_cache_hits_total counter
symbolsearch_cache_hits_total{cache="response"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(col, strings.NewReader(expected), "symbolsearch_cache_hits_total"))
}
