package cache

import (
	"time"

	"ticker-search/models"
)

// DefaultQueryTTL is how long a full search result stays valid.
const DefaultQueryTTL = 300 * time.Second

// QueryKey identifies a memoized search: canonical query plus limit.
type QueryKey struct {
	Query string
	Limit int
}

// QueryCache memoizes complete ranked result lists. Entries expire a fixed
// TTL after they are written and are only checked on read; there is no
// size bound, growth is limited by the number of distinct queries.
type QueryCache struct {
	c   *Cache[QueryKey, []models.RankedResult]
	ttl time.Duration
}

// NewQueryCache creates a query cache. A nil now uses time.Now.
func NewQueryCache(ttl time.Duration, now func() time.Time) *QueryCache {
	if ttl <= 0 {
		ttl = DefaultQueryTTL
	}
	return &QueryCache{
		c: New[QueryKey, []models.RankedResult](Options[[]models.RankedResult]{
			Policy:     PolicyNone,
			DefaultTTL: ttl,
			// Size is never enforced for PolicyNone; count results instead of
			// serializing them on every write.
			Sizer: func(v []models.RankedResult) int64 { return int64(len(v)) },
			Now:   now,
		}),
		ttl: ttl,
	}
}

// Get returns a copy of the cached results for (query, limit).
func (q *QueryCache) Get(query string, limit int) ([]models.RankedResult, bool) {
	results, ok := q.c.Get(QueryKey{Query: models.CanonicalSymbol(query), Limit: limit})
	if !ok {
		return nil, false
	}
	return copyResults(results), true
}

// Put stores a copy of results for (query, limit).
func (q *QueryCache) Put(query string, limit int, results []models.RankedResult) {
	_ = q.c.Set(QueryKey{Query: models.CanonicalSymbol(query), Limit: limit}, copyResults(results), q.ttl)
}

// Purge drops all memoized results, e.g. after the symbol universe changes.
func (q *QueryCache) Purge() {
	q.c.Purge()
}

// Len returns the number of stored queries.
func (q *QueryCache) Len() int {
	return q.c.Len()
}

// Stats returns the cache counters.
func (q *QueryCache) Stats() Stats {
	return q.c.Stats()
}

// copyResults deep-copies results so callers cannot mutate cached state.
func copyResults(src []models.RankedResult) []models.RankedResult {
	if src == nil {
		return nil
	}
	dst := make([]models.RankedResult, len(src))
	for i, r := range src {
		r.Stock = r.Stock.Clone()
		dst[i] = r
	}
	return dst
}
