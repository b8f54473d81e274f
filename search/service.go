package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"ticker-search/cache"
	"ticker-search/models"
	"ticker-search/scheduler"
	"ticker-search/store"
)

const (
	DefaultMaxLimit             = 50
	DefaultAutocompleteMaxLimit = 15
	DefaultMatchCacheBytes      = 8 << 20
	DefaultMatchCacheTTL        = 10 * time.Minute
	DefaultCleanupInterval      = time.Minute
	DefaultStaleCheckInterval   = 10 * time.Minute
	DefaultSelectionQueueSize   = 256

	cleanupTask   = "cache-cleanup"
	stalenessTask = "staleness-check"
)

var searchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "symbolsearch",
	Subsystem: "search",
	Name:      "duration_seconds",
	Help:      "Search and autocomplete latency",
	Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
}, []string{"op", "cache"})

// Options configure a Service. Zero values take the package defaults.
type Options struct {
	Matcher MatcherConfig
	Ranking RankingConfig

	MaxLimit             int
	AutocompleteMaxLimit int
	MaxQueryLength       int
	// TrendingSymbols is the seed set for empty autocomplete queries. When
	// none of them are in the store the whole universe is used.
	TrendingSymbols    []string
	PrefilterThreshold int

	QueryTTL        time.Duration
	MatchCacheBytes int64
	MatchCacheTTL   time.Duration

	CleanupInterval    time.Duration
	StaleCheckInterval time.Duration
	SelectionQueueSize int

	// Refresh re-ingests the symbol universe. It runs on cold start and
	// when the store goes stale. Nil disables both.
	Refresh func(ctx context.Context) error

	Clock  *MarketClock
	Logger *slog.Logger
	Now    func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxLimit <= 0 {
		o.MaxLimit = DefaultMaxLimit
	}
	if o.AutocompleteMaxLimit <= 0 {
		o.AutocompleteMaxLimit = DefaultAutocompleteMaxLimit
	}
	if o.MaxQueryLength <= 0 {
		o.MaxQueryLength = DefaultMaxQueryLength
	}
	if o.PrefilterThreshold <= 0 {
		o.PrefilterThreshold = DefaultPrefilterThreshold
	}
	if o.QueryTTL <= 0 {
		o.QueryTTL = cache.DefaultQueryTTL
	}
	if o.MatchCacheBytes <= 0 {
		o.MatchCacheBytes = DefaultMatchCacheBytes
	}
	if o.MatchCacheTTL <= 0 {
		o.MatchCacheTTL = DefaultMatchCacheTTL
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.StaleCheckInterval <= 0 {
		o.StaleCheckInterval = DefaultStaleCheckInterval
	}
	if o.SelectionQueueSize <= 0 {
		o.SelectionQueueSize = DefaultSelectionQueueSize
	}
	if o.Ranking.isZero() {
		o.Ranking = DefaultRankingConfig()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type selectionRequest struct {
	query, symbol, sessionID string
}

// Service is the search facade: it validates queries, serves repeated
// queries from the query cache, and otherwise runs match and rank over a
// snapshot of the metadata store. It also records user selections back
// into the store.
//
// Thread Safety: safe for concurrent use.
type Service struct {
	opts    Options
	store   *store.MetadataStore
	matcher *Matcher
	ranker  *Ranker
	queries *cache.QueryCache
	matches *cache.Cache[string, []models.MatchCandidate]
	index   atomic.Pointer[BleveIndex]
	group   singleflight.Group
	runner  *scheduler.Runner
	logger  *slog.Logger

	asyncMu    sync.RWMutex
	selections chan selectionRequest
	drained    chan struct{}
	closed     atomic.Bool

	forceRefresh atomic.Bool
}

var _ SearchEngine = (*Service)(nil)

// NewService wires a Service over st. Call Start to run cold-start
// ingestion and background maintenance.
func NewService(st *store.MetadataStore, opts Options) (*Service, error) {
	opts.setDefaults()
	if opts.Clock == nil {
		clock, err := NewMarketClock()
		if err != nil {
			return nil, fmt.Errorf("market clock: %w", err)
		}
		opts.Clock = clock
	}

	s := &Service{
		opts:    opts,
		store:   st,
		matcher: NewMatcher(opts.Matcher),
		ranker:  NewRanker(opts.Ranking, opts.Clock, opts.Now),
		queries: cache.NewQueryCache(opts.QueryTTL, opts.Now),
		matches: cache.New[string, []models.MatchCandidate](cache.Options[[]models.MatchCandidate]{
			Policy:     cache.PolicyLRU,
			MaxMemory:  opts.MatchCacheBytes,
			DefaultTTL: opts.MatchCacheTTL,
			Now:        opts.Now,
		}),
		runner:     scheduler.New(opts.Logger),
		logger:     opts.Logger,
		selections: make(chan selectionRequest, opts.SelectionQueueSize),
		drained:    make(chan struct{}),
	}
	go s.drainSelections()
	return s, nil
}

// Start runs cold-start ingestion when the store is under-populated or
// stale, builds the prefilter index and starts background maintenance.
// Ingestion failures are logged; the service still starts.
func (s *Service) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.store.NeedsIngestion() && s.opts.Refresh != nil {
		s.logger.Info("cold start ingestion", "symbols", s.store.Len(), "stale", s.store.IsStale())
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("cold start ingestion failed", "err", err)
		}
	}
	s.rebuildIndex()

	if err := s.runner.Register(cleanupTask, s.opts.CleanupInterval, s.cleanup); err != nil {
		return err
	}
	if err := s.runner.Register(stalenessTask, s.opts.StaleCheckInterval, s.checkStaleness); err != nil {
		return err
	}
	return s.runner.Start(ctx)
}

// Close stops background work and drains queued selections. The store is
// left open for its owner to close.
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.runner.Stop()

	s.asyncMu.Lock()
	close(s.selections)
	s.asyncMu.Unlock()
	<-s.drained

	if idx := s.index.Swap(nil); idx != nil {
		return idx.Close()
	}
	return nil
}

// Search returns up to limit ranked results for query. limit is clamped to
// [1, MaxLimit].
func (s *Service) Search(ctx context.Context, query string, limit int) (Response, error) {
	return s.lookup(ctx, "search", query, clampLimit(limit, s.opts.MaxLimit))
}

// Autocomplete is Search with a smaller limit. An empty query returns the
// trending list instead of nothing.
func (s *Service) Autocomplete(ctx context.Context, query string, limit int) (Response, error) {
	limit = clampLimit(limit, s.opts.AutocompleteMaxLimit)
	if strings.TrimSpace(query) == "" {
		if s.closed.Load() {
			return Response{}, ErrClosed
		}
		results := s.Trending(limit)
		resp := Response{Results: results}
		if len(results) == 0 {
			resp.Reason = models.ReasonUnavailable
		}
		return resp, nil
	}
	return s.lookup(ctx, "autocomplete", query, limit)
}

func (s *Service) lookup(_ context.Context, op, query string, limit int) (Response, error) {
	if s.closed.Load() {
		return Response{}, ErrClosed
	}
	start := s.opts.Now()

	q, err := ValidateQuery(query, s.opts.MaxQueryLength)
	if err != nil {
		var mq *MalformedQueryError
		if errors.As(err, &mq) {
			return Response{Results: []models.RankedResult{}, Reason: mq.Reason}, nil
		}
		return Response{}, err
	}

	if cached, ok := s.queries.Get(q, limit); ok {
		searchDurationSeconds.WithLabelValues(op, "hit").Observe(s.opts.Now().Sub(start).Seconds())
		return s.response(cached, true), nil
	}

	v, _, _ := s.group.Do(fmt.Sprintf("%s\x00%d", q, limit), func() (any, error) {
		results := s.compute(q, limit)
		s.queries.Put(q, limit, results)
		return results, nil
	})
	results := cloneResults(v.([]models.RankedResult))
	searchDurationSeconds.WithLabelValues(op, "miss").Observe(s.opts.Now().Sub(start).Seconds())
	return s.response(results, false), nil
}

func (s *Service) response(results []models.RankedResult, hit bool) Response {
	resp := Response{Results: results, CacheHit: hit}
	if len(results) == 0 {
		resp.Results = []models.RankedResult{}
		resp.Reason = models.ReasonNoMatches
		if s.store.Len() == 0 {
			resp.Reason = models.ReasonUnavailable
		}
	}
	return resp
}

// compute runs match and rank for a canonical query. The match step is
// memoized per query in the bounded cache; descriptors are re-read from
// the store before ranking so popularity is current.
func (s *Service) compute(q string, limit int) []models.RankedResult {
	candidates, _ := s.matches.GetOrCompute(q, s.opts.MatchCacheTTL, func() ([]models.MatchCandidate, error) {
		return s.matcher.Match(q, s.universe(q)), nil
	})

	fresh := make([]models.MatchCandidate, 0, len(candidates))
	for _, c := range candidates {
		if st, ok := s.store.Get(c.Stock.Symbol); ok {
			c.Stock = st
		}
		fresh = append(fresh, c)
	}

	ranked := s.ranker.Rank(fresh, q)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// universe returns the descriptors worth scoring for q: all of them, or
// the prefilter's candidates when the index is built and can bound q.
func (s *Service) universe(q string) []models.Stock {
	idx := s.index.Load()
	if idx == nil {
		return s.store.All()
	}
	symbols, ok, err := idx.Candidates(q, s.matcher.Config())
	if err != nil {
		s.logger.Warn("prefilter failed, scanning all symbols", "err", err)
		return s.store.All()
	}
	if !ok {
		return s.store.All()
	}
	out := make([]models.Stock, 0, len(symbols))
	for _, sym := range symbols {
		if st, ok := s.store.Get(sym); ok {
			out = append(out, st)
		}
	}
	return out
}

// Trending returns the top limit seed symbols by popularity score.
func (s *Service) Trending(limit int) []models.RankedResult {
	var pool []models.Stock
	for _, sym := range s.opts.TrendingSymbols {
		if st, ok := s.store.Get(sym); ok {
			pool = append(pool, st)
		}
	}
	if len(pool) == 0 {
		pool = s.store.All()
	}

	now := s.opts.Now()
	out := make([]models.RankedResult, 0, len(pool))
	for _, st := range pool {
		pop := PopularityScore(st)
		out = append(out, models.RankedResult{
			MatchCandidate:  models.MatchCandidate{Stock: st, MatchType: models.MatchTrending},
			PopularityScore: pop,
			RankScore:       pop,
			MarketStatus:    s.opts.Clock.Status(st.Exchange, now),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PopularityScore != out[j].PopularityScore {
			return out[i].PopularityScore > out[j].PopularityScore
		}
		return out[i].Stock.Symbol < out[j].Stock.Symbol
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetBySymbol returns the descriptor for symbol.
func (s *Service) GetBySymbol(symbol string) (models.Stock, bool) {
	return s.store.Get(symbol)
}

// RecordSelection appends a selection event and bumps the symbol's search
// counter. An empty sessionID is replaced by a fresh one.
func (s *Service) RecordSelection(ctx context.Context, query, symbol, sessionID string) (Ack, error) {
	if s.closed.Load() {
		return Ack{}, ErrClosed
	}
	return s.recordSelection(ctx, query, symbol, sessionID)
}

func (s *Service) recordSelection(ctx context.Context, query, symbol, sessionID string) (Ack, error) {
	symbol = models.CanonicalSymbol(symbol)
	if _, ok := s.store.Get(symbol); !ok {
		return Ack{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	event := models.SelectionEvent{
		Query:        strings.TrimSpace(query),
		ChosenSymbol: symbol,
		Timestamp:    s.opts.Now().UTC(),
		SessionID:    sessionID,
	}
	if err := s.store.AppendSelection(ctx, event); err != nil {
		return Ack{}, err
	}
	count, err := s.store.IncrementSearchCount(ctx, symbol, 1)
	if err != nil {
		return Ack{}, err
	}
	return Ack{OK: true, Symbol: symbol, SearchCount: count}, nil
}

// RecordSelectionAsync queues a selection for the background sink. It
// reports false when the queue is full or the service is closed; the
// selection is then dropped.
func (s *Service) RecordSelectionAsync(query, symbol, sessionID string) bool {
	s.asyncMu.RLock()
	defer s.asyncMu.RUnlock()
	if s.closed.Load() {
		return false
	}
	select {
	case s.selections <- selectionRequest{query: query, symbol: symbol, sessionID: sessionID}:
		return true
	default:
		s.logger.Warn("selection queue full, dropping", "symbol", symbol)
		return false
	}
}

func (s *Service) drainSelections() {
	defer close(s.drained)
	for req := range s.selections {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := s.recordSelection(ctx, req.query, req.symbol, req.sessionID); err != nil {
			s.logger.Warn("record selection failed", "symbol", req.symbol, "err", err)
		}
		cancel()
	}
}

// Refresh re-ingests the universe, then drops cached results and rebuilds
// the prefilter so refreshed descriptors are visible.
func (s *Service) Refresh(ctx context.Context) error {
	if s.opts.Refresh == nil {
		return nil
	}
	if err := s.opts.Refresh(ctx); err != nil {
		return err
	}
	s.queries.Purge()
	s.matches.Purge()
	s.rebuildIndex()
	return nil
}

func (s *Service) rebuildIndex() {
	if s.store.Len() <= s.opts.PrefilterThreshold {
		if old := s.index.Swap(nil); old != nil {
			old.Close()
		}
		return
	}
	idx, err := NewBleveIndex(s.store.All())
	if err != nil {
		s.logger.Warn("prefilter build failed", "err", err)
		return
	}
	if old := s.index.Swap(idx); old != nil {
		old.Close()
	}
	s.logger.Info("prefilter index built", "symbols", idx.Len())
}

func (s *Service) cleanup(context.Context) error {
	if n := s.matches.CleanupExpired(); n > 0 {
		s.logger.Debug("expired match cache entries removed", "count", n)
	}
	return nil
}

func (s *Service) checkStaleness(ctx context.Context) error {
	if s.forceRefresh.Swap(false) {
		s.logger.Info("refresh requested")
		return s.Refresh(ctx)
	}
	if !s.store.IsStale() {
		return nil
	}
	s.logger.Warn("serving stale metadata, refreshing", "err", store.ErrStale, "last_refresh", s.store.LastRefresh())
	return s.Refresh(ctx)
}

// RequestRefresh schedules a refresh on the background runner regardless
// of staleness. It does not wait for the refresh.
func (s *Service) RequestRefresh() {
	s.forceRefresh.Store(true)
	s.runner.Trigger(stalenessTask)
}

// Stats returns the counters of the service's caches by name.
func (s *Service) Stats() map[string]cache.Stats {
	return map[string]cache.Stats{
		"query": s.queries.Stats(),
		"match": s.matches.Stats(),
	}
}

// RegisterCaches exposes the service's caches on c.
func (s *Service) RegisterCaches(c *cache.Collector) {
	c.Register("query", s.queries)
	c.Register("match", s.matches)
}

// Schedule adds a maintenance task to the service's runner. It must be
// called before Start.
func (s *Service) Schedule(name string, interval time.Duration, fn scheduler.TaskFunc) error {
	return s.runner.Register(name, interval, fn)
}

// Tasks reports the background maintenance tasks.
func (s *Service) Tasks() []scheduler.TaskStatus {
	return s.runner.Status()
}

func clampLimit(limit, ceiling int) int {
	if limit <= 0 || limit > ceiling {
		return ceiling
	}
	return limit
}

func cloneResults(src []models.RankedResult) []models.RankedResult {
	out := make([]models.RankedResult, len(src))
	for i, r := range src {
		r.Stock = r.Stock.Clone()
		out[i] = r
	}
	return out
}
