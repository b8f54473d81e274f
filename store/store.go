package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"ticker-search/models"
)

const (
	// DefaultStaleAfter is the refresh window for bulk metadata.
	DefaultStaleAfter = 24 * time.Hour
	// DefaultMinPopulation is the table size below which startup ingests.
	DefaultMinPopulation = 100
)

// Options configure a MetadataStore.
type Options struct {
	StaleAfter    time.Duration
	MinPopulation int
	Sinks         []SelectionSink
	Logger        *slog.Logger
	Now           func() time.Time
}

// MetadataStore owns every symbol descriptor. Reads are served from an
// in-memory mirror; writes go to the backend first and then the mirror.
//
// Thread Safety: safe for concurrent use.
type MetadataStore struct {
	mu          sync.RWMutex
	backend     Backend
	mirror      map[string]models.Stock
	lastRefresh time.Time
	closed      bool

	staleAfter    time.Duration
	minPopulation int
	sinks         []SelectionSink
	logger        *slog.Logger
	now           func() time.Time
}

// Open loads the persisted table into memory. Duplicate keys or unreadable
// rows are fatal and returned as errors wrapping ErrDuplicateKey/ErrCorrupt.
func Open(ctx context.Context, backend Backend, opts Options) (*MetadataStore, error) {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.MinPopulation <= 0 {
		opts.MinPopulation = DefaultMinPopulation
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	stocks, err := backend.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load symbol metadata: %w", err)
	}
	mirror := make(map[string]models.Stock, len(stocks))
	for _, s := range stocks {
		key := models.CanonicalSymbol(s.Symbol)
		if _, dup := mirror[key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		}
		s.Symbol = key
		mirror[key] = s
	}

	last, err := backend.LastRefresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last refresh: %w", err)
	}

	opts.Logger.Info("metadata store opened", "symbols", len(mirror), "last_refresh", last)

	return &MetadataStore{
		backend:       backend,
		mirror:        mirror,
		lastRefresh:   last,
		staleAfter:    opts.StaleAfter,
		minPopulation: opts.MinPopulation,
		sinks:         opts.Sinks,
		logger:        opts.Logger,
		now:           opts.Now,
	}, nil
}

// Get returns the descriptor for symbol.
func (m *MetadataStore) Get(symbol string) (models.Stock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.mirror[models.CanonicalSymbol(symbol)]
	if !ok {
		return models.Stock{}, false
	}
	return s.Clone(), true
}

// All returns a snapshot of every descriptor ordered by symbol.
func (m *MetadataStore) All() []models.Stock {
	m.mu.RLock()
	out := make([]models.Stock, 0, len(m.mirror))
	for _, s := range m.mirror {
		out = append(out, s.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len returns the number of descriptors.
func (m *MetadataStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mirror)
}

// Upsert writes a descriptor. The search counter never goes backwards: a
// refresh carrying a lower count keeps the stored one. The backend write
// happens outside the mirror lock so readers are not held up by it.
func (m *MetadataStore) Upsert(ctx context.Context, stock models.Stock) error {
	stock = stock.Normalize()
	if stock.Symbol == "" {
		return fmt.Errorf("upsert: empty symbol")
	}
	if stock.LastUpdated.IsZero() {
		stock.LastUpdated = m.now()
	}

	m.mu.RLock()
	existing, ok := m.mirror[stock.Symbol]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if ok && existing.SearchCount > stock.SearchCount {
		stock.SearchCount = existing.SearchCount
	}
	if err := m.backend.Upsert(ctx, stock); err != nil {
		return fmt.Errorf("upsert %s: %w", stock.Symbol, err)
	}

	m.mu.Lock()
	if current, ok := m.mirror[stock.Symbol]; ok && current.SearchCount > stock.SearchCount {
		stock.SearchCount = current.SearchCount
	}
	m.mirror[stock.Symbol] = stock.Clone()
	m.mu.Unlock()
	return nil
}

// IncrementSearchCount adds delta to symbol's counter and returns the new
// value. Counters are advisory; concurrent writers are last-writer-wins on
// the mirror.
func (m *MetadataStore) IncrementSearchCount(ctx context.Context, symbol string, delta int64) (int64, error) {
	symbol = models.CanonicalSymbol(symbol)

	m.mu.RLock()
	_, ok := m.mirror[symbol]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}

	count, err := m.backend.IncrementSearchCount(ctx, symbol, delta)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", symbol, err)
	}

	m.mu.Lock()
	if s, ok := m.mirror[symbol]; ok {
		s.SearchCount = count
		m.mirror[symbol] = s
	}
	m.mu.Unlock()
	return count, nil
}

// AppendSelection appends to the selection log and forwards the event to
// every sink. Sink failures are logged and otherwise ignored.
func (m *MetadataStore) AppendSelection(ctx context.Context, event models.SelectionEvent) error {
	if m.isClosed() {
		return ErrClosed
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	event.ChosenSymbol = models.CanonicalSymbol(event.ChosenSymbol)
	if err := m.backend.AppendSelection(ctx, event); err != nil {
		return fmt.Errorf("append selection: %w", err)
	}
	for _, sink := range m.sinks {
		if err := sink.AppendSelection(ctx, event); err != nil {
			m.logger.Warn("selection sink failed", "symbol", event.ChosenSymbol, "err", err)
		}
	}
	return nil
}

// Selections returns the most recent selection events, newest first.
func (m *MetadataStore) Selections(ctx context.Context, limit int) ([]models.SelectionEvent, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	return m.backend.Selections(ctx, limit)
}

// IsStale reports whether the table was never bulk-populated or the last
// bulk refresh is older than the refresh window.
func (m *MetadataStore) IsStale() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRefresh.IsZero() || m.now().Sub(m.lastRefresh) > m.staleAfter
}

// NeedsIngestion reports whether a bulk ingestion should run: the table is
// under-populated or stale.
func (m *MetadataStore) NeedsIngestion() bool {
	return m.Len() < m.minPopulation || m.IsStale()
}

// LastRefresh returns the time of the last completed bulk refresh.
func (m *MetadataStore) LastRefresh() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRefresh
}

// MarkRefreshed records a completed bulk refresh at t.
func (m *MetadataStore) MarkRefreshed(ctx context.Context, t time.Time) error {
	if err := m.backend.SetLastRefresh(ctx, t); err != nil {
		return fmt.Errorf("mark refreshed: %w", err)
	}
	m.mu.Lock()
	m.lastRefresh = t
	m.mu.Unlock()
	return nil
}

// Sectors returns the distinct non-empty sectors, sorted.
func (m *MetadataStore) Sectors() []string {
	m.mu.RLock()
	seen := make(map[string]struct{})
	for _, s := range m.mirror {
		if sector := strings.TrimSpace(s.Sector); sector != "" {
			seen[sector] = struct{}{}
		}
	}
	m.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for sector := range seen {
		out = append(out, sector)
	}
	sort.Strings(out)
	return out
}

// Close closes the backend. Further writes fail with ErrClosed.
func (m *MetadataStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.backend.Close()
}

func (m *MetadataStore) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
