package store

import (
	"context"
	"sync"
	"time"

	"ticker-search/models"
)

// MemoryBackend keeps everything in process memory. It is meant for tests
// and for running the service without any persistence.
type MemoryBackend struct {
	mu          sync.Mutex
	stocks      map[string]models.Stock
	selections  []models.SelectionEvent
	lastRefresh time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{stocks: make(map[string]models.Stock)}
}

var _ Backend = (*MemoryBackend)(nil)

func (b *MemoryBackend) LoadAll(_ context.Context) ([]models.Stock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Stock, 0, len(b.stocks))
	for _, s := range b.stocks {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (b *MemoryBackend) Upsert(_ context.Context, stock models.Stock) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.stocks[stock.Symbol]; ok && existing.SearchCount > stock.SearchCount {
		stock.SearchCount = existing.SearchCount
	}
	b.stocks[stock.Symbol] = stock.Clone()
	return nil
}

func (b *MemoryBackend) IncrementSearchCount(_ context.Context, symbol string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.stocks[symbol]
	if !ok {
		return 0, ErrNotFound
	}
	s.SearchCount += delta
	b.stocks[symbol] = s
	return s.SearchCount, nil
}

func (b *MemoryBackend) AppendSelection(_ context.Context, event models.SelectionEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selections = append(b.selections, event)
	return nil
}

func (b *MemoryBackend) Selections(_ context.Context, limit int) ([]models.SelectionEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.selections)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.SelectionEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, b.selections[i])
	}
	return out, nil
}

func (b *MemoryBackend) LastRefresh(_ context.Context) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRefresh, nil
}

func (b *MemoryBackend) SetLastRefresh(_ context.Context, t time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRefresh = t
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
