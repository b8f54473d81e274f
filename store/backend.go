// Package store holds the symbol metadata table: a durable Backend that is
// the write-of-record, mirrored in memory for O(1) reads.
package store

import (
	"context"
	"errors"
	"time"

	"ticker-search/models"
)

var (
	// ErrNotFound is returned when a symbol is not in the store.
	ErrNotFound = errors.New("symbol not found")
	// ErrDuplicateKey is returned when persisted state holds the same symbol twice.
	ErrDuplicateKey = errors.New("duplicate symbol key in persisted state")
	// ErrCorrupt is returned when persisted state cannot be decoded.
	ErrCorrupt = errors.New("persisted state is unreadable")
	// ErrStale marks metadata served past its refresh window. It is a warning,
	// never returned to search callers.
	ErrStale = errors.New("symbol metadata is stale")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Backend is the durable persistence behind the metadata store.
//
// Layout: a symbol metadata table keyed by symbol, an append-only selection
// analytics log, and a small key/value table for the last bulk refresh time.
type Backend interface {
	// LoadAll returns every persisted descriptor. Duplicate symbols are
	// reported as ErrDuplicateKey, undecodable rows as ErrCorrupt.
	LoadAll(ctx context.Context) ([]models.Stock, error)
	// Upsert inserts or replaces a descriptor.
	Upsert(ctx context.Context, stock models.Stock) error
	// IncrementSearchCount adds delta to a symbol's counter and returns the
	// new value. ErrNotFound if the symbol is absent.
	IncrementSearchCount(ctx context.Context, symbol string, delta int64) (int64, error)
	// AppendSelection appends to the selection log.
	AppendSelection(ctx context.Context, event models.SelectionEvent) error
	// Selections returns up to limit most recent events, newest first.
	Selections(ctx context.Context, limit int) ([]models.SelectionEvent, error)
	// LastRefresh returns the last bulk refresh time, zero if never.
	LastRefresh(ctx context.Context) (time.Time, error)
	// SetLastRefresh records a completed bulk refresh.
	SetLastRefresh(ctx context.Context, t time.Time) error
	Close() error
}

// SelectionSink receives selection events in addition to the backend,
// e.g. an analytics warehouse. Failures are logged, never propagated.
type SelectionSink interface {
	AppendSelection(ctx context.Context, event models.SelectionEvent) error
}
