// Package storetest is a behavioural test suite shared by every
// store.Backend implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticker-search/models"
	"ticker-search/store"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) store.Backend

// Apple is the descriptor most cases use.
func Apple() models.Stock {
	return models.Stock{
		Symbol:      "AAPL",
		Name:        "Apple Inc.",
		Sector:      "Technology",
		Industry:    "Consumer Electronics",
		Exchange:    "NASDAQ",
		MarketCap:   models.Int64(3_400_000_000_000),
		LogoURL:     models.String("https://logo.example/aapl.png"),
		LastUpdated: time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC),
		SearchCount: 3,
	}
}

// Run executes the suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("UpsertAndLoadAll", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		defer b.Close()

		require.NoError(t, b.Upsert(ctx, Apple()))
		require.NoError(t, b.Upsert(ctx, models.Stock{
			Symbol:      "TINY",
			Name:        "Tiny Corp",
			Exchange:    "NYSE",
			LastUpdated: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		}))

		all, err := b.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)

		bySymbol := map[string]models.Stock{}
		for _, s := range all {
			bySymbol[s.Symbol] = s
		}
		apple := bySymbol["AAPL"]
		assert.Equal(t, "Apple Inc.", apple.Name)
		assert.Equal(t, "Technology", apple.Sector)
		assert.Equal(t, "Consumer Electronics", apple.Industry)
		require.NotNil(t, apple.MarketCap)
		assert.Equal(t, int64(3_400_000_000_000), *apple.MarketCap)
		require.NotNil(t, apple.LogoURL)
		assert.True(t, apple.LastUpdated.Equal(Apple().LastUpdated))
		assert.Equal(t, int64(3), apple.SearchCount)

		tiny := bySymbol["TINY"]
		assert.Nil(t, tiny.MarketCap)
		assert.Nil(t, tiny.LogoURL)
	})

	t.Run("UpsertReplacesButKeepsHigherCount", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		defer b.Close()

		require.NoError(t, b.Upsert(ctx, Apple()))
		refreshed := Apple()
		refreshed.Name = "Apple Inc"
		refreshed.SearchCount = 0
		require.NoError(t, b.Upsert(ctx, refreshed))

		all, err := b.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "Apple Inc", all[0].Name)
		assert.Equal(t, int64(3), all[0].SearchCount)
	})

	t.Run("IncrementSearchCount", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		defer b.Close()

		require.NoError(t, b.Upsert(ctx, Apple()))
		n, err := b.IncrementSearchCount(ctx, "AAPL", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
		n, err = b.IncrementSearchCount(ctx, "AAPL", 2)
		require.NoError(t, err)
		assert.Equal(t, int64(6), n)

		_, err = b.IncrementSearchCount(ctx, "NOPE", 1)
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	})

	t.Run("SelectionsNewestFirst", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		defer b.Close()

		base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		for i, sym := range []string{"AAPL", "MSFT", "NVDA"} {
			require.NoError(t, b.AppendSelection(ctx, models.SelectionEvent{
				Query:        sym[:2],
				ChosenSymbol: sym,
				Timestamp:    base.Add(time.Duration(i) * time.Minute),
				SessionID:    "session-1",
			}))
		}

		events, err := b.Selections(ctx, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "NVDA", events[0].ChosenSymbol)
		assert.Equal(t, "MSFT", events[1].ChosenSymbol)
		assert.Equal(t, "session-1", events[0].SessionID)
		assert.True(t, events[0].Timestamp.Equal(base.Add(2*time.Minute)))

		all, err := b.Selections(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("LastRefresh", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		defer b.Close()

		last, err := b.LastRefresh(ctx)
		require.NoError(t, err)
		assert.True(t, last.IsZero())

		at := time.Date(2026, 3, 3, 8, 15, 0, 0, time.UTC)
		require.NoError(t, b.SetLastRefresh(ctx, at))
		last, err = b.LastRefresh(ctx)
		require.NoError(t, err)
		assert.True(t, last.Equal(at), "got %v", last)
	})
}
