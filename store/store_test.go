package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticker-search/models"
	"ticker-search/store"
	"ticker-search/store/storetest"
)

func TestMemoryBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return store.NewMemoryBackend()
	})
}

type loadFailing struct {
	*store.MemoryBackend
	stocks []models.Stock
	err    error
}

func (b loadFailing) LoadAll(context.Context) ([]models.Stock, error) {
	return b.stocks, b.err
}

func TestOpen_FatalState(t *testing.T) {
	ctx := context.Background()

	_, err := store.Open(ctx, loadFailing{
		MemoryBackend: store.NewMemoryBackend(),
		stocks:        []models.Stock{{Symbol: "AAPL"}, {Symbol: " aapl "}},
	}, store.Options{})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	_, err = store.Open(ctx, loadFailing{
		MemoryBackend: store.NewMemoryBackend(),
		err:           store.ErrCorrupt,
	}, store.Options{})
	assert.ErrorIs(t, err, store.ErrCorrupt)
}

func TestOpen_LoadsPersistedState(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryBackend()
	require.NoError(t, backend.Upsert(ctx, storetest.Apple()))
	refreshed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, backend.SetLastRefresh(ctx, refreshed))

	st, err := store.Open(ctx, backend, store.Options{})
	require.NoError(t, err)
	defer st.Close()

	got, ok := st.Get("aapl")
	require.True(t, ok)
	assert.Equal(t, int64(3), got.SearchCount)
	assert.True(t, refreshed.Equal(st.LastRefresh()))
}

func newStore(t *testing.T, opts store.Options) *store.MetadataStore {
	t.Helper()
	st, err := store.Open(context.Background(), store.NewMemoryBackend(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, store.Options{})

	require.NoError(t, st.Upsert(ctx, models.Stock{Symbol: " msft ", Name: "Microsoft Corporation ", Exchange: "nasdaq"}))
	got, ok := st.Get("MSFT")
	require.True(t, ok)
	assert.Equal(t, "Microsoft Corporation", got.Name)
	assert.Equal(t, "NASDAQ", got.Exchange)
	assert.False(t, got.LastUpdated.IsZero())

	assert.Error(t, st.Upsert(ctx, models.Stock{Symbol: "  "}))
}

func TestUpsert_KeepsHigherSearchCount(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, store.Options{})
	require.NoError(t, st.Upsert(ctx, storetest.Apple()))

	count, err := st.IncrementSearchCount(ctx, "AAPL", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	refreshed := storetest.Apple()
	refreshed.SearchCount = 0
	refreshed.Name = "Apple Inc"
	require.NoError(t, st.Upsert(ctx, refreshed))

	got, _ := st.Get("AAPL")
	assert.Equal(t, int64(5), got.SearchCount)
	assert.Equal(t, "Apple Inc", got.Name)
}

func TestIncrementSearchCount_Unknown(t *testing.T) {
	st := newStore(t, store.Options{})
	_, err := st.IncrementSearchCount(context.Background(), "NOPE", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAll_SortedCopies(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, store.Options{})
	for _, sym := range []string{"MSFT", "AAPL", "AMZN"} {
		require.NoError(t, st.Upsert(ctx, models.Stock{Symbol: sym, MarketCap: models.Int64(1)}))
	}

	all := st.All()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"AAPL", "AMZN", "MSFT"}, []string{all[0].Symbol, all[1].Symbol, all[2].Symbol})

	*all[0].MarketCap = 99
	got, _ := st.Get("AAPL")
	assert.Equal(t, int64(1), *got.MarketCap)
}

func TestStaleness(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 18, 12, 0, 0, 0, time.UTC)
	st := newStore(t, store.Options{
		StaleAfter:    24 * time.Hour,
		MinPopulation: 2,
		Now:           func() time.Time { return now },
	})

	assert.True(t, st.IsStale(), "never populated")
	assert.True(t, st.NeedsIngestion())

	require.NoError(t, st.Upsert(ctx, models.Stock{Symbol: "AAPL"}))
	require.NoError(t, st.MarkRefreshed(ctx, now.Add(-time.Hour)))
	assert.False(t, st.IsStale())
	assert.True(t, st.NeedsIngestion(), "under-populated")

	require.NoError(t, st.Upsert(ctx, models.Stock{Symbol: "MSFT"}))
	assert.False(t, st.NeedsIngestion())

	now = now.Add(24 * time.Hour)
	assert.True(t, st.IsStale())
	assert.True(t, st.NeedsIngestion())
}

type recordingSink struct {
	events []models.SelectionEvent
	err    error
}

func (s *recordingSink) AppendSelection(_ context.Context, e models.SelectionEvent) error {
	s.events = append(s.events, e)
	return s.err
}

func TestAppendSelection_FansOutToSinks(t *testing.T) {
	ctx := context.Background()
	ok := &recordingSink{}
	broken := &recordingSink{err: errors.New("warehouse down")}
	st := newStore(t, store.Options{Sinks: []store.SelectionSink{broken, ok}})

	require.NoError(t, st.AppendSelection(ctx, models.SelectionEvent{Query: "apple", ChosenSymbol: "aapl", SessionID: "s"}))

	require.Len(t, ok.events, 1)
	assert.Equal(t, "AAPL", ok.events[0].ChosenSymbol)
	assert.False(t, ok.events[0].Timestamp.IsZero())
	assert.Len(t, broken.events, 1)

	events, err := st.Selections(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSectors(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, store.Options{})
	require.NoError(t, st.Upsert(ctx, models.Stock{Symbol: "A", Sector: "Technology"}))
	require.NoError(t, st.Upsert(ctx, models.Stock{Symbol: "B", Sector: "Energy"}))
	require.NoError(t, st.Upsert(ctx, models.Stock{Symbol: "C", Sector: "Technology"}))
	require.NoError(t, st.Upsert(ctx, models.Stock{Symbol: "D"}))

	assert.Equal(t, []string{"Energy", "Technology"}, st.Sectors())
}

func TestClosed(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.NewMemoryBackend(), store.Options{})
	require.NoError(t, err)
	require.NoError(t, st.Upsert(ctx, models.Stock{Symbol: "AAPL"}))
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	assert.ErrorIs(t, st.Upsert(ctx, models.Stock{Symbol: "MSFT"}), store.ErrClosed)
	_, err = st.IncrementSearchCount(ctx, "AAPL", 1)
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, st.AppendSelection(ctx, models.SelectionEvent{ChosenSymbol: "AAPL"}), store.ErrClosed)
	_, err = st.Selections(ctx, 1)
	assert.ErrorIs(t, err, store.ErrClosed)

	_, ok := st.Get("AAPL")
	assert.True(t, ok, "reads keep serving the mirror")
}

// blockingUpsert parks every Upsert until release is closed.
type blockingUpsert struct {
	*store.MemoryBackend
	entered chan struct{}
	release chan struct{}
}

func (b blockingUpsert) Upsert(ctx context.Context, stock models.Stock) error {
	b.entered <- struct{}{}
	<-b.release
	return b.MemoryBackend.Upsert(ctx, stock)
}

func TestUpsert_SlowBackendDoesNotBlockReads(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryBackend()
	require.NoError(t, mem.Upsert(ctx, storetest.Apple()))
	backend := blockingUpsert{
		MemoryBackend: mem,
		entered:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
	st, err := store.Open(ctx, backend, store.Options{})
	require.NoError(t, err)
	defer st.Close()

	renamed := storetest.Apple()
	renamed.Name = "Apple Incorporated"
	upserted := make(chan error, 1)
	go func() { upserted <- st.Upsert(ctx, renamed) }()
	<-backend.entered

	read := make(chan struct{})
	go func() {
		st.All()
		st.Get("AAPL")
		st.Len()
		close(read)
	}()
	select {
	case <-read:
	case <-time.After(2 * time.Second):
		t.Fatal("reads waited behind a backend write")
	}

	count, err := st.IncrementSearchCount(ctx, "AAPL", 3)
	require.NoError(t, err)
	assert.EqualValues(t, 6, count)

	close(backend.release)
	require.NoError(t, <-upserted)

	got, ok := st.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, "Apple Incorporated", got.Name)
	assert.EqualValues(t, 6, got.SearchCount, "an increment made during the write survives it")
}
