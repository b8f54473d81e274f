package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticker-search/models"
	"ticker-search/provider"
	"ticker-search/store"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadStocks(t *testing.T) {
	path := writeFile(t, "stocks.csv", `Symbol,Name,Exchange,Type,Brand,Sector,Industry,MarketCap,Logo
RELIANCE,Reliance Industries Limited,NSE,Stock,Jio,Energy,Oil & Gas,,
aapl,Apple Inc.,nasdaq,,,Technology,Consumer Electronics,3400000000000,https://logo.example/aapl.png`)

	stocks, err := LoadStocks(path)
	require.NoError(t, err)
	require.Len(t, stocks, 2)

	assert.Equal(t, "RELIANCE", stocks[0].Symbol)
	assert.Equal(t, "Jio", stocks[0].Brand)
	assert.Nil(t, stocks[0].MarketCap)

	apple := stocks[1]
	assert.Equal(t, "AAPL", apple.Symbol)
	assert.Equal(t, "NASDAQ", apple.Exchange)
	assert.Equal(t, "Stock", apple.Type)
	assert.Equal(t, "Technology", apple.Sector)
	require.NotNil(t, apple.MarketCap)
	assert.Equal(t, int64(3_400_000_000_000), *apple.MarketCap)
	require.NotNil(t, apple.LogoURL)
}

func TestReadStocks_NoHeaderUsesDefaultOrder(t *testing.T) {
	stocks, err := ReadStocks(strings.NewReader("MSFT,Microsoft Corporation,NASDAQ,Stock,,Technology\n"), "")
	require.NoError(t, err)
	require.Len(t, stocks, 1)
	assert.Equal(t, "Microsoft Corporation", stocks[0].Name)
	assert.Equal(t, "Technology", stocks[0].Sector)
}

func TestReadStocks_BadMarketCap(t *testing.T) {
	_, err := ReadStocks(strings.NewReader("symbol,name,market_cap\nAAPL,Apple,lots\n"), "")
	assert.ErrorContains(t, err, "row 1")
}

func TestLoadExchangeListing(t *testing.T) {
	path := writeFile(t, "nse.csv", `SYMBOL,NAME OF COMPANY, SERIES, DATE OF LISTING
TCS,Tata Consultancy Services Limited,EQ,25-AUG-2004
,blank symbol row,EQ,01-JAN-2000
INFY,Infosys Limited,EQ,08-FEB-1995`)

	stocks, err := LoadExchangeListing(path, "NSE")
	require.NoError(t, err)
	require.Len(t, stocks, 2)
	for _, s := range stocks {
		assert.Equal(t, "NSE", s.Exchange)
		assert.Equal(t, "Stock", s.Type)
	}
	assert.Equal(t, "Infosys Limited", stocks[1].Name)
}

func TestLoadBrandMappings(t *testing.T) {
	path := writeFile(t, "brands.json", `{
		"RELIANCE": "Jio, Reliance Digital",
		"ITC": "Aashirvaad"
	}`)

	mappings, err := LoadBrandMappings(path)
	require.NoError(t, err)
	assert.Len(t, mappings, 2)
	assert.Equal(t, "Jio, Reliance Digital", mappings["RELIANCE"])

	stocks := []models.Stock{{Symbol: "RELIANCE", Brand: "Reliance Retail"}, {Symbol: "ITC"}, {Symbol: "TCS"}}
	ApplyBrands(stocks, mappings)
	assert.Equal(t, "Reliance Retail, Jio, Reliance Digital", stocks[0].Brand)
	assert.Equal(t, "Aashirvaad", stocks[1].Brand)
	assert.Empty(t, stocks[2].Brand)
}

func TestLoadSymbolList(t *testing.T) {
	path := writeFile(t, "seed.txt", "# seed\naapl\n\nMSFT\n AAPL \n")
	syms, err := LoadSymbolList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, syms)
}

func newMemoryStore(t *testing.T) *store.MetadataStore {
	t.Helper()
	st, err := store.Open(context.Background(), store.NewMemoryBackend(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestIngest_PartialFailure(t *testing.T) {
	st := newMemoryStore(t)
	seed := provider.NewStatic([]models.Stock{
		{Symbol: "AAPL", Name: "Apple Inc.", Exchange: "NASDAQ"},
		{Symbol: "MSFT", Name: "Microsoft Corporation", Exchange: "NASDAQ"},
	})
	okBefore := testutil.ToFloat64(ingestFetchTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(ingestFetchTotal.WithLabelValues("error"))

	report, err := Ingest(context.Background(), st, seed, []string{"AAPL", "NOPE", "msft"}, IngestOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Requested)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, []string{"NOPE"}, report.FailedSymbols())
	var fe *provider.FetchError
	assert.ErrorAs(t, report.Failed["NOPE"], &fe)

	assert.Equal(t, 2, st.Len())
	_, ok := st.Get("MSFT")
	assert.True(t, ok)
	assert.False(t, st.LastRefresh().IsZero())

	assert.Equal(t, okBefore+2, testutil.ToFloat64(ingestFetchTotal.WithLabelValues("ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(ingestFetchTotal.WithLabelValues("error")))
}

func TestIngest_AllFailedDoesNotMarkRefreshed(t *testing.T) {
	st := newMemoryStore(t)
	down := provider.Func(func(context.Context, string) (models.Stock, error) {
		return models.Stock{}, errors.New("upstream down")
	})

	report, err := Ingest(context.Background(), st, down, []string{"AAPL", "MSFT"}, IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Succeeded)
	assert.Len(t, report.Failed, 2)
	assert.True(t, st.LastRefresh().IsZero())
}

func TestIngest_BoundedConcurrency(t *testing.T) {
	st := newMemoryStore(t)
	var inFlight, peak int32
	p := provider.Func(func(ctx context.Context, symbol string) (models.Stock, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return models.Stock{Symbol: symbol, Name: symbol + " Corp"}, nil
	})

	symbols := make([]string, 40)
	for i := range symbols {
		symbols[i] = "S" + string(rune('A'+i%26)) + string(rune('A'+i/26))
	}
	report, err := Ingest(context.Background(), st, p, symbols, IngestOptions{Concurrency: 4})
	require.NoError(t, err)
	assert.Equal(t, 40, report.Succeeded)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))
}

func TestIngest_PerFetchTimeout(t *testing.T) {
	st := newMemoryStore(t)
	slow := provider.Func(func(ctx context.Context, symbol string) (models.Stock, error) {
		if symbol == "SLOW" {
			<-ctx.Done()
			return models.Stock{}, ctx.Err()
		}
		return models.Stock{Symbol: symbol, Name: "Fast Co"}, nil
	})

	report, err := Ingest(context.Background(), st, slow, []string{"SLOW", "FAST"},
		IngestOptions{FetchTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.ErrorIs(t, report.Failed["SLOW"], context.DeadlineExceeded)
}

type recordingTarget struct {
	mu      sync.Mutex
	upserts []string
	marked  bool
}

func (r *recordingTarget) Upsert(_ context.Context, s models.Stock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, s.Symbol)
	return nil
}

func (r *recordingTarget) MarkRefreshed(context.Context, time.Time) error {
	r.marked = true
	return nil
}

func TestIngest_CancelledContext(t *testing.T) {
	target := &recordingTarget{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Ingest(ctx, target, provider.NewStatic(nil), []string{"AAPL"}, IngestOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, target.marked)
}

func TestIngest_RateLimited(t *testing.T) {
	target := &recordingTarget{}
	seed := provider.NewStatic([]models.Stock{{Symbol: "A", Name: "A"}, {Symbol: "B", Name: "B"}, {Symbol: "C", Name: "C"}})

	start := time.Now()
	report, err := Ingest(context.Background(), target, seed, []string{"A", "B", "C"},
		IngestOptions{RatePerSecond: 50})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Succeeded)
	// Burst of one: the second and third fetch each wait ~20ms.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.True(t, target.marked)
}
