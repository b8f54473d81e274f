package loader

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ticker-search/models"
	"ticker-search/provider"
)

const (
	DefaultConcurrency  = 10
	DefaultFetchTimeout = 10 * time.Second
)

var (
	ingestFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "symbolsearch",
		Subsystem: "ingest",
		Name:      "fetch_total",
		Help:      "Descriptor fetches by outcome",
	}, []string{"status"})

	ingestDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "symbolsearch",
		Subsystem: "ingest",
		Name:      "duration_seconds",
		Help:      "Wall time of bulk ingestion runs",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	})
)

// Target receives ingested descriptors. *store.MetadataStore satisfies it.
type Target interface {
	Upsert(ctx context.Context, stock models.Stock) error
	MarkRefreshed(ctx context.Context, t time.Time) error
}

// IngestOptions tune a bulk ingestion run.
type IngestOptions struct {
	Concurrency   int           // parallel fetches, default 10
	FetchTimeout  time.Duration // per fetch, default 10s
	RatePerSecond float64       // 0 disables rate limiting
	Logger        *slog.Logger
	Now           func() time.Time
}

// Report summarizes an ingestion run.
type Report struct {
	Requested int
	Succeeded int
	Failed    map[string]error
	Duration  time.Duration
}

// FailedSymbols returns the failed symbols in sorted order.
func (r Report) FailedSymbols() []string {
	out := make([]string, 0, len(r.Failed))
	for sym := range r.Failed {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Ingest fetches every symbol from p and upserts the results into target.
// A failed fetch or write is logged and skipped; it never cancels the
// other fetches. The refresh timestamp is recorded when at least one
// symbol succeeded. The returned error is non-nil only when ctx ended.
func Ingest(ctx context.Context, target Target, p provider.Provider, symbols []string, opts IngestOptions) (Report, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}

	start := opts.Now()
	report := Report{Requested: len(symbols), Failed: make(map[string]error)}
	var mu sync.Mutex
	fail := func(symbol string, err error) {
		mu.Lock()
		report.Failed[symbol] = err
		mu.Unlock()
		ingestFetchTotal.WithLabelValues("error").Inc()
		opts.Logger.Warn("ingest fetch failed", "symbol", symbol, "err", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(opts.Concurrency)
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			break
		}
		symbol := models.CanonicalSymbol(symbol)
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					fail(symbol, &provider.FetchError{Symbol: symbol, Err: err})
					return nil
				}
			}
			fctx, cancel := context.WithTimeout(ctx, opts.FetchTimeout)
			stock, err := p.Fetch(fctx, symbol)
			cancel()
			if err != nil {
				var fe *provider.FetchError
				if !errors.As(err, &fe) {
					err = &provider.FetchError{Symbol: symbol, Err: err}
				}
				fail(symbol, err)
				return nil
			}
			if stock.LastUpdated.IsZero() {
				stock.LastUpdated = opts.Now()
			}
			if err := target.Upsert(ctx, stock); err != nil {
				fail(symbol, err)
				return nil
			}
			ingestFetchTotal.WithLabelValues("ok").Inc()
			mu.Lock()
			report.Succeeded++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = opts.Now().Sub(start)
	ingestDurationSeconds.Observe(report.Duration.Seconds())

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if report.Succeeded > 0 {
		if err := target.MarkRefreshed(ctx, opts.Now()); err != nil {
			return report, err
		}
	}
	opts.Logger.Info("ingestion complete",
		"requested", report.Requested,
		"succeeded", report.Succeeded,
		"failed", len(report.Failed),
		"duration", report.Duration)
	return report, nil
}
