package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"ticker-search/config"
	"ticker-search/credentials"
	"ticker-search/loader"
	"ticker-search/models"
	"ticker-search/provider"
	"ticker-search/store"
	"ticker-search/store/bbolt"
	"ticker-search/store/clickhouse"
	"ticker-search/store/postgres"
	"ticker-search/store/sqlite"
)

// app holds the components every command shares.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *store.MetadataStore
	analytics *clickhouse.SelectionLog
	provider  provider.Provider
	symbols   []string
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	creds := credentials.Chain{credentials.NewEnvProvider()}
	cfg, err := config.Load(configPath, creds)
	if err != nil {
		return nil, err
	}
	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}

	storeOpts := cfg.StoreOptions()
	storeOpts.Logger = logger
	if cfg.Analytics.DSN != "" {
		a.analytics, err = clickhouse.Open(ctx, cfg.Analytics.DSN)
		if err != nil {
			return nil, fmt.Errorf("open analytics sink: %w", err)
		}
		storeOpts.Sinks = append(storeOpts.Sinks, a.analytics)
	}

	backend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store, err = store.Open(ctx, backend, storeOpts)
	if err != nil {
		backend.Close()
		a.Close()
		return nil, err
	}

	if err := a.loadProvider(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (store.Backend, error) {
	switch cfg.Driver {
	case "bolt":
		return bbolt.Open(cfg.Path)
	case "sqlite":
		return sqlite.Open(ctx, cfg.Path)
	case "postgres":
		return postgres.Open(ctx, cfg.DSN)
	case "memory":
		return store.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// loadProvider builds the ingestion provider and the symbol list it is
// asked for.
func (a *app) loadProvider() error {
	in := a.cfg.Ingest

	var brands map[string]string
	if in.BrandsFile != "" {
		m, err := loader.LoadBrandMappings(in.BrandsFile)
		if err != nil {
			a.logger.Warn("brand mappings not loaded", "path", in.BrandsFile, "err", err)
		} else {
			brands = m
		}
	}

	var catalogue []models.Stock
	exchanges := make([]string, 0, len(in.ListingFiles))
	for ex := range in.ListingFiles {
		exchanges = append(exchanges, ex)
	}
	sort.Strings(exchanges)
	for _, ex := range exchanges {
		listed, err := loader.LoadExchangeListing(in.ListingFiles[ex], strings.ToUpper(ex))
		if err != nil {
			a.logger.Warn("exchange listing not loaded", "exchange", ex, "err", err)
			continue
		}
		a.logger.Info("exchange listing loaded", "exchange", ex, "count", len(listed))
		catalogue = append(catalogue, listed...)
	}
	if in.SeedFile != "" {
		stocks, err := loader.LoadStocks(in.SeedFile)
		if err != nil {
			return fmt.Errorf("load seed file: %w", err)
		}
		a.logger.Info("seed descriptors loaded", "path", in.SeedFile, "count", len(stocks))
		catalogue = append(catalogue, stocks...)
	}

	var seed *provider.Static
	if len(catalogue) > 0 {
		loader.ApplyBrands(catalogue, brands)
		seed = provider.NewStatic(catalogue)
	}

	switch in.Provider {
	case "csv":
		a.provider = seed
	case "chain":
		if seed != nil {
			a.provider = provider.Chain{seed, withBrands(provider.NewYahoo(), brands)}
		} else {
			a.provider = withBrands(provider.NewYahoo(), brands)
		}
	default:
		a.provider = withBrands(provider.NewYahoo(), brands)
	}

	if in.SymbolsFile != "" {
		symbols, err := loader.LoadSymbolList(in.SymbolsFile)
		if err != nil {
			return fmt.Errorf("load symbols file: %w", err)
		}
		a.symbols = symbols
		return nil
	}
	a.symbols = mergeSymbols(loader.DefaultSeedSymbols, seed)
	return nil
}

func withBrands(p provider.Provider, brands map[string]string) provider.Provider {
	if len(brands) == 0 {
		return p
	}
	return provider.Func(func(ctx context.Context, symbol string) (models.Stock, error) {
		s, err := p.Fetch(ctx, symbol)
		if err != nil {
			return s, err
		}
		one := []models.Stock{s}
		loader.ApplyBrands(one, brands)
		return one[0], nil
	})
}

func mergeSymbols(base []string, seed *provider.Static) []string {
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base))
	for _, s := range base {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if seed == nil {
		return out
	}
	extra := seed.Symbols()
	sort.Strings(extra)
	for _, s := range extra {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// refresh runs one bulk ingestion into the store.
func (a *app) refresh(ctx context.Context) error {
	opts := a.cfg.IngestOptions()
	opts.Logger = a.logger
	report, err := loader.Ingest(ctx, a.store, a.provider, a.symbols, opts)
	if err != nil {
		return err
	}
	if report.Succeeded == 0 && report.Requested > 0 {
		return fmt.Errorf("ingestion fetched none of %d symbols", report.Requested)
	}
	if failed := report.FailedSymbols(); len(failed) > 0 {
		a.logger.Debug("symbols not ingested", "symbols", failed)
	}
	return nil
}

func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.analytics != nil {
		errs = append(errs, a.analytics.Close())
	}
	return errors.Join(errs...)
}
