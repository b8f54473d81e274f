// Package config loads the service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"ticker-search/cache"
	"ticker-search/credentials"
	"ticker-search/loader"
	"ticker-search/search"
	"ticker-search/store"
)

// Credential keys consulted for the backend DSNs. A value found through
// the credentials provider overrides the file.
const (
	StoreDSNKey     = "SYMBOLSEARCH_STORE_DSN"
	AnalyticsDSNKey = "SYMBOLSEARCH_CLICKHOUSE_DSN"
)

type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Log       LogConfig            `yaml:"log"`
	Store     StoreConfig          `yaml:"store"`
	Analytics AnalyticsConfig      `yaml:"analytics"`
	Ingest    IngestConfig         `yaml:"ingest"`
	Cache     CacheConfig          `yaml:"cache"`
	Matcher   search.MatcherConfig `yaml:"matcher"`
	Ranking   search.RankingConfig `yaml:"ranking"`
	Search    SearchConfig         `yaml:"search"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// StoreConfig selects the durable backend. Path is used by bolt and
// sqlite, DSN by postgres.
type StoreConfig struct {
	Driver        string        `yaml:"driver" validate:"oneof=bolt sqlite postgres memory"`
	Path          string        `yaml:"path" validate:"required_if=Driver bolt,required_if=Driver sqlite"`
	DSN           string        `yaml:"dsn" validate:"required_if=Driver postgres"`
	StaleAfter    time.Duration `yaml:"stale_after" validate:"gt=0"`
	MinPopulation int           `yaml:"min_population" validate:"gte=0"`
}

// AnalyticsConfig enables the ClickHouse selection sink when DSN is set.
type AnalyticsConfig struct {
	DSN string `yaml:"dsn"`
}

type IngestConfig struct {
	Provider      string        `yaml:"provider" validate:"oneof=yahoo csv chain"`
	SeedFile      string        `yaml:"seed_file" validate:"required_if=Provider csv"`
	SymbolsFile   string        `yaml:"symbols_file"`
	BrandsFile    string        `yaml:"brands_file"`
	Concurrency   int           `yaml:"concurrency" validate:"gte=1,lte=256"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
	RatePerSecond float64       `yaml:"rate_per_second" validate:"gte=0"`
	// ListingFiles maps an exchange to its bulk listing CSV. Listed
	// symbols join the seed provider; the seed file wins on conflicts.
	ListingFiles map[string]string `yaml:"listing_files"`
}

type CacheConfig struct {
	QueryTTL         time.Duration `yaml:"query_ttl" validate:"gt=0"`
	ResponseMaxBytes int64         `yaml:"response_max_bytes" validate:"gt=0"`
	ResponseTTL      time.Duration `yaml:"response_ttl" validate:"gt=0"`
	MatchMaxBytes    int64         `yaml:"match_max_bytes" validate:"gt=0"`
	MatchTTL         time.Duration `yaml:"match_ttl" validate:"gt=0"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
}

type SearchConfig struct {
	MaxLimit             int           `yaml:"max_limit" validate:"gte=1,lte=500"`
	AutocompleteMaxLimit int           `yaml:"autocomplete_max_limit" validate:"gte=1,ltefield=MaxLimit"`
	MaxQueryLength       int           `yaml:"max_query_length" validate:"gte=1"`
	TrendingSize         int           `yaml:"trending_size" validate:"gte=1"`
	PrefilterThreshold   int           `yaml:"prefilter_threshold" validate:"gte=0"`
	StaleCheckInterval   time.Duration `yaml:"stale_check_interval" validate:"gt=0"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{
			Driver:        "bolt",
			Path:          "symbols.db",
			StaleAfter:    store.DefaultStaleAfter,
			MinPopulation: store.DefaultMinPopulation,
		},
		Ingest: IngestConfig{
			Provider:      "yahoo",
			Concurrency:   loader.DefaultConcurrency,
			FetchTimeout:  loader.DefaultFetchTimeout,
			RatePerSecond: 5,
		},
		Cache: CacheConfig{
			QueryTTL:         cache.DefaultQueryTTL,
			ResponseMaxBytes: 50 << 20,
			ResponseTTL:      time.Hour,
			MatchMaxBytes:    search.DefaultMatchCacheBytes,
			MatchTTL:         search.DefaultMatchCacheTTL,
			CleanupInterval:  search.DefaultCleanupInterval,
		},
		Matcher: search.DefaultMatcherConfig(),
		Ranking: search.DefaultRankingConfig(),
		Search: SearchConfig{
			MaxLimit:             search.DefaultMaxLimit,
			AutocompleteMaxLimit: search.DefaultAutocompleteMaxLimit,
			MaxQueryLength:       search.DefaultMaxQueryLength,
			TrendingSize:         len(loader.DefaultSeedSymbols),
			PrefilterThreshold:   search.DefaultPrefilterThreshold,
			StaleCheckInterval:   search.DefaultStaleCheckInterval,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
// DSNs found through creds override the file; creds may be nil.
func Load(path string, creds credentials.Provider) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Debug("config file not found, using defaults", "path", path)
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if creds != nil {
		if dsn, err := creds.GetCredential(StoreDSNKey); err == nil {
			cfg.Store.DSN = dsn
		}
		if dsn, err := creds.GetCredential(AnalyticsDSNKey); err == nil {
			cfg.Analytics.DSN = dsn
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and returns the first violations as
// one error.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// SlogLevel maps Log.Level to a slog level.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to stderr in the configured format.
func (c LogConfig) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ServiceOptions maps the configuration onto search service options.
func (c Config) ServiceOptions() search.Options {
	trending := loader.DefaultSeedSymbols
	if n := c.Search.TrendingSize; n > 0 && n < len(trending) {
		trending = trending[:n]
	}
	return search.Options{
		Matcher:              c.Matcher,
		Ranking:              c.Ranking,
		MaxLimit:             c.Search.MaxLimit,
		AutocompleteMaxLimit: c.Search.AutocompleteMaxLimit,
		MaxQueryLength:       c.Search.MaxQueryLength,
		TrendingSymbols:      trending,
		PrefilterThreshold:   c.Search.PrefilterThreshold,
		QueryTTL:             c.Cache.QueryTTL,
		MatchCacheBytes:      c.Cache.MatchMaxBytes,
		MatchCacheTTL:        c.Cache.MatchTTL,
		CleanupInterval:      c.Cache.CleanupInterval,
		StaleCheckInterval:   c.Search.StaleCheckInterval,
	}
}

// StoreOptions maps the configuration onto metadata store options.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		StaleAfter:    c.Store.StaleAfter,
		MinPopulation: c.Store.MinPopulation,
	}
}

// IngestOptions maps the configuration onto ingestion options.
func (c Config) IngestOptions() loader.IngestOptions {
	return loader.IngestOptions{
		Concurrency:   c.Ingest.Concurrency,
		FetchTimeout:  c.Ingest.FetchTimeout,
		RatePerSecond: c.Ingest.RatePerSecond,
	}
}
