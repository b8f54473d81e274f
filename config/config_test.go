package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticker-search/credentials"
	"ticker-search/search"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 300*time.Second, cfg.Cache.QueryTTL)
	assert.Equal(t, 50, cfg.Search.MaxLimit)
	assert.Equal(t, 15, cfg.Search.AutocompleteMaxLimit)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
log:
  level: debug
  format: json
store:
  driver: sqlite
  path: /var/lib/symbols.sqlite
ingest:
  provider: csv
  seed_file: seed.csv
  concurrency: 4
  fetch_timeout: 3s
cache:
  query_ttl: 1m
ranking:
  exact_boost: 80
matcher:
  symbol_threshold: 65
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Ingest.Concurrency)
	assert.Equal(t, 3*time.Second, cfg.Ingest.FetchTimeout)
	assert.Equal(t, time.Minute, cfg.Cache.QueryTTL)
	assert.Equal(t, 80.0, cfg.Ranking.ExactBoost)
	assert.Equal(t, 30.0, cfg.Ranking.SymbolPrefixBoost, "unset fields keep defaults")
	assert.Equal(t, 65.0, cfg.Matcher.SymbolThreshold)
	assert.Equal(t, 70.0, cfg.Matcher.CompanyThreshold)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown driver":       "store:\n  driver: mongo\n",
		"postgres without dsn": "store:\n  driver: postgres\n",
		"csv without seed":     "ingest:\n  provider: csv\n",
		"autocomplete > max":   "search:\n  max_limit: 10\n  autocomplete_max_limit: 20\n",
		"bad level":            "log:\n  level: loud\n",
		"penalty above one":    "matcher:\n  company_penalty: 1.5\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body), nil)
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"), nil)
	assert.ErrorContains(t, err, "parse config")
}

func TestLoad_CredentialsOverrideDSN(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: postgres\n  dsn: postgres://file\n")
	creds := credentials.NewStaticProvider(map[string]string{
		StoreDSNKey:     "postgres://secret",
		AnalyticsDSNKey: "clickhouse://ch:9000/default",
	})

	cfg, err := Load(path, creds)
	require.NoError(t, err)
	assert.Equal(t, "postgres://secret", cfg.Store.DSN)
	assert.Equal(t, "clickhouse://ch:9000/default", cfg.Analytics.DSN)

	// Postgres with its DSN supplied only by credentials validates.
	cfg, err = Load(writeConfig(t, "store:\n  driver: postgres\n"), creds)
	require.NoError(t, err)
	assert.Equal(t, "postgres://secret", cfg.Store.DSN)
}

func TestServiceOptions(t *testing.T) {
	cfg := Default()
	cfg.Search.TrendingSize = 3
	opts := cfg.ServiceOptions()

	assert.Len(t, opts.TrendingSymbols, 3)
	assert.Equal(t, search.DefaultMaxLimit, opts.MaxLimit)
	assert.Equal(t, cfg.Cache.QueryTTL, opts.QueryTTL)
	assert.Equal(t, search.DefaultRankingConfig(), opts.Ranking)
}

func TestLogConfig(t *testing.T) {
	assert.Equal(t, "DEBUG", LogConfig{Level: "debug"}.SlogLevel().String())
	assert.Equal(t, "INFO", LogConfig{Level: "bogus"}.SlogLevel().String())
	assert.NotNil(t, LogConfig{Format: "json"}.NewLogger())
}
