// Package postgres implements store.Backend on PostgreSQL using a pgx pool.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ticker-search/models"
	"ticker-search/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505" // unique_violation
)

const metaLastRefresh = "last_refresh"

// Store is a PostgreSQL-backed store.Backend.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Backend = (*Store)(nil)

// Open connects to dsn, verifies the connection and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies the embedded migration files in name order.
func (s *Store) migrate(ctx context.Context) error {
	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)
	for _, name := range files {
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) LoadAll(ctx context.Context) ([]models.Stock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, company_name, sector, industry, exchange, market_cap, logo_url,
		       last_updated, search_count, type, brand, tags
		FROM symbol_metadata
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: query symbol_metadata: %v", store.ErrCorrupt, err)
	}
	defer rows.Close()

	var out []models.Stock
	for rows.Next() {
		st, err := scanStock(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan symbol_metadata: %v", store.ErrCorrupt, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate symbol_metadata: %v", store.ErrCorrupt, err)
	}
	return out, nil
}

func scanStock(row pgx.Row) (models.Stock, error) {
	var st models.Stock
	err := row.Scan(&st.Symbol, &st.Name, &st.Sector, &st.Industry, &st.Exchange,
		&st.MarketCap, &st.LogoURL, &st.LastUpdated, &st.SearchCount,
		&st.Type, &st.Brand, &st.Tags)
	return st, err
}

func (s *Store) Upsert(ctx context.Context, st models.Stock) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO symbol_metadata (
			symbol, company_name, sector, industry, exchange, market_cap, logo_url,
			last_updated, search_count, type, brand, tags
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (symbol) DO UPDATE SET
			company_name = EXCLUDED.company_name,
			sector       = EXCLUDED.sector,
			industry     = EXCLUDED.industry,
			exchange     = EXCLUDED.exchange,
			market_cap   = EXCLUDED.market_cap,
			logo_url     = EXCLUDED.logo_url,
			last_updated = EXCLUDED.last_updated,
			search_count = GREATEST(symbol_metadata.search_count, EXCLUDED.search_count),
			type         = EXCLUDED.type,
			brand        = EXCLUDED.brand,
			tags         = EXCLUDED.tags
	`,
		st.Symbol, st.Name, st.Sector, st.Industry, st.Exchange,
		st.MarketCap, st.LogoURL, st.LastUpdated, st.SearchCount,
		st.Type, st.Brand, st.Tags,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", store.ErrDuplicateKey, st.Symbol)
		}
		return fmt.Errorf("upsert symbol_metadata: %w", err)
	}
	return nil
}

func (s *Store) IncrementSearchCount(ctx context.Context, symbol string, delta int64) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		UPDATE symbol_metadata SET search_count = search_count + $1
		WHERE symbol = $2
		RETURNING search_count
	`, delta, symbol).Scan(&count)
	if isNotFoundError(err) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment search_count: %w", err)
	}
	return count, nil
}

func (s *Store) AppendSelection(ctx context.Context, e models.SelectionEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO selection_analytics (query, chosen_symbol, ts, session_id)
		VALUES ($1, $2, $3, $4)
	`, e.Query, e.ChosenSymbol, e.Timestamp, e.SessionID)
	if err != nil {
		return fmt.Errorf("insert selection_analytics: %w", err)
	}
	return nil
}

func (s *Store) Selections(ctx context.Context, limit int) ([]models.SelectionEvent, error) {
	query := `SELECT query, chosen_symbol, ts, session_id FROM selection_analytics ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query selection_analytics: %w", err)
	}
	defer rows.Close()

	var out []models.SelectionEvent
	for rows.Next() {
		var e models.SelectionEvent
		if err := rows.Scan(&e.Query, &e.ChosenSymbol, &e.Timestamp, &e.SessionID); err != nil {
			return nil, fmt.Errorf("scan selection_analytics: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) LastRefresh(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `SELECT value FROM store_meta WHERE key = $1`, metaLastRefresh).Scan(&t)
	if isNotFoundError(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read store_meta: %w", err)
	}
	return t, nil
}

func (s *Store) SetLastRefresh(ctx context.Context, t time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO store_meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, metaLastRefresh, t)
	if err != nil {
		return fmt.Errorf("write store_meta: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}

// isNotFoundError checks if error indicates no rows found.
func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
