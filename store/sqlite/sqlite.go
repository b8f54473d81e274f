// Package sqlite implements store.Backend on SQLite through database/sql.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticker-search/models"
	"ticker-search/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS symbol_metadata (
		symbol       TEXT PRIMARY KEY,
		company_name TEXT NOT NULL DEFAULT '',
		sector       TEXT NOT NULL DEFAULT '',
		industry     TEXT NOT NULL DEFAULT '',
		exchange     TEXT NOT NULL DEFAULT '',
		market_cap   INTEGER,
		logo_url     TEXT,
		last_updated TEXT NOT NULL,
		search_count INTEGER NOT NULL DEFAULT 0,
		type         TEXT NOT NULL DEFAULT '',
		brand        TEXT NOT NULL DEFAULT '',
		tags         TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS selection_analytics (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		query         TEXT NOT NULL,
		chosen_symbol TEXT NOT NULL,
		ts            TEXT NOT NULL,
		session_id    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_selection_symbol ON selection_analytics(chosen_symbol)`,
	`CREATE TABLE IF NOT EXISTS store_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

const metaLastRefresh = "last_refresh"

// Store is a SQLite-backed store.Backend.
type Store struct {
	db *sql.DB
}

var _ store.Backend = (*Store)(nil)

// Open opens the database at dsn (a file path or ":memory:") and applies
// the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite benefits from a single writer; this also keeps ":memory:"
	// databases on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) LoadAll(ctx context.Context) ([]models.Stock, error) {
	rows, err := s.db.QueryContext(ctx, `
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
		var (
			st        models.Stock
			marketCap sql.NullInt64
			logoURL   sql.NullString
			updated   string
		)
		if err := rows.Scan(&st.Symbol, &st.Name, &st.Sector, &st.Industry, &st.Exchange,
			&marketCap, &logoURL, &updated, &st.SearchCount, &st.Type, &st.Brand, &st.Tags); err != nil {
			return nil, fmt.Errorf("%w: scan symbol_metadata: %v", store.ErrCorrupt, err)
		}
		st.LastUpdated, err = time.Parse(time.RFC3339Nano, updated)
		if err != nil {
			return nil, fmt.Errorf("%w: %s last_updated: %v", store.ErrCorrupt, st.Symbol, err)
		}
		if marketCap.Valid {
			st.MarketCap = models.Int64(marketCap.Int64)
		}
		if logoURL.Valid {
			st.LogoURL = models.String(logoURL.String)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate symbol_metadata: %v", store.ErrCorrupt, err)
	}
	return out, nil
}

func (s *Store) Upsert(ctx context.Context, st models.Stock) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO symbol_metadata (
			symbol, company_name, sector, industry, exchange, market_cap, logo_url,
			last_updated, search_count, type, brand, tags
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			company_name = excluded.company_name,
			sector       = excluded.sector,
			industry     = excluded.industry,
			exchange     = excluded.exchange,
			market_cap   = excluded.market_cap,
			logo_url     = excluded.logo_url,
			last_updated = excluded.last_updated,
			search_count = MAX(symbol_metadata.search_count, excluded.search_count),
			type         = excluded.type,
			brand        = excluded.brand,
			tags         = excluded.tags
	`,
		st.Symbol, st.Name, st.Sector, st.Industry, st.Exchange,
		nullInt64(st.MarketCap), nullString(st.LogoURL),
		st.LastUpdated.UTC().Format(time.RFC3339Nano), st.SearchCount,
		st.Type, st.Brand, st.Tags,
	)
	if err != nil {
		return fmt.Errorf("upsert symbol_metadata: %w", err)
	}
	return nil
}

func (s *Store) IncrementSearchCount(ctx context.Context, symbol string, delta int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE symbol_metadata SET search_count = search_count + ?
		WHERE symbol = ?
		RETURNING search_count
	`, delta, symbol).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment search_count: %w", err)
	}
	return count, nil
}

func (s *Store) AppendSelection(ctx context.Context, e models.SelectionEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO selection_analytics (query, chosen_symbol, ts, session_id)
		VALUES (?, ?, ?, ?)
	`, e.Query, e.ChosenSymbol, e.Timestamp.UTC().Format(time.RFC3339Nano), e.SessionID)
	if err != nil {
		return fmt.Errorf("insert selection_analytics: %w", err)
	}
	return nil
}

func (s *Store) Selections(ctx context.Context, limit int) ([]models.SelectionEvent, error) {
	var q strings.Builder
	q.WriteString(`SELECT query, chosen_symbol, ts, session_id FROM selection_analytics ORDER BY id DESC`)
	args := []any{}
	if limit > 0 {
		q.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query selection_analytics: %w", err)
	}
	defer rows.Close()

	var out []models.SelectionEvent
	for rows.Next() {
		var (
			e  models.SelectionEvent
			ts string
		)
		if err := rows.Scan(&e.Query, &e.ChosenSymbol, &ts, &e.SessionID); err != nil {
			return nil, fmt.Errorf("scan selection_analytics: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("%w: selection ts: %v", store.ErrCorrupt, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) LastRefresh(ctx context.Context) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, metaLastRefresh).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read store_meta: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: last refresh: %v", store.ErrCorrupt, err)
	}
	return t, nil
}

func (s *Store) SetLastRefresh(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaLastRefresh, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write store_meta: %w", err)
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
