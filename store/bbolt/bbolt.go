// Package bbolt implements store.Backend on an embedded bbolt database.
// Descriptors live JSON-encoded in the "symbols" bucket keyed by symbol,
// selection events in "selections" keyed by a big-endian sequence number,
// and the last bulk refresh time in "meta".
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"ticker-search/models"
	"ticker-search/store"
)

var (
	bucketSymbols    = []byte("symbols")
	bucketSelections = []byte("selections")
	bucketMeta       = []byte("meta")
	keyLastRefresh   = []byte("last_refresh")
)

// Store is a bbolt-backed store.Backend.
type Store struct {
	db *bolt.DB
}

var _ store.Backend = (*Store)(nil)

// Open opens (or creates) the database at path and its buckets.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSymbols, bucketSelections, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bbolt create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadAll decodes every descriptor. A row whose key disagrees with its
// payload is corruption.
func (s *Store) LoadAll(_ context.Context) ([]models.Stock, error) {
	var out []models.Stock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSymbols).ForEach(func(k, v []byte) error {
			var stock models.Stock
			if err := json.Unmarshal(v, &stock); err != nil {
				return fmt.Errorf("%w: symbol %q: %v", store.ErrCorrupt, k, err)
			}
			symbol := models.CanonicalSymbol(stock.Symbol)
			if symbol != string(k) {
				return fmt.Errorf("%w: key %q holds symbol %q", store.ErrCorrupt, k, stock.Symbol)
			}
			out = append(out, stock)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert writes the descriptor, keeping the larger of the stored and new
// search counts.
func (s *Store) Upsert(_ context.Context, stock models.Stock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSymbols)
		key := []byte(stock.Symbol)
		if v := b.Get(key); v != nil {
			var existing models.Stock
			if err := json.Unmarshal(v, &existing); err == nil && existing.SearchCount > stock.SearchCount {
				stock.SearchCount = existing.SearchCount
			}
		}
		data, err := json.Marshal(stock)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", stock.Symbol, err)
		}
		return b.Put(key, data)
	})
}

// IncrementSearchCount performs the read-modify-write inside one update
// transaction.
func (s *Store) IncrementSearchCount(_ context.Context, symbol string, delta int64) (int64, error) {
	var count int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSymbols)
		v := b.Get([]byte(symbol))
		if v == nil {
			return store.ErrNotFound
		}
		var stock models.Stock
		if err := json.Unmarshal(v, &stock); err != nil {
			return fmt.Errorf("%w: symbol %q: %v", store.ErrCorrupt, symbol, err)
		}
		stock.SearchCount += delta
		count = stock.SearchCount
		data, err := json.Marshal(stock)
		if err != nil {
			return err
		}
		return b.Put([]byte(symbol), data)
	})
	return count, err
}

// AppendSelection appends an event under the next bucket sequence.
func (s *Store) AppendSelection(_ context.Context, event models.SelectionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal selection: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSelections)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// Selections walks the log backwards from the newest event.
func (s *Store) Selections(_ context.Context, limit int) ([]models.SelectionEvent, error) {
	var out []models.SelectionEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSelections).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var event models.SelectionEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("%w: selection %x: %v", store.ErrCorrupt, k, err)
			}
			out = append(out, event)
		}
		return nil
	})
	return out, err
}

// LastRefresh returns the recorded refresh time, zero if none.
func (s *Store) LastRefresh(_ context.Context) (time.Time, error) {
	var t time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyLastRefresh)
		if v == nil {
			return nil
		}
		// Copy bytes out of the transaction before parsing.
		raw := make([]byte, len(v))
		copy(raw, v)
		parsed, err := time.Parse(time.RFC3339Nano, string(raw))
		if err != nil {
			return fmt.Errorf("%w: last refresh: %v", store.ErrCorrupt, err)
		}
		t = parsed
		return nil
	})
	return t, err
}

// SetLastRefresh records t.
func (s *Store) SetLastRefresh(_ context.Context, t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyLastRefresh, []byte(t.UTC().Format(time.RFC3339Nano)))
	})
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
