package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"ticker-search/models"
)

var (
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrClosed        = errors.New("search service closed")
)

// DefaultMaxQueryLength bounds queries, in runes.
const DefaultMaxQueryLength = 64

// SearchEngine is the surface the request layer talks to.
type SearchEngine interface {
	Search(ctx context.Context, query string, limit int) (Response, error)
	Autocomplete(ctx context.Context, query string, limit int) (Response, error)
	RecordSelection(ctx context.Context, query, symbol, sessionID string) (Ack, error)
	GetBySymbol(symbol string) (models.Stock, bool)
}

// Response is a ranked result list. Reason is set when Results is empty
// for a known cause.
type Response struct {
	Results  []models.RankedResult
	Reason   models.ReasonCode
	CacheHit bool
}

// Views flattens the results into their serialized shape.
func (r Response) Views() []models.ResultView {
	out := make([]models.ResultView, len(r.Results))
	for i, res := range r.Results {
		out[i] = res.View()
	}
	return out
}

// Ack acknowledges a recorded selection.
type Ack struct {
	OK          bool   `json:"ok"`
	Symbol      string `json:"symbol"`
	SearchCount int64  `json:"searchCount"`
}

// MalformedQueryError is a query that cannot be searched. Callers get an
// empty result with Reason, never the error itself.
type MalformedQueryError struct {
	Query  string
	Reason models.ReasonCode
}

func (e *MalformedQueryError) Error() string {
	return fmt.Sprintf("malformed query %q: %s", e.Query, e.Reason)
}

// ValidateQuery canonicalizes query and rejects empty or over-long input.
func ValidateQuery(query string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxQueryLength
	}
	q := models.CanonicalSymbol(query)
	if q == "" {
		return "", &MalformedQueryError{Query: query, Reason: models.ReasonEmptyQuery}
	}
	if utf8.RuneCountInString(q) > maxLen {
		return "", &MalformedQueryError{Query: query, Reason: models.ReasonTooLong}
	}
	return strings.Join(strings.Fields(q), " "), nil
}
