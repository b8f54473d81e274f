package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	finance "github.com/piquette/finance-go"
	"github.com/piquette/finance-go/equity"

	"ticker-search/models"
)

// Yahoo suffixes for non-US listings.
var yahooSuffixes = map[string]string{
	".NS": "NSE",
	".BO": "BSE",
}

// Yahoo exchange ids mapped to the names used in descriptors.
var yahooExchanges = map[string]string{
	"NMS": "NASDAQ",
	"NGM": "NASDAQ",
	"NCM": "NASDAQ",
	"NYQ": "NYSE",
	"ASE": "AMEX",
	"PCX": "ARCA",
	"BTS": "BATS",
	"NSI": "NSE",
	"BSE": "BSE",
}

// Yahoo fetches descriptors from Yahoo Finance. Symbols may carry a Yahoo
// suffix (RELIANCE.NS); the stored symbol drops it and the exchange is
// taken from the suffix.
type Yahoo struct {
	get func(symbol string) (*finance.Equity, error)
	now func() time.Time
}

// NewYahoo returns a Yahoo Finance provider.
func NewYahoo() *Yahoo {
	return &Yahoo{get: equity.Get, now: time.Now}
}

func (y *Yahoo) Fetch(ctx context.Context, symbol string) (models.Stock, error) {
	symbol = models.CanonicalSymbol(symbol)

	type result struct {
		q   *finance.Equity
		err error
	}
	// finance-go has no context support; the call is abandoned, not
	// cancelled, when ctx ends first.
	ch := make(chan result, 1)
	go func() {
		q, err := y.get(symbol)
		ch <- result{q, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return models.Stock{}, &FetchError{Symbol: symbol, Err: ctx.Err()}
	case r = <-ch:
	}
	if r.err != nil {
		return models.Stock{}, &FetchError{Symbol: symbol, Err: r.err}
	}
	if r.q == nil {
		return models.Stock{}, &FetchError{Symbol: symbol, Err: ErrUnknownSymbol}
	}
	return y.toStock(symbol, r.q)
}

func (y *Yahoo) toStock(requested string, q *finance.Equity) (models.Stock, error) {
	base, exchange := splitSuffix(requested)
	if ex, ok := yahooExchanges[q.ExchangeID]; ok {
		exchange = ex
	} else if exchange == "" {
		exchange = q.FullExchangeName
	}

	name := q.LongName
	if name == "" {
		name = q.ShortName
	}
	if name == "" {
		return models.Stock{}, &FetchError{Symbol: requested, Err: errors.New("quote has no company name")}
	}

	s := models.Stock{
		Symbol:      base,
		Name:        name,
		Exchange:    exchange,
		Type:        quoteType(q.QuoteType),
		LastUpdated: y.now().UTC(),
	}
	if q.MarketCap > 0 {
		s.MarketCap = models.Int64(q.MarketCap)
	}
	return s.Normalize(), nil
}

func splitSuffix(symbol string) (base, exchange string) {
	for suffix, ex := range yahooSuffixes {
		if strings.HasSuffix(symbol, suffix) {
			return strings.TrimSuffix(symbol, suffix), ex
		}
	}
	return symbol, ""
}

func quoteType(t finance.QuoteType) string {
	switch t {
	case finance.QuoteTypeETF:
		return "ETF"
	case finance.QuoteTypeEquity:
		return "Stock"
	default:
		return string(t)
	}
}
