// Package provider defines where symbol descriptors come from during
// ingestion. The search engine never calls a provider directly.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ticker-search/models"
)

// ErrUnknownSymbol is returned by providers that have no data for a symbol.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Provider fetches the descriptor for one symbol.
type Provider interface {
	Fetch(ctx context.Context, symbol string) (models.Stock, error)
}

// Func adapts a plain function to Provider.
type Func func(ctx context.Context, symbol string) (models.Stock, error)

func (f Func) Fetch(ctx context.Context, symbol string) (models.Stock, error) {
	return f(ctx, symbol)
}

// FetchError reports a failed fetch for one symbol. Ingestion logs it and
// moves on.
type FetchError struct {
	Symbol string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Symbol, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Static serves descriptors from a fixed set, typically a seed file.
type Static struct {
	stocks map[string]models.Stock
}

// NewStatic indexes stocks by canonical symbol. Later duplicates win.
func NewStatic(stocks []models.Stock) *Static {
	m := make(map[string]models.Stock, len(stocks))
	for _, s := range stocks {
		s = s.Normalize()
		m[s.Symbol] = s
	}
	return &Static{stocks: m}
}

func (p *Static) Fetch(ctx context.Context, symbol string) (models.Stock, error) {
	if err := ctx.Err(); err != nil {
		return models.Stock{}, &FetchError{Symbol: symbol, Err: err}
	}
	s, ok := p.stocks[models.CanonicalSymbol(symbol)]
	if !ok {
		return models.Stock{}, &FetchError{Symbol: symbol, Err: ErrUnknownSymbol}
	}
	return s.Clone(), nil
}

// Symbols returns every symbol the provider knows.
func (p *Static) Symbols() []string {
	out := make([]string, 0, len(p.stocks))
	for sym := range p.stocks {
		out = append(out, sym)
	}
	return out
}

// Chain asks each provider in turn. The first success is returned with its
// empty descriptive fields filled from later providers that also know the
// symbol, so a live quote can be enriched with seed sector data.
type Chain []Provider

func (c Chain) Fetch(ctx context.Context, symbol string) (models.Stock, error) {
	var (
		result models.Stock
		found  bool
		errs   []error
	)
	for _, p := range c {
		s, err := p.Fetch(ctx, symbol)
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if !found {
			result, found = s, true
			continue
		}
		result = fillBlanks(result, s)
	}
	if !found {
		return models.Stock{}, &FetchError{Symbol: symbol, Err: errors.Join(errs...)}
	}
	return result, nil
}

func fillBlanks(dst, src models.Stock) models.Stock {
	fill := func(d *string, s string) {
		if strings.TrimSpace(*d) == "" {
			*d = s
		}
	}
	fill(&dst.Name, src.Name)
	fill(&dst.Exchange, src.Exchange)
	fill(&dst.Type, src.Type)
	fill(&dst.Brand, src.Brand)
	fill(&dst.Sector, src.Sector)
	fill(&dst.Industry, src.Industry)
	fill(&dst.Tags, src.Tags)
	if dst.MarketCap == nil && src.MarketCap != nil {
		dst.MarketCap = models.Int64(*src.MarketCap)
	}
	if dst.LogoURL == nil && src.LogoURL != nil {
		dst.LogoURL = models.String(*src.LogoURL)
	}
	return dst
}
