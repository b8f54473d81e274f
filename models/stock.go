package models

import (
	"strings"
	"time"
)

// Stock is the descriptor of one listed symbol. Symbol is the canonical
// uppercase key; MarketCap and LogoURL are optional.
type Stock struct {
	Symbol      string    `json:"symbol"`
	Name        string    `json:"company_name"`
	Exchange    string    `json:"exchange"`
	Type        string    `json:"type,omitempty"`
	Brand       string    `json:"brand,omitempty"`
	Sector      string    `json:"sector"`           // e.g., "Technology", "Financial Services"
	Industry    string    `json:"industry"`         // e.g., "Consumer Electronics"
	Tags        string    `json:"tags,omitempty"`   // Searchable keywords, comma-separated
	MarketCap   *int64    `json:"market_cap"`       // USD
	LogoURL     *string   `json:"logo_url"`
	LastUpdated time.Time `json:"last_updated"`
	SearchCount int64     `json:"search_count"`
}

// CanonicalSymbol trims and uppercases a ticker.
func CanonicalSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Normalize canonicalizes the symbol in place and returns the stock.
func (s Stock) Normalize() Stock {
	s.Symbol = CanonicalSymbol(s.Symbol)
	s.Name = strings.TrimSpace(s.Name)
	s.Exchange = strings.ToUpper(strings.TrimSpace(s.Exchange))
	return s
}

// Clone returns a copy that shares no pointers with s.
func (s Stock) Clone() Stock {
	if s.MarketCap != nil {
		mc := *s.MarketCap
		s.MarketCap = &mc
	}
	if s.LogoURL != nil {
		logo := *s.LogoURL
		s.LogoURL = &logo
	}
	return s
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

// String returns a pointer to v.
func String(v string) *string {
	return &v
}
