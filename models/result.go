package models

import "time"

// MatchType tells which matcher pass produced a candidate.
type MatchType string

const (
	MatchExactSymbol  MatchType = "EXACT_SYMBOL"
	MatchFuzzySymbol  MatchType = "FUZZY_SYMBOL"
	MatchFuzzyCompany MatchType = "FUZZY_COMPANY"
	MatchTrending     MatchType = "TRENDING"
)

// Priority orders match types for deduplication: higher wins.
func (m MatchType) Priority() int {
	switch m {
	case MatchExactSymbol:
		return 3
	case MatchFuzzySymbol:
		return 2
	case MatchFuzzyCompany:
		return 1
	default:
		return 0
	}
}

// MarketStatus is the trading session state of a symbol's exchange.
type MarketStatus string

const (
	MarketOpen    MarketStatus = "OPEN"
	MarketClosed  MarketStatus = "CLOSED"
	MarketPre     MarketStatus = "PRE"
	MarketAfter   MarketStatus = "AFTER"
	MarketUnknown MarketStatus = "UNKNOWN"
)

// MatchCandidate is a raw matcher hit, computed per query.
type MatchCandidate struct {
	Stock     Stock
	MatchType MatchType
	RawScore  float64 // 0..100
}

// RankedResult is a candidate after ranking.
type RankedResult struct {
	MatchCandidate
	PopularityScore float64
	RankScore       float64
	MarketStatus    MarketStatus
}

// ResultView is the serialized shape of a ranked result.
type ResultView struct {
	Symbol          string       `json:"symbol"`
	CompanyName     string       `json:"companyName"`
	Sector          string       `json:"sector"`
	Exchange        string       `json:"exchange"`
	MatchType       MatchType    `json:"matchType"`
	MatchScore      float64      `json:"matchScore"`
	PopularityScore float64      `json:"popularityScore"`
	RankScore       float64      `json:"rankScore"`
	MarketStatus    MarketStatus `json:"marketStatus"`
	LogoURL         *string      `json:"logoUrl"`
}

// View flattens r into its serialized shape.
func (r RankedResult) View() ResultView {
	return ResultView{
		Symbol:          r.Stock.Symbol,
		CompanyName:     r.Stock.Name,
		Sector:          r.Stock.Sector,
		Exchange:        r.Stock.Exchange,
		MatchType:       r.MatchType,
		MatchScore:      r.RawScore,
		PopularityScore: r.PopularityScore,
		RankScore:       r.RankScore,
		MarketStatus:    r.MarketStatus,
		LogoURL:         r.Stock.LogoURL,
	}
}

// SelectionEvent records a user picking a symbol from results. Append-only.
type SelectionEvent struct {
	Query        string    `json:"query"`
	ChosenSymbol string    `json:"chosen_symbol"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id"`
}

// ReasonCode explains an empty result set.
type ReasonCode string

const (
	ReasonNone        ReasonCode = ""
	ReasonEmptyQuery  ReasonCode = "empty_query"
	ReasonTooLong     ReasonCode = "query_too_long"
	ReasonNoMatches   ReasonCode = "no_matches"
	ReasonUnavailable ReasonCode = "unavailable"
)
