package search

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"ticker-search/models"
)

// RankingConfig holds the additive boosts of the rank score.
type RankingConfig struct {
	ExactBoost         float64  `yaml:"exact_boost" validate:"gte=0"`
	SymbolPrefixBoost  float64  `yaml:"symbol_prefix_boost" validate:"gte=0"`
	CompanyPrefixBoost float64  `yaml:"company_prefix_boost" validate:"gte=0"`
	SectorBoost        float64  `yaml:"sector_boost" validate:"gte=0"`
	PopularityFactor   float64  `yaml:"popularity_factor" validate:"gte=0"`
	PopularityCap      float64  `yaml:"popularity_cap" validate:"gte=0"`
	BoostedSectors     []string `yaml:"boosted_sectors"`
}

// DefaultRankingConfig returns the tuned defaults.
func DefaultRankingConfig() RankingConfig {
	return RankingConfig{
		ExactBoost:         50,
		SymbolPrefixBoost:  30,
		CompanyPrefixBoost: 20,
		SectorBoost:        5,
		PopularityFactor:   0.1,
		PopularityCap:      20,
		BoostedSectors:     []string{"Technology", "Communication Services", "Consumer Discretionary"},
	}
}

func (c RankingConfig) isZero() bool {
	return c.ExactBoost == 0 && c.SymbolPrefixBoost == 0 && c.CompanyPrefixBoost == 0 &&
		c.SectorBoost == 0 && c.PopularityFactor == 0 && c.PopularityCap == 0 &&
		len(c.BoostedSectors) == 0
}

// Market cap bands, USD.
const (
	trillion = 1_000_000_000_000
	billion  = 1_000_000_000
)

// MarketCapBand maps a market cap to its popularity contribution.
func MarketCapBand(marketCap *int64) float64 {
	if marketCap == nil {
		return 0
	}
	switch mc := *marketCap; {
	case mc > trillion:
		return 50
	case mc > 100*billion:
		return 30
	case mc > 10*billion:
		return 20
	case mc > billion:
		return 10
	default:
		return 0
	}
}

// PopularityScore is searchCount plus the market cap band.
func PopularityScore(s models.Stock) float64 {
	return float64(s.SearchCount) + MarketCapBand(s.MarketCap)
}

// Ranker orders match candidates.
type Ranker struct {
	cfg     RankingConfig
	sectors map[string]bool
	clock   *MarketClock
	now     func() time.Time
}

// NewRanker creates a ranker. A nil clock leaves every status UNKNOWN; a
// nil now uses time.Now.
func NewRanker(cfg RankingConfig, clock *MarketClock, now func() time.Time) *Ranker {
	if now == nil {
		now = time.Now
	}
	sectors := make(map[string]bool, len(cfg.BoostedSectors))
	for _, s := range cfg.BoostedSectors {
		sectors[sectorKey(s)] = true
	}
	return &Ranker{cfg: cfg, sectors: sectors, clock: clock, now: now}
}

// Rank scores candidates and returns them by descending rank score, ties
// broken by symbol.
func (r *Ranker) Rank(candidates []models.MatchCandidate, query string) []models.RankedResult {
	q := models.CanonicalSymbol(query)
	now := r.now()

	out := make([]models.RankedResult, 0, len(candidates))
	for _, c := range candidates {
		pop := PopularityScore(c.Stock)
		res := models.RankedResult{
			MatchCandidate:  c,
			PopularityScore: pop,
			RankScore:       r.score(c, q, pop),
			MarketStatus:    models.MarketUnknown,
		}
		if r.clock != nil {
			res.MarketStatus = r.clock.Status(c.Stock.Exchange, now)
		}
		out = append(out, res)
	}
	SortResults(out)
	return out
}

func (r *Ranker) score(c models.MatchCandidate, q string, popularity float64) float64 {
	base := c.RawScore
	if c.MatchType == models.MatchExactSymbol {
		base += r.cfg.ExactBoost
	}
	if q != "" {
		if strings.HasPrefix(models.CanonicalSymbol(c.Stock.Symbol), q) {
			base += r.cfg.SymbolPrefixBoost
		} else if strings.HasPrefix(strings.ToUpper(c.Stock.Name), q) {
			base += r.cfg.CompanyPrefixBoost
		}
	}
	if r.sectors[sectorKey(c.Stock.Sector)] {
		base += r.cfg.SectorBoost
	}
	return base + min(popularity*r.cfg.PopularityFactor, r.cfg.PopularityCap)
}

// SortResults orders results by rank score descending, then symbol.
func SortResults(results []models.RankedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].RankScore != results[j].RankScore {
			return results[i].RankScore > results[j].RankScore
		}
		return results[i].Stock.Symbol < results[j].Stock.Symbol
	})
}

// sectorKey folds case and drops whitespace so "Communication Services"
// and "CommunicationServices" compare equal.
func sectorKey(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}
