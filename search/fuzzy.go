package search

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"ticker-search/models"
)

// MatcherConfig holds the similarity cutoffs of the fuzzy passes.
type MatcherConfig struct {
	SymbolThreshold  float64 `yaml:"symbol_threshold" validate:"gte=0,lte=100"`
	CompanyThreshold float64 `yaml:"company_threshold" validate:"gte=0,lte=100"`
	CompanyPenalty   float64 `yaml:"company_penalty" validate:"gt=0,lte=1"`
}

// DefaultMatcherConfig returns the tuned defaults: symbol similarity 60,
// company similarity 70, company penalty 0.8.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		SymbolThreshold:  60,
		CompanyThreshold: 70,
		CompanyPenalty:   0.8,
	}
}

// Matcher turns a query into raw match candidates.
type Matcher struct {
	cfg MatcherConfig
}

// NewMatcher creates a matcher. Zero fields take their defaults.
func NewMatcher(cfg MatcherConfig) *Matcher {
	def := DefaultMatcherConfig()
	if cfg.SymbolThreshold == 0 {
		cfg.SymbolThreshold = def.SymbolThreshold
	}
	if cfg.CompanyThreshold == 0 {
		cfg.CompanyThreshold = def.CompanyThreshold
	}
	if cfg.CompanyPenalty == 0 {
		cfg.CompanyPenalty = def.CompanyPenalty
	}
	return &Matcher{cfg: cfg}
}

// Config returns the effective thresholds.
func (m *Matcher) Config() MatcherConfig {
	return m.cfg
}

// Match scores query against every stock and returns at most one candidate
// per symbol: an exact symbol hit beats a fuzzy symbol hit, which beats a
// company name hit. Output order follows the input order.
func (m *Matcher) Match(query string, stocks []models.Stock) []models.MatchCandidate {
	q := models.CanonicalSymbol(query)
	if q == "" {
		return nil
	}

	best := make(map[string]int) // symbol -> index into out
	var out []models.MatchCandidate
	for _, s := range stocks {
		symbol := models.CanonicalSymbol(s.Symbol)
		keep := func(c models.MatchCandidate) {
			if i, ok := best[symbol]; ok {
				if outranks(c, out[i]) {
					out[i] = c
				}
				return
			}
			best[symbol] = len(out)
			out = append(out, c)
		}

		if symbol == q {
			keep(models.MatchCandidate{Stock: s, MatchType: models.MatchExactSymbol, RawScore: 100})
			continue
		}
		if r := Ratio(q, symbol); r >= m.cfg.SymbolThreshold {
			keep(models.MatchCandidate{Stock: s, MatchType: models.MatchFuzzySymbol, RawScore: r})
		}
		if s.Name == "" {
			continue
		}
		if r := PartialRatio(q, strings.ToUpper(s.Name)); r >= m.cfg.CompanyThreshold {
			keep(models.MatchCandidate{Stock: s, MatchType: models.MatchFuzzyCompany, RawScore: r * m.cfg.CompanyPenalty})
		}
	}
	return out
}

func outranks(a, b models.MatchCandidate) bool {
	if pa, pb := a.MatchType.Priority(), b.MatchType.Priority(); pa != pb {
		return pa > pb
	}
	return a.RawScore > b.RawScore
}

// Ratio is the normalized Levenshtein similarity of a and b in [0,100].
// Character order matters: "AAPL" and "LPAA" are far apart.
func Ratio(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 100
	}
	d := levenshtein.ComputeDistance(a, b)
	return 100 * (1 - float64(d)/float64(longest))
}

// PartialRatio is the best Ratio between the shorter string and any
// equally long window of the longer one.
func PartialRatio(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		if len(long) == 0 {
			return 100
		}
		return 0
	}

	s := string(short)
	var best float64
	for i := 0; i+len(short) <= len(long); i++ {
		r := Ratio(s, string(long[i:i+len(short)]))
		if r > best {
			best = r
			if best == 100 {
				break
			}
		}
	}
	return best
}
