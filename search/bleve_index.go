package search

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/ngram"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/single"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"ticker-search/models"
)

// DefaultPrefilterThreshold is the universe size above which the service
// narrows candidates through the index before fuzzy scoring.
const DefaultPrefilterThreshold = 5000

const (
	bigramAnalyzer = "bigram"
	bigramFilter   = "bigram_filter"
)

// indexDoc is what gets indexed per symbol. Symbol and name are stored in
// the same upper-case form the Matcher compares, each as one bigram
// stream, along with their rune lengths.
type indexDoc struct {
	SymbolGrams string  `json:"symbol_grams"`
	SymbolLen   float64 `json:"symbol_len"`
	NameGrams   string  `json:"name_grams"`
	NameLen     float64 `json:"name_len"`
}

// BleveIndex is an in-memory candidate index. It only narrows the universe;
// scoring stays with the Matcher.
//
// Candidates never drops a symbol the Matcher would keep: every clause is
// derived from the Matcher's thresholds. Two strings within k edits share
// at least distinct(q) - 2k distinct bigrams of q, since one edit breaks
// at most two bigram positions.
type BleveIndex struct {
	index bleve.Index
	size  int
}

// NewBleveIndex indexes stocks in memory.
func NewBleveIndex(stocks []models.Stock) (*BleveIndex, error) {
	indexMapping, err := buildIndexMapping()
	if err != nil {
		return nil, err
	}
	index, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}

	batch := index.NewBatch()
	for _, s := range stocks {
		symbol := models.CanonicalSymbol(s.Symbol)
		name := strings.ToUpper(s.Name)
		doc := indexDoc{
			SymbolGrams: symbol,
			SymbolLen:   float64(utf8.RuneCountInString(symbol)),
			NameGrams:   name,
			NameLen:     float64(utf8.RuneCountInString(name)),
		}
		if err := batch.Index(symbol, doc); err != nil {
			index.Close()
			return nil, fmt.Errorf("add %s to batch: %w", s.Symbol, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		index.Close()
		return nil, fmt.Errorf("execute batch: %w", err)
	}
	return &BleveIndex{index: index, size: len(stocks)}, nil
}

func buildIndexMapping() (mapping.IndexMapping, error) {
	indexMapping := bleve.NewIndexMapping()
	if err := indexMapping.AddCustomTokenFilter(bigramFilter, map[string]interface{}{
		"type": ngram.Name,
		"min":  2.0,
		"max":  2.0,
	}); err != nil {
		return nil, fmt.Errorf("bigram filter: %w", err)
	}
	if err := indexMapping.AddCustomAnalyzer(bigramAnalyzer, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     single.Name,
		"token_filters": []string{bigramFilter},
	}); err != nil {
		return nil, fmt.Errorf("bigram analyzer: %w", err)
	}

	doc := bleve.NewDocumentMapping()

	gramField := bleve.NewTextFieldMapping()
	gramField.Analyzer = bigramAnalyzer
	gramField.Store = false
	gramField.IncludeTermVectors = false
	gramField.IncludeInAll = false
	doc.AddFieldMappingsAt("symbol_grams", gramField)
	doc.AddFieldMappingsAt("name_grams", gramField)

	lenField := bleve.NewNumericFieldMapping()
	lenField.Store = false
	lenField.DocValues = false
	lenField.IncludeInAll = false
	doc.AddFieldMappingsAt("symbol_len", lenField)
	doc.AddFieldMappingsAt("name_len", lenField)

	indexMapping.DefaultMapping = doc
	return indexMapping, nil
}

// Candidates returns a superset of the symbols cfg's fuzzy passes can
// match for q. It reports false when no useful bound exists for q, in
// which case the caller must scan the whole universe.
func (b *BleveIndex) Candidates(q string, cfg MatcherConfig) ([]string, bool, error) {
	q = models.CanonicalSymbol(q)
	m := utf8.RuneCountInString(q)
	if m == 0 || b.size == 0 {
		return nil, true, nil
	}
	if cfg.SymbolThreshold <= 0 || cfg.CompanyThreshold <= 0 {
		return nil, false, nil
	}
	grams := bigrams(q)

	// A name at least as long as q matches through a window within k
	// edits of q; shorter names are compared the other way round and are
	// always candidates.
	nameBound := len(grams) - 2*allowedEdits(m, cfg.CompanyThreshold)
	if nameBound <= 0 {
		return nil, false, nil
	}
	clauses := []query.Query{
		gramQuery("name_grams", grams, nameBound),
		lengthQuery("name_len", 1, m-1),
	}

	// Symbols: the length difference alone costs edits, so only a window
	// of lengths around m is reachable. Each length gets its own bound.
	for l := 1; ; l++ {
		k := allowedEdits(max(l, m), cfg.SymbolThreshold)
		if l-m > k {
			break
		}
		if m-l > k {
			continue
		}
		byLen := lengthQuery("symbol_len", l, l)
		if bound := len(grams) - 2*k; bound > 0 {
			clauses = append(clauses, bleve.NewConjunctionQuery(byLen, gramQuery("symbol_grams", grams, bound)))
		} else {
			clauses = append(clauses, byLen)
		}
	}

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(clauses...))
	req.Size = b.size
	req.Score = "none"
	req.SortBy([]string{"_id"})
	res, err := b.index.Search(req)
	if err != nil {
		return nil, false, fmt.Errorf("prefilter search: %w", err)
	}
	out := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, hit.ID)
	}
	return out, true, nil
}

// allowedEdits is the largest edit distance at which a string pair whose
// longer side has n runes still reaches threshold.
func allowedEdits(n int, threshold float64) int {
	return int(float64(n)*(100-threshold)/100 + 1e-9)
}

// bigrams returns the distinct rune bigrams of s.
func bigrams(s string) []string {
	runes := []rune(s)
	seen := make(map[string]bool, len(runes))
	var out []string
	for i := 0; i+2 <= len(runes); i++ {
		g := string(runes[i : i+2])
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	return out
}

func gramQuery(field string, grams []string, minShared int) query.Query {
	terms := make([]query.Query, 0, len(grams))
	for _, g := range grams {
		t := bleve.NewTermQuery(g)
		t.SetField(field)
		terms = append(terms, t)
	}
	dq := bleve.NewDisjunctionQuery(terms...)
	dq.SetMin(float64(minShared))
	return dq
}

// lengthQuery matches docs whose field lies in [lo, hi].
func lengthQuery(field string, lo, hi int) query.Query {
	minV, maxV := float64(lo), float64(hi)
	inclusive := true
	nq := bleve.NewNumericRangeInclusiveQuery(&minV, &maxV, &inclusive, &inclusive)
	nq.SetField(field)
	return nq
}

// Len returns the number of indexed symbols.
func (b *BleveIndex) Len() int {
	return b.size
}

func (b *BleveIndex) Close() error {
	return b.index.Close()
}
