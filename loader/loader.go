package loader

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"ticker-search/models"
)

// DefaultSeedSymbols is the curated list ingested on cold start and used as
// the trending set for empty autocomplete queries.
var DefaultSeedSymbols = []string{
	// US mega caps
	"AAPL", "MSFT", "NVDA", "GOOGL", "AMZN", "META", "TSLA", "BRK-B",
	"AVGO", "JPM", "V", "MA", "UNH", "XOM", "NFLX", "AMD",
	// India large caps
	"RELIANCE", "TCS", "HDFCBANK", "INFY", "ICICIBANK", "HINDUNILVR",
	"ITC", "SBIN", "BHARTIARTL", "KOTAKBANK",
}

// Column names accepted in a catalogue CSV header, lowercased.
var columnAliases = map[string]string{
	"symbol":          "symbol",
	"ticker":          "symbol",
	"name":            "name",
	"company_name":    "name",
	"name of company": "name",
	"exchange":        "exchange",
	"type":            "type",
	"brand":           "brand",
	"sector":          "sector",
	"industry":        "industry",
	"tags":            "tags",
	"market_cap":      "market_cap",
	"marketcap":       "market_cap",
	"logo":            "logo_url",
	"logo_url":        "logo_url",
}

// Positional layout used when a file has no header row.
var defaultColumns = []string{"symbol", "name", "exchange", "type", "brand", "sector", "industry", "market_cap", "logo_url", "tags"}

// LoadStocks reads a catalogue CSV. A header row, if present, selects
// columns by name; otherwise columns are read in the default order.
// Rows without a symbol are skipped.
func LoadStocks(filePath string) ([]models.Stock, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadStocks(f, "")
}

// LoadExchangeListing reads a bulk exchange listing (SYMBOL, NAME OF
// COMPANY, ...) and stamps every row with exchange.
func LoadExchangeListing(filePath, exchange string) ([]models.Stock, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadStocks(f, exchange)
}

// ReadStocks parses catalogue CSV from r. A non-empty exchange overrides
// the exchange column.
func ReadStocks(r io.Reader, exchange string) ([]models.Stock, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	columns := defaultColumns
	if header, ok := parseHeader(records[0]); ok {
		columns = header
		records = records[1:]
	}

	var stocks []models.Stock
	for i, record := range records {
		stock, err := parseRecord(columns, record)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if stock.Symbol == "" {
			continue
		}
		if exchange != "" {
			stock.Exchange = exchange
		}
		if stock.Type == "" {
			stock.Type = "Stock"
		}
		stocks = append(stocks, stock.Normalize())
	}
	return stocks, nil
}

func parseHeader(row []string) ([]string, bool) {
	if len(row) == 0 {
		return nil, false
	}
	first := strings.ToLower(strings.TrimSpace(row[0]))
	if columnAliases[first] != "symbol" {
		return nil, false
	}
	cols := make([]string, len(row))
	for i, cell := range row {
		cols[i] = columnAliases[strings.ToLower(strings.TrimSpace(cell))]
	}
	return cols, true
}

func parseRecord(columns, record []string) (models.Stock, error) {
	var s models.Stock
	for i, cell := range record {
		if i >= len(columns) {
			break
		}
		cell = strings.TrimSpace(cell)
		switch columns[i] {
		case "symbol":
			s.Symbol = cell
		case "name":
			s.Name = cell
		case "exchange":
			s.Exchange = cell
		case "type":
			s.Type = cell
		case "brand":
			s.Brand = cell
		case "sector":
			s.Sector = cell
		case "industry":
			s.Industry = cell
		case "tags":
			s.Tags = cell
		case "market_cap":
			if cell == "" {
				continue
			}
			mc, err := strconv.ParseInt(cell, 10, 64)
			if err != nil {
				return s, fmt.Errorf("market cap %q: %w", cell, err)
			}
			s.MarketCap = models.Int64(mc)
		case "logo_url":
			if cell != "" {
				s.LogoURL = models.String(cell)
			}
		}
	}
	return s, nil
}

// LoadBrandMappings reads a symbol -> brands JSON object.
func LoadBrandMappings(filePath string) (map[string]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var mappings map[string]string
	if err := json.NewDecoder(file).Decode(&mappings); err != nil {
		return nil, err
	}

	return mappings, nil
}

// ApplyBrands appends mapped brands to each stock's Brand field.
func ApplyBrands(stocks []models.Stock, mappings map[string]string) {
	for i := range stocks {
		brands, ok := mappings[stocks[i].Symbol]
		if !ok {
			continue
		}
		if stocks[i].Brand != "" {
			stocks[i].Brand += ", " + brands
		} else {
			stocks[i].Brand = brands
		}
	}
}

// LoadSymbolList reads one symbol per line. Blank lines and lines starting
// with '#' are ignored.
func LoadSymbolList(filePath string) ([]string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sym := models.CanonicalSymbol(line)
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out, sc.Err()
}
