package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"ticker-search/cache"
	"ticker-search/models"
	"ticker-search/search"
)

// Default page sizes when the request carries no limit.
const (
	DefaultSearchLimit       = 10
	DefaultAutocompleteLimit = 8
	DefaultDetailCacheBytes  = 4 << 20
	DefaultDetailTTL         = time.Minute

	maxSelectBody = 4 << 10
)

// StockDetail is the /api/stock payload.
type StockDetail struct {
	models.Stock
	PopularityScore float64 `json:"popularityScore"`
	MarketCapBand   float64 `json:"marketCapBand"`
}

type Options struct {
	// DetailCacheBytes bounds the memory of memoized /api/stock payloads.
	DetailCacheBytes int64
	DetailTTL        time.Duration
	// Health reports readiness; nil always reports ok.
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

type Handler struct {
	Engine  search.SearchEngine
	details *cache.Cache[string, StockDetail]
	ttl     time.Duration
	health  func(ctx context.Context) error
	logger  *slog.Logger
}

func NewHandler(engine search.SearchEngine, opts Options) *Handler {
	if opts.DetailCacheBytes <= 0 {
		opts.DetailCacheBytes = DefaultDetailCacheBytes
	}
	if opts.DetailTTL <= 0 {
		opts.DetailTTL = DefaultDetailTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		Engine:  engine,
		details: cache.NewBounded[string, StockDetail](opts.DetailCacheBytes, opts.DetailTTL),
		ttl:     opts.DetailTTL,
		health:  opts.Health,
		logger:  opts.Logger,
	}
}

// Routes registers the handler's endpoints on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /search", h.Search)
	mux.HandleFunc("GET /autocomplete", h.Autocomplete)
	mux.HandleFunc("POST /select", h.Select)
	mux.HandleFunc("GET /api/stock", h.GetStock)
	mux.HandleFunc("GET /healthz", h.Healthz)
	return mux
}

// DetailCache exposes the /api/stock cache for metrics and cleanup.
func (h *Handler) DetailCache() *cache.Cache[string, StockDetail] {
	return h.details
}

type resultsResponse struct {
	Query   string              `json:"query"`
	Results []models.ResultView `json:"results"`
	Reason  models.ReasonCode   `json:"reason,omitempty"`
	Cached  bool                `json:"cached"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	h.results(w, r, DefaultSearchLimit, h.Engine.Search)
}

func (h *Handler) Autocomplete(w http.ResponseWriter, r *http.Request) {
	h.results(w, r, DefaultAutocompleteLimit, h.Engine.Autocomplete)
}

func (h *Handler) results(w http.ResponseWriter, r *http.Request, defaultLimit int,
	run func(context.Context, string, int) (search.Response, error)) {
	params := r.URL.Query()
	if !params.Has("q") {
		h.writeError(w, http.StatusBadRequest, "missing query parameter 'q'")
		return
	}
	limit := defaultLimit
	if raw := params.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	query := params.Get("q")
	resp, err := run(r.Context(), query, limit)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resultsResponse{
		Query:   query,
		Results: resp.Views(),
		Reason:  resp.Reason,
		Cached:  resp.CacheHit,
	})
}

type selectRequest struct {
	Query     string `json:"query"`
	Symbol    string `json:"symbol"`
	SessionID string `json:"sessionId"`
}

// Select records that the user picked a symbol from a result list.
func (h *Handler) Select(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSelectBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Symbol == "" {
		h.writeError(w, http.StatusBadRequest, "missing symbol")
		return
	}

	ack, err := h.Engine.RecordSelection(r.Context(), req.Query, req.Symbol, req.SessionID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.details.Delete(ack.Symbol)
	h.writeJSON(w, http.StatusOK, ack)
}

// GetStock returns one symbol's descriptor with its popularity.
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	symbol := models.CanonicalSymbol(r.URL.Query().Get("symbol"))
	if symbol == "" {
		h.writeError(w, http.StatusBadRequest, "missing symbol parameter")
		return
	}

	detail, err := h.details.GetOrCompute(symbol, h.ttl, func() (StockDetail, error) {
		stock, ok := h.Engine.GetBySymbol(symbol)
		if !ok {
			return StockDetail{}, search.ErrUnknownSymbol
		}
		return StockDetail{
			Stock:           stock,
			PopularityScore: search.PopularityScore(stock),
			MarketCapBand:   search.MarketCapBand(stock.MarketCap),
		}, nil
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, search.ErrUnknownSymbol):
		h.writeError(w, http.StatusNotFound, "stock not found")
	case errors.Is(err, search.ErrClosed):
		h.writeError(w, http.StatusServiceUnavailable, "service shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		h.logger.Error("request failed", "err", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", "err", err)
	}
}
