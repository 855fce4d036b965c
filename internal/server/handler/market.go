package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/alanyoungcy/yellowbet/internal/markets"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	List() []domain.Market
	Get(ctx context.Context, id string) (domain.Market, error)
	Add(ctx context.Context, m domain.Market) (domain.Market, error)
	Generate(ctx context.Context, tpl markets.Template, match markets.Match, duration time.Duration) (domain.Market, error)
	Reset(ctx context.Context) error
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logHandler(logger, "market"),
	}
}

// ListMarkets returns the ledger's markets, optionally filtered by status.
// GET /api/markets?status=LIVE
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	all := h.markets.List()
	status := domain.MarketStatus(r.URL.Query().Get("status"))
	out := make([]domain.Market, 0, len(all))
	for _, m := range all {
		if status == "" || m.Status == status {
			out = append(out, m)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"markets": out,
		"total":   len(out),
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := h.markets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// AddMarket registers a market with the ledger.
// POST /api/admin/markets
func (h *MarketHandler) AddMarket(w http.ResponseWriter, r *http.Request) {
	var m domain.Market
	if err := decodeJSON(w, r, &m); err != nil {
		writeBadRequest(w, domain.KindInvalidAmount, err.Error())
		return
	}
	if m.ID == "" || m.Question == "" {
		writeBadRequest(w, domain.KindInvalidAmount, "id and question are required")
		return
	}
	added, err := h.markets.Add(r.Context(), m)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

type generateRequest struct {
	Template        string `json:"template"`
	FixtureID       int64  `json:"fixture_id"`
	League          string `json:"league"`
	Home            string `json:"home"`
	Away            string `json:"away"`
	HomeGoals       int    `json:"home_goals"`
	AwayGoals       int    `json:"away_goals"`
	Minute          int    `json:"minute"`
	DurationMinutes int    `json:"duration_minutes"`
}

// GenerateMarket builds a live market from a template for a match.
// POST /api/admin/markets/generate
func (h *MarketHandler) GenerateMarket(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, domain.KindInvalidAmount, err.Error())
		return
	}
	if req.DurationMinutes < 0 {
		writeBadRequest(w, domain.KindInvalidAmount, "duration_minutes must not be negative")
		return
	}
	match := markets.Match{
		FixtureID: req.FixtureID,
		League:    req.League,
		Home:      req.Home,
		Away:      req.Away,
		HomeGoals: req.HomeGoals,
		AwayGoals: req.AwayGoals,
		Minute:    req.Minute,
	}
	m, err := h.markets.Generate(r.Context(), markets.Template(req.Template), match, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ResetMarkets restores the seed catalog.
// POST /api/admin/markets/reset
func (h *MarketHandler) ResetMarkets(w http.ResponseWriter, r *http.Request) {
	if err := h.markets.Reset(r.Context()); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": h.markets.List()})
}
