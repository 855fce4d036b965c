package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/shopspring/decimal"
)

// WagerService is what the wager handler needs from the service layer.
type WagerService interface {
	PlaceWager(ctx context.Context, marketID string, outcome domain.Outcome, amount decimal.Decimal) (domain.Bet, error)
	ResolveMarket(ctx context.Context, marketID string, outcome domain.Outcome) (domain.Resolution, error)
	Balance() domain.Balance
	Bets() []domain.Bet
	Positions() []domain.Position
	History(ctx context.Context, sessionID string, opts domain.ListOpts) ([]domain.Bet, error)
	ClearHistory(ctx context.Context) int
}

// WagerHandler serves wagering, balance and resolution endpoints.
type WagerHandler struct {
	wagers WagerService
	logger *slog.Logger
}

// NewWagerHandler creates a WagerHandler.
func NewWagerHandler(wagers WagerService, logger *slog.Logger) *WagerHandler {
	return &WagerHandler{wagers: wagers, logger: logHandler(logger, "wager")}
}

type placeWagerRequest struct {
	MarketID string `json:"market_id"`
	Outcome  string `json:"outcome"`
	Amount   string `json:"amount"`
}

type placeWagerResponse struct {
	Bet     domain.Bet     `json:"bet"`
	Balance domain.Balance `json:"balance"`
}

// PlaceWager stakes an amount on one side of a live market.
// POST /api/bets {"market_id":"m1","outcome":"YES","amount":"10"}
func (h *WagerHandler) PlaceWager(w http.ResponseWriter, r *http.Request) {
	var req placeWagerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, domain.KindInvalidAmount, err.Error())
		return
	}
	outcome, ok := parseOutcome(req.Outcome)
	if !ok {
		writeBadRequest(w, domain.KindInvalidAmount, "outcome must be YES or NO")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, domain.KindInvalidAmount, err.Error())
		return
	}

	bet, err := h.wagers.PlaceWager(r.Context(), req.MarketID, outcome, amount)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, placeWagerResponse{Bet: bet, Balance: h.wagers.Balance()})
}

// ListBets returns the wagers of the running ledger.
// GET /api/bets
func (h *WagerHandler) ListBets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bets": h.wagers.Bets()})
}

// ListSessionBets returns the persisted wagers of one session.
// GET /api/sessions/{id}/bets
func (h *WagerHandler) ListSessionBets(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	opts := parseListOpts(r)
	bets, err := h.wagers.History(r.Context(), id, opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"bets":       bets,
		"limit":      opts.Limit,
		"offset":     opts.Offset,
	})
}

// ClearHistory drops settled wagers from the ledger.
// DELETE /api/bets/settled
func (h *WagerHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.wagers.ClearHistory(r.Context())})
}

// GetBalance returns the ledger balance.
// GET /api/balance
func (h *WagerHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.wagers.Balance())
}

// ListPositions returns per-market positions.
// GET /api/positions
func (h *WagerHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"positions": h.wagers.Positions()})
}

type resolveRequest struct {
	MarketID string `json:"market_id"`
	Outcome  string `json:"outcome"`
}

// ResolveMarket settles a market. The market id comes from the path when
// present and from the body otherwise.
// POST /api/admin/markets/{id}/resolve {"outcome":"YES"}
// POST /api/oracle/resolutions {"market_id":"m1","outcome":"NO"}
func (h *WagerHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, domain.KindInvalidAmount, err.Error())
		return
	}
	if id := r.PathValue("id"); id != "" {
		req.MarketID = id
	}
	if req.MarketID == "" {
		writeBadRequest(w, domain.KindMarketNotFound, "market_id is required")
		return
	}
	outcome, ok := parseOutcome(req.Outcome)
	if !ok {
		writeBadRequest(w, domain.KindInvalidAmount, "outcome must be YES or NO")
		return
	}

	res, err := h.wagers.ResolveMarket(r.Context(), req.MarketID, outcome)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: market resolved",
		slog.String("market", req.MarketID),
		slog.String("outcome", string(outcome)),
		slog.Bool("applied", res.Applied),
	)
	writeJSON(w, http.StatusOK, res)
}

func parseOutcome(s string) (domain.Outcome, bool) {
	o := domain.Outcome(strings.ToUpper(strings.TrimSpace(s)))
	return o, o.Valid()
}
