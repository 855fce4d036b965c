package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/shopspring/decimal"
)

// SessionService is what the session handler needs from the service layer.
type SessionService interface {
	Status() domain.Session
	Current() (domain.SessionRecord, bool)
	Open(ctx context.Context, deposit decimal.Decimal) (domain.Session, error)
	Close(ctx context.Context) (domain.CloseResult, error)
	Discard(ctx context.Context) (domain.Balance, error)
	History(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.SessionRecord, error)
	Pending(ctx context.Context) ([]domain.SessionRecord, error)
	Trail(ctx context.Context, id string, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// SessionHandler serves session lifecycle endpoints.
type SessionHandler struct {
	sessions SessionService
	wallet   string
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler for wallet.
func NewSessionHandler(sessions SessionService, wallet string, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		wallet:   wallet,
		logger:   logHandler(logger, "session"),
	}
}

// sessionRecordJSON is the wire form of a session history row.
type sessionRecordJSON struct {
	ID            string               `json:"id"`
	Wallet        string               `json:"wallet"`
	ChannelID     string               `json:"channel_id,omitempty"`
	Deposit       decimal.Decimal      `json:"deposit"`
	Status        domain.SessionStatus `json:"status"`
	FailReason    domain.ErrorKind     `json:"fail_reason,omitempty"`
	FailMessage   string               `json:"fail_message,omitempty"`
	FinalBalance  decimal.Decimal      `json:"final_balance"`
	TotalWinnings decimal.Decimal      `json:"total_winnings"`
	TotalLosses   decimal.Decimal      `json:"total_losses"`
	CloseTxHash   string               `json:"close_tx_hash,omitempty"`
	ReportPath    string               `json:"report_path,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	ClosedAt      *time.Time           `json:"closed_at,omitempty"`
}

func toRecordJSON(rec domain.SessionRecord) sessionRecordJSON {
	return sessionRecordJSON{
		ID:            rec.ID,
		Wallet:        rec.Wallet,
		ChannelID:     rec.ChannelID,
		Deposit:       rec.Deposit,
		Status:        rec.Status,
		FailReason:    rec.FailReason,
		FailMessage:   rec.FailMessage,
		FinalBalance:  rec.FinalBalance,
		TotalWinnings: rec.TotalWinnings,
		TotalLosses:   rec.TotalLosses,
		CloseTxHash:   rec.CloseTxHash,
		ReportPath:    rec.ReportPath,
		CreatedAt:     rec.CreatedAt,
		ClosedAt:      rec.ClosedAt,
	}
}

func toRecordsJSON(recs []domain.SessionRecord) []sessionRecordJSON {
	out := make([]sessionRecordJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toRecordJSON(rec))
	}
	return out
}

type sessionStatusResponse struct {
	Session domain.Session     `json:"session"`
	Record  *sessionRecordJSON `json:"record,omitempty"`
}

// GetSession returns the live state machine snapshot and the current record.
// GET /api/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	resp := sessionStatusResponse{Session: h.sessions.Status()}
	if rec, ok := h.sessions.Current(); ok {
		j := toRecordJSON(rec)
		resp.Record = &j
	}
	writeJSON(w, http.StatusOK, resp)
}

type openSessionRequest struct {
	Deposit string `json:"deposit"`
}

// OpenSession connects, authenticates and funds a channel.
// POST /api/session {"deposit":"100"}
func (h *SessionHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, domain.KindInvalidDeposit, err.Error())
		return
	}
	deposit, err := parseAmount(req.Deposit)
	if err != nil {
		writeBadRequest(w, domain.KindInvalidDeposit, err.Error())
		return
	}

	snap, err := h.sessions.Open(r.Context(), deposit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// CloseSession settles and closes the active channel.
// POST /api/session/close
func (h *SessionHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.Close(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DiscardSession abandons a failed session and drains the ledger.
// POST /api/session/discard
func (h *SessionHandler) DiscardSession(w http.ResponseWriter, r *http.Request) {
	bal, err := h.sessions.Discard(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drained": bal})
}

// ListHistory lists past sessions of the configured wallet.
// GET /api/sessions?limit=50&offset=0
func (h *SessionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	recs, err := h.sessions.History(r.Context(), h.wallet, opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": toRecordsJSON(recs),
		"limit":    opts.Limit,
		"offset":   opts.Offset,
	})
}

// ListPending lists sessions whose channel close did not complete.
// GET /api/sessions/pending
func (h *SessionHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	recs, err := h.sessions.Pending(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": toRecordsJSON(recs)})
}

type auditEntryJSON struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListTrail returns the audit events of one session.
// GET /api/sessions/{id}/audit?limit=50&offset=0
func (h *SessionHandler) ListTrail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	opts := parseListOpts(r)
	entries, err := h.sessions.Trail(r.Context(), id, opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := make([]auditEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryJSON{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"events":     out,
		"limit":      opts.Limit,
		"offset":     opts.Offset,
	})
}
