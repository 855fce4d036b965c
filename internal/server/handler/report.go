package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// ReportSource locates the archived settlement report of a session.
type ReportSource interface {
	GetByID(ctx context.Context, id string) (domain.SessionRecord, error)
}

// ReportHandler serves archived settlement reports from object storage.
type ReportHandler struct {
	sessions ReportSource
	blobs    domain.BlobReader
	logger   *slog.Logger
}

// NewReportHandler creates a ReportHandler.
func NewReportHandler(sessions ReportSource, blobs domain.BlobReader, logger *slog.Logger) *ReportHandler {
	return &ReportHandler{sessions: sessions, blobs: blobs, logger: logHandler(logger, "report")}
}

// ListReports lists archived settlement reports, optionally under a month
// prefix such as "2026/03".
// GET /api/reports?month=2026/03
func (h *ReportHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	prefix := "settlements/"
	if month := strings.Trim(r.URL.Query().Get("month"), "/"); month != "" {
		prefix += month + "/"
	}
	infos, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	type reportInfo struct {
		Path       string    `json:"path"`
		Size       int64     `json:"size"`
		ModifiedAt time.Time `json:"modified_at"`
	}
	out := make([]reportInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, reportInfo{Path: info.Path, Size: info.Size, ModifiedAt: info.LastModified})
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": out})
}

// GetReport streams the settlement report of a closed session.
// GET /api/sessions/{id}/report
func (h *ReportHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sessions.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if rec.ReportPath == "" {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error: "session " + rec.ID + " has no archived report",
			Kind:  domain.KindNotFound,
		})
		return
	}

	body, err := h.blobs.Get(r.Context(), rec.ReportPath)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.ID+`.json"`)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "handler: stream report failed",
			slog.String("session_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}
