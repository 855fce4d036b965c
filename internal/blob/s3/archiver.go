package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// Archiver implements domain.Archiver. Settlement reports are written as
// one JSON object per session; the audit log is exported as JSONL.
type Archiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver. audit may be nil, which disables the
// audit export.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// ArchiveSettlement uploads report and returns its object path:
//
//	settlements/2026/03/<session_id>.json
func (a *Archiver) ArchiveSettlement(ctx context.Context, report domain.SettlementReport) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal settlement %s: %w", report.SessionID, err)
	}
	path := settlementPath(report.SessionID, report.ClosedAt)
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive settlement %s: %w", report.SessionID, err)
	}
	a.logger.InfoContext(ctx, "s3blob: settlement archived",
		slog.String("session_id", report.SessionID),
		slog.String("path", path),
	)
	return path, nil
}

// ExportAudit uploads the audit entries in [since, until) as JSONL and
// returns how many were written. Nothing is uploaded for an empty window.
func (a *Archiver) ExportAudit(ctx context.Context, since, until time.Time) (int, error) {
	if a.audit == nil {
		return 0, nil
	}
	end := until.Add(-time.Nanosecond)
	entries, err := a.audit.List(ctx, domain.ListOpts{Since: &since, Until: &end})
	if err != nil {
		return 0, fmt.Errorf("s3blob: export audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: export audit marshal: %w", err)
	}
	path := auditPath(until)
	if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize); err != nil {
		return 0, fmt.Errorf("s3blob: export audit upload: %w", err)
	}
	a.logger.InfoContext(ctx, "s3blob: audit exported",
		slog.String("path", path),
		slog.Int("entries", len(entries)),
	)
	return len(entries), nil
}

// RunAuditExport exports the audit log every interval until ctx is done.
func (a *Archiver) RunAuditExport(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	since := a.now().UTC()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			until := a.now().UTC()
			if _, err := a.ExportAudit(ctx, since, until); err != nil {
				a.logger.WarnContext(ctx, "s3blob: audit export failed", slog.String("error", err.Error()))
				continue
			}
			since = until
		}
	}
}

func settlementPath(sessionID string, closedAt time.Time) string {
	return fmt.Sprintf("settlements/%s/%s.json", closedAt.UTC().Format("2006/01"), sessionID)
}

func auditPath(until time.Time) string {
	return fmt.Sprintf("audit/%s.jsonl", until.UTC().Format("2006-01-02T150405Z"))
}

// marshalJSONL encodes records one per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
