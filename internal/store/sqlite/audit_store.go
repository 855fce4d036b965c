package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// AuditStore implements domain.AuditStore on SQLite. Details are stored as
// JSON text.
type AuditStore struct {
	db *gorm.DB
}

// NewAuditStore creates an AuditStore on db.
func NewAuditStore(db *gorm.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Log appends an audit entry.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	row := auditRow{
		Event:     event,
		SessionID: domain.AuditSessionID(detail),
		Detail:    string(detailJSON),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries, newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return s.find(s.db.WithContext(ctx), opts)
}

// ListBySession returns the entries recorded for sessionID, newest first.
func (s *AuditStore) ListBySession(ctx context.Context, sessionID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	entries, err := s.find(s.db.WithContext(ctx).Where("session_id = ?", sessionID), opts)
	if err != nil {
		return nil, fmt.Errorf("sqlite: session %s: %w", sessionID, err)
	}
	return entries, nil
}

func (s *AuditStore) find(q *gorm.DB, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var rows []auditRow
	q = page(q.Order("id DESC"), "created_at", opts.Limit, opts.Offset, opts.Since, opts.Until)
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}

	entries := make([]domain.AuditEntry, 0, len(rows))
	for _, r := range rows {
		e := domain.AuditEntry{ID: r.ID, Event: r.Event, SessionID: r.SessionID, CreatedAt: r.CreatedAt.UTC()}
		if r.Detail != "" {
			if err := json.Unmarshal([]byte(r.Detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}
