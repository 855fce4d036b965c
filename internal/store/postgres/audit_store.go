package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// AuditStore keeps the session and wager trail in audit_log. The session a
// row belongs to is stored in its own column next to the JSONB detail.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends one event.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: audit %s: marshal detail: %w", event, err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, session_id, detail) VALUES ($1, $2, $3)`,
		event, domain.AuditSessionID(detail), raw,
	); err != nil {
		return fmt.Errorf("postgres: audit %s: %w", event, err)
	}
	return nil
}

// List returns every event in the window, newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query, args := auditQuery("", opts)
	return s.query(ctx, "list audit log", query, args)
}

// ListBySession returns the events recorded for one session, newest first.
func (s *AuditStore) ListBySession(ctx context.Context, sessionID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query, args := auditQuery(sessionID, opts)
	return s.query(ctx, "audit trail of session "+sessionID, query, args)
}

// auditQuery builds the select for List and ListBySession. An empty
// sessionID matches every row.
func auditQuery(sessionID string, opts domain.ListOpts) (string, []any) {
	query := `SELECT id, event, session_id, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	if sessionID != "" {
		args = append(args, sessionID)
		query += fmt.Sprintf(" AND session_id = $%d", len(args))
	}
	return pageClause(query, args, "created_at", "id DESC", opts.Limit, opts.Offset, opts.Since, opts.Until)
}

func (s *AuditStore) query(ctx context.Context, what, query string, args []any) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", what, err)
	}
	defer rows.Close()

	entries := []domain.AuditEntry{}
	for rows.Next() {
		var (
			e   domain.AuditEntry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.Event, &e.SessionID, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", what, err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: %s: detail of entry %d: %w", what, e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", what, err)
	}
	return entries, nil
}
