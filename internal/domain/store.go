package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market snapshots.
type MarketStore interface {
	Upsert(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, opts ListOpts) ([]Market, error)
}

// BetStore persists the wager history.
type BetStore interface {
	Insert(ctx context.Context, sessionID string, bet Bet) error
	MarkSettled(ctx context.Context, betID string, won bool) error
	ListBySession(ctx context.Context, sessionID string, opts ListOpts) ([]Bet, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Bet, error)
}

// SessionStore persists session attempts.
type SessionStore interface {
	Create(ctx context.Context, rec SessionRecord) error
	Update(ctx context.Context, rec SessionRecord) error
	GetByID(ctx context.Context, id string) (SessionRecord, error)
	GetByChannel(ctx context.Context, channelID string) (SessionRecord, error)
	ListByWallet(ctx context.Context, wallet string, opts ListOpts) ([]SessionRecord, error)
	ListByStatus(ctx context.Context, status SessionStatus) ([]SessionRecord, error)
}

// AuditEntry is a single audit log row. SessionID is lifted from the
// detail's "session_id" so a session's trail can be queried directly.
type AuditEntry struct {
	ID        int64
	Event     string
	SessionID string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditSessionID returns the session a detail map belongs to, or "".
func AuditSessionID(detail map[string]any) string {
	id, _ := detail["session_id"].(string)
	return id
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBySession(ctx context.Context, sessionID string, opts ListOpts) ([]AuditEntry, error)
}
