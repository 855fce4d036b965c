// Package service wraps the session manager and the ledger with
// persistence, bus events, audit logging and operator notifications.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// Event names published on the bus and written to the audit log.
const (
	EventSessionTransition = "session_transition"
	EventSessionOpened     = "session_opened"
	EventSessionFailed     = "session_failed"
	EventSessionClosed     = "session_closed"
	EventSessionPending    = "session_close_pending"
	EventSessionDiscarded  = "session_discarded"
	EventNodeBalance       = "node_balance"
	EventBetPlaced         = "bet_placed"
	EventMarketResolved    = "market_resolved"
	EventMarketAdded       = "market_added"
	EventMarketLive        = "market_live"
	EventMarketsReset      = "markets_reset"
	EventHistoryCleared    = "history_cleared"
)

// Event is the envelope of every bus message.
type Event struct {
	Event string    `json:"event"`
	At    time.Time `json:"at"`
	Data  any       `json:"data"`
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// emitter publishes events and audit entries. Failures are logged and
// never surface to the caller.
type emitter struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier
	logger   *slog.Logger
}

func (e emitter) publish(ctx context.Context, channel, event string, data any) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(Event{Event: event, At: time.Now().UTC(), Data: data})
	if err != nil {
		e.logger.WarnContext(ctx, "service: marshal event failed", slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	if err := e.bus.Publish(ctx, channel, payload); err != nil {
		e.logger.WarnContext(ctx, "service: publish event failed",
			slog.String("event", event),
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// journal appends to the durable ledger stream.
func (e emitter) journal(ctx context.Context, event string, data any) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(Event{Event: event, At: time.Now().UTC(), Data: data})
	if err != nil {
		return
	}
	if err := e.bus.StreamAppend(ctx, domain.StreamLedger, payload); err != nil {
		e.logger.WarnContext(ctx, "service: journal append failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e emitter) record(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e emitter) notify(ctx context.Context, event, title, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "service: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
