package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/alanyoungcy/yellowbet/internal/platform/clearnode"
	"github.com/alanyoungcy/yellowbet/internal/session"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// lockMargin pads the per-wallet lock beyond the connect deadline.
const lockMargin = 15 * time.Second

// BetSource lists the wagers of the running ledger.
type BetSource interface {
	Bets() []domain.Bet
}

// SessionService opens and closes sessions and keeps their history.
type SessionService struct {
	mgr      *session.Manager
	bets     BetSource
	sessions domain.SessionStore
	locks    domain.LockManager
	archiver domain.Archiver
	emit     emitter
	logger   *slog.Logger

	mu      sync.Mutex
	current *domain.SessionRecord
}

// NewSessionService creates a SessionService. locks and archiver may be
// nil.
func NewSessionService(
	mgr *session.Manager,
	bets BetSource,
	sessions domain.SessionStore,
	locks domain.LockManager,
	archiver domain.Archiver,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier Notifier,
	logger *slog.Logger,
) *SessionService {
	logger = logger.With(slog.String("component", "session_service"))
	s := &SessionService{
		mgr:      mgr,
		bets:     bets,
		sessions: sessions,
		locks:    locks,
		archiver: archiver,
		emit:     emitter{bus: bus, audit: audit, notifier: notifier, logger: logger},
		logger:   logger,
	}
	mgr.OnTransition(s.onTransition)
	mgr.OnNotification(s.onNodePush)
	return s
}

// Status returns the live session snapshot.
func (s *SessionService) Status() domain.Session {
	return s.mgr.Snapshot()
}

// Current returns the record of the most recent session attempt.
func (s *SessionService) Current() (domain.SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.SessionRecord{}, false
	}
	return *s.current, true
}

// History lists past sessions of wallet.
func (s *SessionService) History(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.SessionRecord, error) {
	recs, err := s.sessions.ListByWallet(ctx, wallet, opts)
	if err != nil {
		return nil, fmt.Errorf("session_service: history for %q: %w", wallet, err)
	}
	return recs, nil
}

// Trail returns the audit events recorded for session id, newest first.
func (s *SessionService) Trail(ctx context.Context, id string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if s.emit.audit == nil {
		return []domain.AuditEntry{}, nil
	}
	entries, err := s.emit.audit.ListBySession(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("session_service: trail of %q: %w", id, err)
	}
	return entries, nil
}

// Pending lists sessions whose channel close never confirmed.
func (s *SessionService) Pending(ctx context.Context) ([]domain.SessionRecord, error) {
	recs, err := s.sessions.ListByStatus(ctx, domain.SessionStatusClosePending)
	if err != nil {
		return nil, fmt.Errorf("session_service: list close pending: %w", err)
	}
	return recs, nil
}

// Open opens a session funded with deposit.
func (s *SessionService) Open(ctx context.Context, deposit decimal.Decimal) (domain.Session, error) {
	wallet := s.mgr.Wallet()
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "session:"+wallet, s.mgr.Config().ConnectTimeout+lockMargin)
		if err != nil {
			return s.mgr.Snapshot(), fmt.Errorf("session_service: lock wallet %s: %w", wallet, err)
		}
		defer unlock()
	}

	now := time.Now().UTC()
	rec := domain.SessionRecord{
		ID:        uuid.NewString(),
		Wallet:    wallet,
		Deposit:   deposit,
		CreatedAt: now,
		UpdatedAt: now,
	}

	snap, err := s.mgr.Open(ctx, deposit)
	var ferr *session.FailedError
	if err != nil && !errors.As(err, &ferr) {
		// Rejected before any handshake: nothing to record.
		return snap, fmt.Errorf("session_service: open: %w", err)
	}

	if ferr != nil {
		rec.Status = domain.SessionStatusFailed
		rec.FailReason = ferr.Kind
		rec.FailMessage = ferr.Message
		rec.ChannelID = snap.ChannelID
		s.insert(ctx, &rec)

		s.emit.record(ctx, EventSessionFailed, map[string]any{
			"session_id": rec.ID,
			"wallet":     wallet,
			"state":      string(ferr.State),
			"kind":       string(ferr.Kind),
			"message":    ferr.Message,
		})
		s.emit.notify(ctx, EventSessionFailed, "Session failed",
			fmt.Sprintf("Opening %s for %s failed in %s: %s", deposit, wallet, ferr.State, ferr.Kind))
		return snap, fmt.Errorf("session_service: open: %w", err)
	}

	rec.Status = domain.SessionStatusActive
	rec.ChannelID = snap.ChannelID
	s.insert(ctx, &rec)

	s.emit.publish(ctx, domain.ChannelSession, EventSessionOpened, snap)
	s.emit.record(ctx, EventSessionOpened, map[string]any{
		"session_id": rec.ID,
		"wallet":     wallet,
		"channel_id": snap.ChannelID,
		"deposit":    deposit.String(),
	})
	s.emit.notify(ctx, EventSessionOpened, "Session opened",
		fmt.Sprintf("Channel %s funded with %s", snap.ChannelID, deposit))

	s.logger.InfoContext(ctx, "session_service: session opened",
		slog.String("session_id", rec.ID),
		slog.String("channel_id", snap.ChannelID),
		slog.String("deposit", deposit.String()),
	)
	return snap, nil
}

// Close closes the active session and archives its settlement report.
func (s *SessionService) Close(ctx context.Context) (domain.CloseResult, error) {
	rec, ok := s.Current()
	if !ok || rec.Status != domain.SessionStatusActive {
		return domain.CloseResult{}, fmt.Errorf("session_service: close: %w", domain.ErrNoSession)
	}
	res, err := s.mgr.Close(ctx)
	if err != nil {
		var ferr *session.FailedError
		if !errors.As(err, &ferr) {
			return res, fmt.Errorf("session_service: close: %w", err)
		}
		rec.Status = domain.SessionStatusClosePending
		rec.FailReason = ferr.Kind
		rec.FailMessage = ferr.Message
		rec.TotalWinnings = res.Settlement.TotalWinnings
		rec.TotalLosses = res.Settlement.TotalLosses
		rec.CloseTxHash = res.TxHash
		s.save(ctx, &rec)

		s.emit.publish(ctx, domain.ChannelSession, EventSessionPending, map[string]any{
			"session_id": rec.ID,
			"channel_id": rec.ChannelID,
			"kind":       ferr.Kind,
		})
		s.emit.record(ctx, EventSessionPending, map[string]any{
			"session_id": rec.ID,
			"channel_id": rec.ChannelID,
			"kind":       string(ferr.Kind),
			"message":    ferr.Message,
		})
		s.emit.notify(ctx, EventSessionPending, "Channel close pending",
			fmt.Sprintf("Closing channel %s failed (%s); the channel needs attention.", rec.ChannelID, ferr.Kind))
		return res, fmt.Errorf("session_service: close: %w", err)
	}

	bets := s.bets.Bets()
	closedAt := time.Now().UTC()
	rec.Status = domain.SessionStatusClosed
	rec.FinalBalance = res.FinalBalance.Total
	rec.TotalWinnings = res.Settlement.TotalWinnings
	rec.TotalLosses = res.Settlement.TotalLosses
	rec.CloseTxHash = res.TxHash
	rec.ClosedAt = &closedAt

	if s.archiver != nil {
		path, aerr := s.archiver.ArchiveSettlement(ctx, domain.SettlementReport{
			SessionID:    rec.ID,
			Wallet:       rec.Wallet,
			ChannelID:    res.ChannelID,
			TxHash:       res.TxHash,
			Deposit:      rec.Deposit.String(),
			Settlement:   res.Settlement,
			FinalBalance: res.FinalBalance,
			Bets:         bets,
			ClosedAt:     closedAt,
		})
		if aerr != nil {
			s.logger.WarnContext(ctx, "session_service: archive settlement failed",
				slog.String("session_id", rec.ID),
				slog.String("error", aerr.Error()),
			)
		}
		rec.ReportPath = path
	}
	s.save(ctx, &rec)

	s.emit.publish(ctx, domain.ChannelSession, EventSessionClosed, res)
	s.emit.record(ctx, EventSessionClosed, map[string]any{
		"session_id":     rec.ID,
		"channel_id":     res.ChannelID,
		"tx":             res.TxHash,
		"final_balance":  res.FinalBalance.Total.String(),
		"total_winnings": res.Settlement.TotalWinnings.String(),
		"total_losses":   res.Settlement.TotalLosses.String(),
		"net":            res.Settlement.Net.String(),
	})
	s.emit.notify(ctx, EventSessionClosed, "Session settled",
		fmt.Sprintf("Channel %s closed. Final balance %s (net %s).", res.ChannelID, res.FinalBalance.Total, res.Settlement.Net))

	s.logger.InfoContext(ctx, "session_service: session closed",
		slog.String("session_id", rec.ID),
		slog.String("channel_id", res.ChannelID),
		slog.String("final_balance", res.FinalBalance.Total.String()),
	)
	return res, nil
}

// Discard abandons a failed session and releases whatever the ledger still
// holds.
func (s *SessionService) Discard(ctx context.Context) (domain.Balance, error) {
	bal, err := s.mgr.Discard()
	if err != nil {
		return bal, fmt.Errorf("session_service: discard: %w", err)
	}
	detail := map[string]any{"drained": bal.Total.String()}
	if rec, ok := s.Current(); ok {
		detail["session_id"] = rec.ID
		detail["channel_id"] = rec.ChannelID
		if rec.Status == domain.SessionStatusActive || rec.Status == domain.SessionStatusOpening {
			rec.Status = domain.SessionStatusFailed
			s.save(ctx, &rec)
		}
	}
	s.emit.publish(ctx, domain.ChannelSession, EventSessionDiscarded, detail)
	s.emit.record(ctx, EventSessionDiscarded, detail)
	return bal, nil
}

// Active reports whether the channel is open and accepting wagers.
func (s *SessionService) Active() bool {
	return s.mgr.Snapshot().State == domain.StateActive
}

// ID returns the id of the current session record, or "".
func (s *SessionService) ID() string {
	rec, ok := s.Current()
	if !ok {
		return ""
	}
	return rec.ID
}

func (s *SessionService) insert(ctx context.Context, rec *domain.SessionRecord) {
	if err := s.sessions.Create(ctx, *rec); err != nil {
		s.logger.ErrorContext(ctx, "session_service: create record failed",
			slog.String("session_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
	s.setCurrent(*rec)
}

func (s *SessionService) setCurrent(rec domain.SessionRecord) {
	s.mu.Lock()
	s.current = &rec
	s.mu.Unlock()
}

func (s *SessionService) save(ctx context.Context, rec *domain.SessionRecord) {
	rec.UpdatedAt = time.Now().UTC()
	if err := s.sessions.Update(ctx, *rec); err != nil {
		s.logger.ErrorContext(ctx, "session_service: update record failed",
			slog.String("session_id", rec.ID),
			slog.String("status", string(rec.Status)),
			slog.String("error", err.Error()),
		)
	}
	s.setCurrent(*rec)
}

func (s *SessionService) onTransition(t session.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data := map[string]any{
		"from":    t.From,
		"to":      t.To,
		"session": t.Session,
	}
	if t.Err != nil {
		data["error"] = t.Err.Error()
	}
	s.emit.publish(ctx, domain.ChannelSession, EventSessionTransition, data)
}

func (s *SessionService) onNodePush(n clearnode.Notification) {
	if n.Method != clearnode.MethodBalanceUpdate && n.Method != clearnode.MethodChannelUpdate {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.emit.publish(ctx, domain.ChannelBalance, EventNodeBalance, map[string]any{
		"method":  n.Method,
		"payload": n.Payload,
	})
}
