package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/alanyoungcy/yellowbet/internal/ledger"
	"github.com/shopspring/decimal"
)

// SessionSource names the session bets are recorded against and reports
// whether it is Active.
type SessionSource interface {
	ID() string
	Active() bool
}

// WagerLimit caps how many wagers one session may place per window. A zero
// Count disables the limit.
type WagerLimit struct {
	Count  int
	Window time.Duration
}

// WagerService places and resolves wagers on the ledger and records them.
type WagerService struct {
	ledger  *ledger.Ledger
	session SessionSource
	bets    domain.BetStore
	markets *MarketService
	limiter domain.RateLimiter
	limit   WagerLimit
	emit    emitter
	logger  *slog.Logger
}

// NewWagerService creates a WagerService. limiter and markets may be nil.
func NewWagerService(
	l *ledger.Ledger,
	session SessionSource,
	bets domain.BetStore,
	markets *MarketService,
	limiter domain.RateLimiter,
	limit WagerLimit,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *WagerService {
	logger = logger.With(slog.String("component", "wager_service"))
	return &WagerService{
		ledger:  l,
		session: session,
		bets:    bets,
		markets: markets,
		limiter: limiter,
		limit:   limit,
		emit:    emitter{bus: bus, audit: audit, logger: logger},
		logger:  logger,
	}
}

// PlaceWager stakes amount on outcome in marketID against the open session.
func (s *WagerService) PlaceWager(ctx context.Context, marketID string, outcome domain.Outcome, amount decimal.Decimal) (domain.Bet, error) {
	if !s.session.Active() {
		return domain.Bet{}, fmt.Errorf("wager_service: place: %w", domain.ErrNoSession)
	}
	sessionID := s.session.ID()

	if s.limiter != nil && s.limit.Count > 0 {
		ok, err := s.limiter.Allow(ctx, "wager:"+sessionID, s.limit.Count, s.limit.Window)
		if err != nil {
			// Fail open.
			s.logger.WarnContext(ctx, "wager_service: rate limiter unavailable", slog.String("error", err.Error()))
		} else if !ok {
			return domain.Bet{}, fmt.Errorf("wager_service: place: %d wagers per %s: %w", s.limit.Count, s.limit.Window, domain.ErrRateLimited)
		}
	}

	bet, err := s.ledger.PlaceWager(marketID, outcome, amount)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("wager_service: place: %w", err)
	}

	if err := s.bets.Insert(ctx, sessionID, bet); err != nil {
		s.logger.ErrorContext(ctx, "wager_service: persist bet failed",
			slog.String("bet_id", bet.ID),
			slog.String("error", err.Error()),
		)
	}
	if s.markets != nil {
		s.markets.syncOne(ctx, bet.MarketID)
	}

	bal := s.ledger.Balance()
	data := map[string]any{"bet": bet, "balance": bal}
	s.emit.publish(ctx, domain.ChannelBets, EventBetPlaced, data)
	s.emit.journal(ctx, EventBetPlaced, data)
	s.emit.record(ctx, EventBetPlaced, map[string]any{
		"session_id": sessionID,
		"bet_id":     bet.ID,
		"market":     bet.MarketID,
		"outcome":    string(bet.Outcome),
		"amount":     bet.Amount.String(),
		"odds":       bet.OddsAtPlacement,
	})

	s.logger.InfoContext(ctx, "wager_service: bet placed",
		slog.String("bet_id", bet.ID),
		slog.String("market", bet.MarketID),
		slog.String("outcome", string(bet.Outcome)),
		slog.String("amount", bet.Amount.String()),
		slog.Float64("odds", bet.OddsAtPlacement),
	)
	return bet, nil
}

// ResolveMarket settles marketID with outcome. It has the shape of
// ledger.ResolveFunc so the sweeper can route resolutions through it.
func (s *WagerService) ResolveMarket(ctx context.Context, marketID string, outcome domain.Outcome) (domain.Resolution, error) {
	res, err := s.ledger.ResolveMarket(marketID, outcome)
	if err != nil {
		return res, fmt.Errorf("wager_service: resolve %s: %w", marketID, err)
	}
	if !res.Applied {
		return res, nil
	}

	for _, b := range s.ledger.Bets() {
		if b.MarketID != marketID || !b.Settled || b.Won == nil {
			continue
		}
		if err := s.bets.MarkSettled(ctx, b.ID, *b.Won); err != nil {
			s.logger.WarnContext(ctx, "wager_service: mark settled failed",
				slog.String("bet_id", b.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.markets != nil {
		s.markets.syncOne(ctx, marketID)
	}

	s.emit.publish(ctx, domain.ChannelMarkets, EventMarketResolved, res)
	s.emit.publish(ctx, domain.ChannelBalance, EventMarketResolved, res.Balance)
	s.emit.journal(ctx, EventMarketResolved, res)
	detail := map[string]any{
		"market":         marketID,
		"outcome":        string(outcome),
		"settled_bets":   res.SettledBets,
		"total_winnings": res.TotalWinnings.String(),
		"locked_release": res.LockedRelease.String(),
	}
	// Resolutions that settled wagers belong to the session's trail.
	if id := s.session.ID(); id != "" && res.SettledBets > 0 {
		detail["session_id"] = id
	}
	s.emit.record(ctx, EventMarketResolved, detail)

	s.logger.InfoContext(ctx, "wager_service: market resolved",
		slog.String("market", marketID),
		slog.String("outcome", string(outcome)),
		slog.Int("settled_bets", res.SettledBets),
		slog.String("winnings", res.TotalWinnings.String()),
	)
	return res, nil
}

// Balance returns the ledger balance.
func (s *WagerService) Balance() domain.Balance { return s.ledger.Balance() }

// Bets returns the wagers of the running ledger.
func (s *WagerService) Bets() []domain.Bet { return s.ledger.Bets() }

// Positions returns per-market positions.
func (s *WagerService) Positions() []domain.Position { return s.ledger.Positions() }

// History returns the persisted wagers of a session.
func (s *WagerService) History(ctx context.Context, sessionID string, opts domain.ListOpts) ([]domain.Bet, error) {
	bets, err := s.bets.ListBySession(ctx, sessionID, opts)
	if err != nil {
		return nil, fmt.Errorf("wager_service: history %q: %w", sessionID, err)
	}
	return bets, nil
}

// ClearHistory drops settled wagers from the ledger. Persisted history is
// kept.
func (s *WagerService) ClearHistory(ctx context.Context) int {
	n := s.ledger.ClearHistory()
	s.emit.publish(ctx, domain.ChannelBets, EventHistoryCleared, map[string]int{"removed": n})
	s.emit.record(ctx, EventHistoryCleared, map[string]any{"removed": n})
	return n
}
