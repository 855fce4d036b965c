package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// uniqueViolation is the SQLSTATE of a duplicate key.
const uniqueViolation = "23505"

// BetStore implements domain.BetStore using PostgreSQL.
type BetStore struct {
	pool *pgxpool.Pool
}

// NewBetStore creates a BetStore backed by pool.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

// Insert records a newly placed bet under sessionID.
func (s *BetStore) Insert(ctx context.Context, sessionID string, b domain.Bet) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bets (id, session_id, market_id, outcome, amount, odds_at_placement, potential_payout, placed_at, settled, won)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::numeric, $8, $9, $10)`,
		b.ID, sessionID, b.MarketID, string(b.Outcome), b.Amount.String(),
		b.OddsAtPlacement, b.PotentialPayout.String(), b.PlacedAt, b.Settled, b.Won,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: insert bet %s: %w", b.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert bet %s: %w", b.ID, err)
	}
	return nil
}

// MarkSettled writes the resolution of an unsettled bet.
func (s *BetStore) MarkSettled(ctx context.Context, betID string, won bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bets SET settled = TRUE, won = $2 WHERE id = $1 AND NOT settled`, betID, won)
	if err != nil {
		return fmt.Errorf("postgres: settle bet %s: %w", betID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: settle bet %s: %w", betID, domain.ErrNotFound)
	}
	return nil
}

// ListBySession returns the bets of a session, newest first.
func (s *BetStore) ListBySession(ctx context.Context, sessionID string, opts domain.ListOpts) ([]domain.Bet, error) {
	return s.list(ctx, "session_id", sessionID, opts)
}

// ListByMarket returns the bets on a market, newest first.
func (s *BetStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Bet, error) {
	return s.list(ctx, "market_id", marketID, opts)
}

func (s *BetStore) list(ctx context.Context, column, value string, opts domain.ListOpts) ([]domain.Bet, error) {
	query, args := pageClause(`
		SELECT id, market_id, outcome, amount::text, odds_at_placement, potential_payout::text, placed_at, settled, won
		FROM bets WHERE `+column+` = $1`, []any{value},
		"placed_at", "placed_at DESC, id", opts.Limit, opts.Offset, opts.Since, opts.Until)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets by %s: %w", column, err)
	}
	defer rows.Close()

	bets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Bet, error) {
		var b domain.Bet
		var outcome, amount, payout string
		err := row.Scan(&b.ID, &b.MarketID, &outcome, &amount, &b.OddsAtPlacement, &payout, &b.PlacedAt, &b.Settled, &b.Won)
		b.Outcome = domain.Outcome(outcome)
		b.Amount = dec(amount)
		b.PotentialPayout = dec(payout)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan bets: %w", err)
	}
	return bets, nil
}
