package sqlite

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// BetStore implements domain.BetStore on SQLite.
type BetStore struct {
	db *gorm.DB
}

// NewBetStore creates a BetStore on db.
func NewBetStore(db *gorm.DB) *BetStore {
	return &BetStore{db: db}
}

// Insert records a newly placed bet under sessionID.
func (s *BetStore) Insert(ctx context.Context, sessionID string, b domain.Bet) error {
	row := betRow{
		ID:              b.ID,
		SessionID:       sessionID,
		MarketID:        b.MarketID,
		Outcome:         string(b.Outcome),
		Amount:          b.Amount.String(),
		OddsAtPlacement: b.OddsAtPlacement,
		PotentialPayout: b.PotentialPayout.String(),
		PlacedAt:        b.PlacedAt,
		Settled:         b.Settled,
		Won:             b.Won,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("sqlite: insert bet %s: %w", b.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: insert bet %s: %w", b.ID, err)
	}
	return nil
}

// MarkSettled writes the resolution of a bet. A bet settles once.
func (s *BetStore) MarkSettled(ctx context.Context, betID string, won bool) error {
	res := s.db.WithContext(ctx).Model(&betRow{}).
		Where("id = ? AND settled = ?", betID, false).
		Updates(map[string]any{"settled": true, "won": won})
	if res.Error != nil {
		return fmt.Errorf("sqlite: settle bet %s: %w", betID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sqlite: settle bet %s: %w", betID, domain.ErrNotFound)
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
	var rows []betRow
	q := s.db.WithContext(ctx).Where(column+" = ?", value).Order("placed_at DESC").Order("id")
	q = page(q, "placed_at", opts.Limit, opts.Offset, opts.Since, opts.Until)
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list bets by %s: %w", column, err)
	}
	out := make([]domain.Bet, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Bet{
			ID:              r.ID,
			MarketID:        r.MarketID,
			Outcome:         domain.Outcome(r.Outcome),
			Amount:          dec(r.Amount),
			OddsAtPlacement: r.OddsAtPlacement,
			PotentialPayout: dec(r.PotentialPayout),
			PlacedAt:        r.PlacedAt.UTC(),
			Settled:         r.Settled,
			Won:             r.Won,
		})
	}
	return out, nil
}
