package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// MarketStore implements domain.MarketStore on SQLite.
type MarketStore struct {
	db *gorm.DB
}

// NewMarketStore creates a MarketStore on db.
func NewMarketStore(db *gorm.DB) *MarketStore {
	return &MarketStore{db: db}
}

// Upsert inserts or replaces a market snapshot.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	now := time.Now().UTC()
	row := marketRow{
		ID:          m.ID,
		Question:    m.Question,
		Description: m.Description,
		Category:    m.Category,
		Status:      string(m.Status),
		YesOdds:     m.YesOdds,
		NoOdds:      m.NoOdds,
		StartTime:   m.StartTime,
		EndTime:     m.EndTime,
		Result:      string(m.Result),
		TotalVolume: m.TotalVolume.String(),
		BetCount:    m.BetCount,
		AutoResolve: m.AutoResolve,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"question", "description", "category", "status",
			"yes_odds", "no_odds", "start_time", "end_time", "result",
			"total_volume", "bet_count", "auto_resolve", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("sqlite: upsert market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID returns the market with the given id.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	var row marketRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Market{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("sqlite: get market %s: %w", id, err)
	}
	return row.toDomain(), nil
}

// List returns markets, newest start first.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	var rows []marketRow
	q := page(s.db.WithContext(ctx).Order("start_time DESC").Order("id"), "start_time",
		opts.Limit, opts.Offset, opts.Since, opts.Until)
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list markets: %w", err)
	}
	out := make([]domain.Market, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (r marketRow) toDomain() domain.Market {
	return domain.Market{
		ID:          r.ID,
		Question:    r.Question,
		Description: r.Description,
		Category:    r.Category,
		Status:      domain.MarketStatus(r.Status),
		YesOdds:     r.YesOdds,
		NoOdds:      r.NoOdds,
		StartTime:   r.StartTime.UTC(),
		EndTime:     r.EndTime.UTC(),
		Result:      domain.Outcome(r.Result),
		TotalVolume: dec(r.TotalVolume),
		BetCount:    r.BetCount,
		AutoResolve: r.AutoResolve,
	}
}
