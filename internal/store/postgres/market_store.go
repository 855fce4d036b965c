package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a MarketStore backed by pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, question, description, category, status,
	yes_odds, no_odds, start_time, end_time, result,
	total_volume::text, bet_count, auto_resolve`

// Upsert inserts or updates a market snapshot.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, question, description, category, status,
			yes_odds, no_odds, start_time, end_time, result,
			total_volume, bet_count, auto_resolve, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11::numeric, $12, $13, NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			question     = EXCLUDED.question,
			description  = EXCLUDED.description,
			category     = EXCLUDED.category,
			status       = EXCLUDED.status,
			yes_odds     = EXCLUDED.yes_odds,
			no_odds      = EXCLUDED.no_odds,
			start_time   = EXCLUDED.start_time,
			end_time     = EXCLUDED.end_time,
			result       = EXCLUDED.result,
			total_volume = EXCLUDED.total_volume,
			bet_count    = EXCLUDED.bet_count,
			auto_resolve = EXCLUDED.auto_resolve,
			updated_at   = NOW()`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Question, m.Description, m.Category, string(m.Status),
		m.YesOdds, m.NoOdds, m.StartTime, m.EndTime, string(m.Result),
		m.TotalVolume.String(), m.BetCount, m.AutoResolve,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
	}
	return nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status, result, volume string
	err := row.Scan(
		&m.ID, &m.Question, &m.Description, &m.Category, &status,
		&m.YesOdds, &m.NoOdds, &m.StartTime, &m.EndTime, &result,
		&volume, &m.BetCount, &m.AutoResolve,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.Result = domain.Outcome(result)
	m.TotalVolume = dec(volume)
	return m, nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// List returns markets, newest start first.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query, args := pageClause(`SELECT `+marketCols+` FROM markets WHERE 1=1`, nil,
		"start_time", "start_time DESC, id", opts.Limit, opts.Offset, opts.Since, opts.Until)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, nil
}
