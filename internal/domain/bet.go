package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bet is a single wager. Everything but Settled and Won is immutable once
// the bet is placed; those two are written exactly once on resolution.
type Bet struct {
	ID              string          `json:"id"`
	MarketID        string          `json:"market_id"`
	Outcome         Outcome         `json:"outcome"`
	Amount          decimal.Decimal `json:"amount"`
	OddsAtPlacement float64         `json:"odds_at_placement"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	PlacedAt        time.Time       `json:"placed_at"`
	Settled         bool            `json:"settled"`
	Won             *bool           `json:"won,omitempty"`
}

// Payout computes amount * 100 / odds, the gross return of a winning bet
// placed at the given implied probability.
func Payout(amount decimal.Decimal, odds float64) decimal.Decimal {
	if odds <= 0 {
		return decimal.Zero
	}
	return amount.Mul(decimal.NewFromInt(100)).Div(decimal.NewFromFloat(odds))
}

// IsWinner reports whether the bet settled as a win.
func (b Bet) IsWinner() bool {
	return b.Settled && b.Won != nil && *b.Won
}
