package domain

import "github.com/shopspring/decimal"

// Position aggregates the wagers placed on one market.
type Position struct {
	MarketID     string          `json:"market_id"`
	YesAmount    decimal.Decimal `json:"yes_amount"`
	NoAmount     decimal.Decimal `json:"no_amount"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	PotentialWin decimal.Decimal `json:"potential_win"`
}

// Add folds a new bet into the position.
func (p Position) Add(b Bet) Position {
	p.MarketID = b.MarketID
	switch b.Outcome {
	case OutcomeYes:
		p.YesAmount = p.YesAmount.Add(b.Amount)
	case OutcomeNo:
		p.NoAmount = p.NoAmount.Add(b.Amount)
	}
	p.TotalAmount = p.TotalAmount.Add(b.Amount)
	p.PotentialWin = p.PotentialWin.Add(b.PotentialPayout)
	return p
}
