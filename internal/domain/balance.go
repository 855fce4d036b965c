package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Balance is the off-chain ledger account for the active session.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Total     decimal.Decimal `json:"total"`
}

// NewBalance returns a balance holding deposit entirely as available funds.
func NewBalance(deposit decimal.Decimal) Balance {
	return Balance{Available: deposit, Locked: decimal.Zero, Total: deposit}
}

// Check verifies total == available + locked and that neither bucket is
// negative.
func (b Balance) Check() error {
	if b.Available.IsNegative() {
		return fmt.Errorf("balance: available %s is negative", b.Available)
	}
	if b.Locked.IsNegative() {
		return fmt.Errorf("balance: locked %s is negative", b.Locked)
	}
	if !b.Total.Equal(b.Available.Add(b.Locked)) {
		return fmt.Errorf("balance: total %s != available %s + locked %s", b.Total, b.Available, b.Locked)
	}
	return nil
}

// Settlement summarises settled bets aggregated at session close.
type Settlement struct {
	TotalWinnings decimal.Decimal `json:"total_winnings"`
	TotalLosses   decimal.Decimal `json:"total_losses"`
	Net           decimal.Decimal `json:"net"`
	Bets          []Bet           `json:"bets"`
}

// Resolution is the outcome of resolving one market.
type Resolution struct {
	Applied       bool            `json:"applied"`
	MarketID      string          `json:"market_id"`
	Outcome       Outcome         `json:"outcome"`
	SettledBets   int             `json:"settled_bets"`
	LockedRelease decimal.Decimal `json:"locked_release"`
	TotalWinnings decimal.Decimal `json:"total_winnings"`
	Balance       Balance         `json:"balance"`
}
