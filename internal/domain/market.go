package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusUpcoming MarketStatus = "UPCOMING"
	MarketStatusLive     MarketStatus = "LIVE"
	MarketStatusClosed   MarketStatus = "CLOSED"
	MarketStatusSettled  MarketStatus = "SETTLED"
)

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeNone Outcome = ""
	OutcomeYes  Outcome = "YES"
	OutcomeNo   Outcome = "NO"
)

// Valid reports whether o is YES or NO.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Opposite returns the other side of the market.
func (o Outcome) Opposite() Outcome {
	switch o {
	case OutcomeYes:
		return OutcomeNo
	case OutcomeNo:
		return OutcomeYes
	default:
		return OutcomeNone
	}
}

// Market is a binary-outcome proposition wagered against the session
// balance. Odds are implied probabilities in percent.
type Market struct {
	ID          string          `json:"id"`
	Question    string          `json:"question"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Status      MarketStatus    `json:"status"`
	YesOdds     float64         `json:"yes_odds"`
	NoOdds      float64         `json:"no_odds"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time"`
	Result      Outcome         `json:"result,omitempty"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	BetCount    int             `json:"bet_count"`
	AutoResolve bool            `json:"auto_resolve"`
}

// OddsFor returns the current odds of the given side.
func (m Market) OddsFor(o Outcome) float64 {
	if o == OutcomeYes {
		return m.YesOdds
	}
	return m.NoOdds
}

// Expired reports whether the market is live and past its end time.
func (m Market) Expired(now time.Time) bool {
	return m.Status == MarketStatusLive && !m.EndTime.IsZero() && !now.Before(m.EndTime)
}
