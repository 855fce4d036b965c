// Package ledger is the off-chain account of an open session: its balance,
// the markets it can wager on, the wagers placed and their resolution.
package ledger

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config tunes the odds adjustment applied after every wager.
type Config struct {
	// OddsStepDown is subtracted from the chosen side's odds.
	OddsStepDown float64
	// OddsStepUp is added to the other side's odds.
	OddsStepUp float64
	// OddsFloor bounds the chosen side from below.
	OddsFloor float64
	// OddsCeiling bounds the other side from above.
	OddsCeiling float64
}

// DefaultConfig returns the standard odds nudge: -2 floored at 20 on the
// chosen side, +1 capped at 80 on the other.
func DefaultConfig() Config {
	return Config{
		OddsStepDown: 2,
		OddsStepUp:   1,
		OddsFloor:    20,
		OddsCeiling:  80,
	}
}

// Ledger holds the balance, markets and wagers of the running client. All
// methods are safe for concurrent use; every mutation runs in a single
// critical section so no intermediate state is observable.
type Ledger struct {
	mu  sync.Mutex
	cfg Config

	open    bool
	frozen  bool
	balance domain.Balance

	markets map[string]*domain.Market
	order   []string
	catalog Catalog

	bets       []domain.Bet
	positions  map[string]domain.Position
	aggregated map[string]struct{}

	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Catalog produces the seed markets, with times relative to now.
type Catalog interface {
	Markets(now time.Time) []domain.Market
}

// StaticCatalog is a Catalog that always returns the same markets.
type StaticCatalog []domain.Market

// Markets implements Catalog.
func (c StaticCatalog) Markets(time.Time) []domain.Market {
	return append([]domain.Market(nil), c...)
}

// New creates a ledger loaded with the catalog's markets. ResetMarkets
// reloads them.
func New(cfg Config, catalog Catalog, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = StaticCatalog(nil)
	}
	l := &Ledger{
		cfg:        cfg,
		balance:    domain.NewBalance(decimal.Zero),
		catalog:    catalog,
		positions:  make(map[string]domain.Position),
		aggregated: make(map[string]struct{}),
		logger:     logger.With(slog.String("component", "ledger")),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.NewString() },
	}
	l.loadCatalogLocked(catalog.Markets(l.now()))
	return l
}

// Open seeds the balance with deposit. It fails if the ledger is already
// open.
func (l *Ledger) Open(deposit decimal.Decimal) error {
	if !deposit.IsPositive() {
		return fmt.Errorf("ledger: open with %s: %w", deposit, domain.ErrInvalidDeposit)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open {
		return fmt.Errorf("ledger: open: %w", domain.ErrSessionActive)
	}
	l.open = true
	l.frozen = false
	l.balance = domain.NewBalance(deposit)

	l.logger.Info("ledger: opened", slog.String("deposit", deposit.String()))
	return nil
}

// IsOpen reports whether a session balance is loaded.
func (l *Ledger) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Freeze stops new wagers until the ledger is drained or reopened.
// Resolutions still apply so locked stakes can be released.
func (l *Ledger) Freeze() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open && !l.frozen {
		l.frozen = true
		l.logger.Info("ledger: frozen for settlement")
	}
}

// Drain closes the ledger and returns the final balance. Wagers still
// unsettled are voided: their stake is part of the returned total and they
// are marked settled with no winner so a later resolution cannot touch the
// zeroed balance.
func (l *Ledger) Drain() domain.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()

	final := l.balance
	voided := 0
	for i := range l.bets {
		if !l.bets[i].Settled {
			l.bets[i].Settled = true
			l.bets[i].Won = nil
			l.aggregated[l.bets[i].ID] = struct{}{}
			voided++
		}
	}

	l.open = false
	l.frozen = false
	l.balance = domain.NewBalance(decimal.Zero)
	l.verifyLocked("drain", final)

	l.logger.Info("ledger: drained",
		slog.String("total", final.Total.String()),
		slog.Int("voided_bets", voided),
	)
	return final
}

// PlaceWager stakes amount on outcome in market marketID at the market's
// current odds.
func (l *Ledger) PlaceWager(marketID string, outcome domain.Outcome, amount decimal.Decimal) (domain.Bet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frozen {
		return domain.Bet{}, fmt.Errorf("ledger: place wager on %q: settlement in progress: %w", marketID, domain.ErrNoSession)
	}
	m, ok := l.markets[marketID]
	if !ok {
		return domain.Bet{}, fmt.Errorf("ledger: place wager on %q: %w", marketID, domain.ErrMarketNotFound)
	}
	if m.Status != domain.MarketStatusLive {
		return domain.Bet{}, fmt.Errorf("ledger: place wager on %q (%s): %w", marketID, m.Status, domain.ErrMarketNotLive)
	}
	if !amount.IsPositive() {
		return domain.Bet{}, fmt.Errorf("ledger: place wager of %s: %w", amount, domain.ErrInvalidAmount)
	}
	if !outcome.Valid() {
		return domain.Bet{}, fmt.Errorf("ledger: place wager on outcome %q: %w", outcome, domain.ErrInvalidAmount)
	}
	if amount.GreaterThan(l.balance.Available) {
		return domain.Bet{}, fmt.Errorf("ledger: place wager of %s with %s available: %w",
			amount, l.balance.Available, domain.ErrInsufficientBalance)
	}

	odds := m.OddsFor(outcome)
	bet := domain.Bet{
		ID:              l.newID(),
		MarketID:        marketID,
		Outcome:         outcome,
		Amount:          amount,
		OddsAtPlacement: odds,
		PotentialPayout: domain.Payout(amount, odds),
		PlacedAt:        l.now(),
	}

	l.balance.Available = l.balance.Available.Sub(amount)
	l.balance.Locked = l.balance.Locked.Add(amount)
	l.balance.Total = l.balance.Available.Add(l.balance.Locked)

	m.TotalVolume = m.TotalVolume.Add(amount)
	m.BetCount++
	l.nudgeLocked(m, outcome)

	l.bets = append(l.bets, bet)
	l.positions[marketID] = l.positions[marketID].Add(bet)
	l.verifyLocked("place_wager", l.balance)

	l.logger.Debug("ledger: wager placed",
		slog.String("bet_id", bet.ID),
		slog.String("market_id", marketID),
		slog.String("outcome", string(outcome)),
		slog.String("amount", amount.String()),
		slog.Float64("odds", odds),
	)
	return bet, nil
}

// verifyLocked logs a balance that breaks total == available + locked or
// goes negative. Caller must hold l.mu.
func (l *Ledger) verifyLocked(op string, b domain.Balance) {
	if err := b.Check(); err != nil {
		l.logger.Error("ledger: balance invariant violated",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
	}
}

// nudgeLocked moves the odds against the side just backed. Caller must hold
// l.mu.
func (l *Ledger) nudgeLocked(m *domain.Market, chosen domain.Outcome) {
	down := func(v float64) float64 { return math.Max(l.cfg.OddsFloor, v-l.cfg.OddsStepDown) }
	up := func(v float64) float64 { return math.Min(l.cfg.OddsCeiling, v+l.cfg.OddsStepUp) }

	if chosen == domain.OutcomeYes {
		m.YesOdds = down(m.YesOdds)
		m.NoOdds = up(m.NoOdds)
		return
	}
	m.NoOdds = down(m.NoOdds)
	m.YesOdds = up(m.YesOdds)
}

// ResolveMarket settles every open wager on marketID against outcome.
// Resolving an unknown or already settled market is a logged no-op
// reported through Resolution.Applied.
func (l *Ledger) ResolveMarket(marketID string, outcome domain.Outcome) (domain.Resolution, error) {
	if !outcome.Valid() {
		return domain.Resolution{}, fmt.Errorf("ledger: resolve %q as %q: %w", marketID, outcome, domain.ErrInvalidAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	res := domain.Resolution{
		MarketID:      marketID,
		Outcome:       outcome,
		LockedRelease: decimal.Zero,
		TotalWinnings: decimal.Zero,
	}

	m, ok := l.markets[marketID]
	if !ok {
		l.logger.Warn("ledger: resolve ignored, unknown market", slog.String("market_id", marketID))
		res.Balance = l.balance
		return res, nil
	}
	if m.Status == domain.MarketStatusSettled {
		l.logger.Warn("ledger: resolve ignored, market already settled",
			slog.String("market_id", marketID),
			slog.String("result", string(m.Result)),
		)
		res.Balance = l.balance
		return res, nil
	}

	m.Status = domain.MarketStatusSettled
	m.Result = outcome

	for i := range l.bets {
		b := &l.bets[i]
		if b.MarketID != marketID || b.Settled {
			continue
		}
		won := b.Outcome == outcome
		b.Settled = true
		b.Won = &won

		res.SettledBets++
		res.LockedRelease = res.LockedRelease.Add(b.Amount)
		if won {
			res.TotalWinnings = res.TotalWinnings.Add(b.PotentialPayout)
		}
	}

	l.balance.Available = l.balance.Available.Add(res.TotalWinnings)
	l.balance.Locked = l.balance.Locked.Sub(res.LockedRelease)
	l.balance.Total = l.balance.Available.Add(l.balance.Locked)

	res.Applied = true
	res.Balance = l.balance
	l.verifyLocked("resolve_market", l.balance)

	l.logger.Info("ledger: market resolved",
		slog.String("market_id", marketID),
		slog.String("outcome", string(outcome)),
		slog.Int("settled_bets", res.SettledBets),
		slog.String("winnings", res.TotalWinnings.String()),
		slog.String("locked_release", res.LockedRelease.String()),
	)
	return res, nil
}

// SettleSession aggregates the wagers settled since the previous call.
// Voided wagers are skipped. A call with nothing new returns zeros.
func (l *Ledger) SettleSession() domain.Settlement {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := domain.Settlement{
		TotalWinnings: decimal.Zero,
		TotalLosses:   decimal.Zero,
		Net:           decimal.Zero,
		Bets:          []domain.Bet{},
	}

	for _, b := range l.bets {
		if !b.Settled || b.Won == nil {
			continue
		}
		if _, done := l.aggregated[b.ID]; done {
			continue
		}
		l.aggregated[b.ID] = struct{}{}

		if *b.Won {
			s.TotalWinnings = s.TotalWinnings.Add(b.PotentialPayout)
			s.Net = s.Net.Add(b.PotentialPayout.Sub(b.Amount))
		} else {
			s.TotalLosses = s.TotalLosses.Add(b.Amount)
			s.Net = s.Net.Sub(b.Amount)
		}
		s.Bets = append(s.Bets, b)
	}
	return s
}

// Balance returns the current balance.
func (l *Ledger) Balance() domain.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// AddMarket adds or replaces a market in the catalog. A market with
// unsettled wagers cannot be replaced.
func (l *Ledger) AddMarket(m domain.Market) error {
	if m.ID == "" {
		return fmt.Errorf("ledger: add market: empty id: %w", domain.ErrInvalidAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.markets[m.ID]; exists {
		if l.hasUnsettledLocked(m.ID) {
			return fmt.Errorf("ledger: replace market %q: %w", m.ID, domain.ErrUnsettledBets)
		}
	} else {
		l.order = append(l.order, m.ID)
	}
	mc := m
	l.markets[m.ID] = &mc
	return nil
}

// Market returns one market.
func (l *Ledger) Market(id string) (domain.Market, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("ledger: market %q: %w", id, domain.ErrMarketNotFound)
	}
	return *m, nil
}

// Markets returns the catalog in insertion order.
func (l *Ledger) Markets() []domain.Market {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.Market, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.markets[id])
	}
	return out
}

// Bets returns every recorded wager, oldest first.
func (l *Ledger) Bets() []domain.Bet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Bet(nil), l.bets...)
}

// Positions returns the per-market aggregates sorted by market id.
func (l *Ledger) Positions() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

// ActivateDue moves UPCOMING markets whose start time has passed to LIVE
// and returns them.
func (l *Ledger) ActivateDue(now time.Time) []domain.Market {
	l.mu.Lock()
	defer l.mu.Unlock()

	var activated []domain.Market
	for _, id := range l.order {
		m := l.markets[id]
		if m.Status == domain.MarketStatusUpcoming && !m.StartTime.IsZero() && !now.Before(m.StartTime) {
			m.Status = domain.MarketStatusLive
			activated = append(activated, *m)
		}
	}
	return activated
}

// Expired returns LIVE auto-resolving markets whose end time has passed.
func (l *Ledger) Expired(now time.Time) []domain.Market {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.Market
	for _, id := range l.order {
		m := l.markets[id]
		if m.AutoResolve && m.Expired(now) {
			out = append(out, *m)
		}
	}
	return out
}

// ClearHistory removes settled wagers and rebuilds positions from what is
// left. Unsettled wagers stay so locked funds remain backed by a record.
func (l *Ledger) ClearHistory() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.bets[:0]
	removed := 0
	for _, b := range l.bets {
		if b.Settled {
			delete(l.aggregated, b.ID)
			removed++
			continue
		}
		kept = append(kept, b)
	}
	l.bets = kept

	l.positions = make(map[string]domain.Position)
	for _, b := range l.bets {
		l.positions[b.MarketID] = l.positions[b.MarketID].Add(b)
	}

	l.logger.Info("ledger: history cleared", slog.Int("removed", removed))
	return removed
}

// ResetMarkets reloads the seed catalog. It refuses while any current
// market still has unsettled wagers.
func (l *Ledger) ResetMarkets() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id := range l.markets {
		if l.hasUnsettledLocked(id) {
			return fmt.Errorf("ledger: reset markets: market %q: %w", id, domain.ErrUnsettledBets)
		}
	}
	l.loadCatalogLocked(l.catalog.Markets(l.now()))

	l.logger.Info("ledger: markets reset", slog.Int("markets", len(l.order)))
	return nil
}

func (l *Ledger) hasUnsettledLocked(marketID string) bool {
	for _, b := range l.bets {
		if b.MarketID == marketID && !b.Settled {
			return true
		}
	}
	return false
}

func (l *Ledger) loadCatalogLocked(markets []domain.Market) {
	l.markets = make(map[string]*domain.Market, len(markets))
	l.order = nil
	for _, m := range markets {
		mc := m
		if _, dup := l.markets[mc.ID]; !dup {
			l.order = append(l.order, mc.ID)
		}
		l.markets[mc.ID] = &mc
	}
}
