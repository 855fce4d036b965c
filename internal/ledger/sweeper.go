package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// DefaultSweepInterval is how often expired markets are looked for.
const DefaultSweepInterval = 5 * time.Second

// ResolveFunc applies an outcome to a market. The sweeper uses it instead of
// calling the ledger directly so callers can persist and publish the result.
type ResolveFunc func(ctx context.Context, marketID string, outcome domain.Outcome) (domain.Resolution, error)

// ActivateFunc is called with the markets that went live during a sweep.
type ActivateFunc func(ctx context.Context, markets []domain.Market)

// Sweeper periodically activates due markets and resolves expired
// auto-resolving ones.
type Sweeper struct {
	ledger   *Ledger
	resolver Resolver
	interval time.Duration
	logger   *slog.Logger

	apply      ResolveFunc
	onActivate ActivateFunc
	now        func() time.Time
}

// NewSweeper creates a Sweeper that resolves through the ledger. A nil
// resolver only activates markets.
func NewSweeper(l *Ledger, resolver Resolver, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		ledger:   l,
		resolver: resolver,
		interval: interval,
		logger:   logger.With(slog.String("component", "sweeper")),
		apply: func(_ context.Context, id string, o domain.Outcome) (domain.Resolution, error) {
			return l.ResolveMarket(id, o)
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetApply replaces the function used to apply resolutions.
func (s *Sweeper) SetApply(fn ResolveFunc) { s.apply = fn }

// OnActivate registers a callback for markets that go live.
func (s *Sweeper) OnActivate(fn ActivateFunc) { s.onActivate = fn }

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper: started", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the resolutions it applied.
func (s *Sweeper) Sweep(ctx context.Context) []domain.Resolution {
	now := s.now()

	if activated := s.ledger.ActivateDue(now); len(activated) > 0 {
		s.logger.InfoContext(ctx, "sweeper: markets live", slog.Int("count", len(activated)))
		if s.onActivate != nil {
			s.onActivate(ctx, activated)
		}
	}

	// Without a resolver expired markets wait for a manual resolution.
	if s.resolver == nil {
		return nil
	}

	var applied []domain.Resolution
	for _, m := range s.ledger.Expired(now) {
		outcome, ok, err := s.resolver.Resolve(ctx, m)
		if err != nil {
			s.logger.WarnContext(ctx, "sweeper: resolver failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			continue
		}

		res, err := s.apply(ctx, m.ID, outcome)
		if err != nil {
			s.logger.WarnContext(ctx, "sweeper: resolve failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if res.Applied {
			s.logger.InfoContext(ctx, "sweeper: auto-resolved market",
				slog.String("market_id", m.ID),
				slog.String("outcome", string(outcome)),
			)
			applied = append(applied, res)
		}
	}
	return applied
}
