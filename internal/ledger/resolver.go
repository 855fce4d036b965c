package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// Resolver decides the outcome of an expired market. ok is false when no
// outcome is known yet; the market is then retried on the next sweep.
type Resolver interface {
	Resolve(ctx context.Context, m domain.Market) (outcome domain.Outcome, ok bool, err error)
}

// RandomResolver flips a fair coin. It stands in for an oracle in demos.
type RandomResolver struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomResolver creates a RandomResolver. A zero seed uses the clock.
func NewRandomResolver(seed int64) *RandomResolver {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomResolver{rnd: rand.New(rand.NewSource(seed))}
}

// Resolve implements Resolver.
func (r *RandomResolver) Resolve(_ context.Context, _ domain.Market) (domain.Outcome, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rnd.Float64() > 0.5 {
		return domain.OutcomeYes, true, nil
	}
	return domain.OutcomeNo, true, nil
}

// ResolutionMessage is the payload an oracle publishes on
// domain.ChannelResolutions.
type ResolutionMessage struct {
	MarketID string         `json:"market_id"`
	Outcome  domain.Outcome `json:"outcome"`
}

// FeedResolver answers with outcomes received from the signal bus and
// defers to a fallback resolver for markets the feed has not reported.
type FeedResolver struct {
	bus      domain.SignalBus
	fallback Resolver
	logger   *slog.Logger

	mu       sync.RWMutex
	outcomes map[string]domain.Outcome
}

// NewFeedResolver creates a FeedResolver. fallback may be nil, in which case
// unreported markets stay open.
func NewFeedResolver(bus domain.SignalBus, fallback Resolver, logger *slog.Logger) *FeedResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedResolver{
		bus:      bus,
		fallback: fallback,
		logger:   logger.With(slog.String("component", "feed_resolver")),
		outcomes: make(map[string]domain.Outcome),
	}
}

// Run consumes resolution messages until ctx is cancelled.
func (f *FeedResolver) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, domain.ChannelResolutions)
	if err != nil {
		return fmt.Errorf("ledger: subscribe resolutions: %w", err)
	}
	f.logger.Info("ledger: resolution feed started", slog.String("channel", domain.ChannelResolutions))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			f.Record(payload)
		}
	}
}

// Record parses one resolution message and remembers its outcome.
func (f *FeedResolver) Record(payload []byte) {
	var msg ResolutionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		f.logger.Warn("ledger: malformed resolution message", slog.String("error", err.Error()))
		return
	}
	if msg.MarketID == "" || !msg.Outcome.Valid() {
		f.logger.Warn("ledger: invalid resolution message",
			slog.String("market_id", msg.MarketID),
			slog.String("outcome", string(msg.Outcome)),
		)
		return
	}

	f.mu.Lock()
	f.outcomes[msg.MarketID] = msg.Outcome
	f.mu.Unlock()
}

// Resolve implements Resolver.
func (f *FeedResolver) Resolve(ctx context.Context, m domain.Market) (domain.Outcome, bool, error) {
	f.mu.RLock()
	o, ok := f.outcomes[m.ID]
	f.mu.RUnlock()
	if ok {
		return o, true, nil
	}
	if f.fallback == nil {
		return domain.OutcomeNone, false, nil
	}
	return f.fallback.Resolve(ctx, m)
}
