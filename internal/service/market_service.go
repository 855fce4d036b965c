package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/alanyoungcy/yellowbet/internal/ledger"
	"github.com/alanyoungcy/yellowbet/internal/markets"
)

// MarketService manages the ledger's markets and mirrors them to the store
// and cache.
type MarketService struct {
	ledger    *ledger.Ledger
	store     domain.MarketStore
	cache     domain.MarketCache
	generator *markets.Generator
	emit      emitter
	logger    *slog.Logger
}

// NewMarketService creates a MarketService. cache may be nil.
func NewMarketService(
	l *ledger.Ledger,
	store domain.MarketStore,
	cache domain.MarketCache,
	generator *markets.Generator,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *MarketService {
	logger = logger.With(slog.String("component", "market_service"))
	return &MarketService{
		ledger:    l,
		store:     store,
		cache:     cache,
		generator: generator,
		emit:      emitter{bus: bus, audit: audit, logger: logger},
		logger:    logger,
	}
}

// List returns the ledger's markets.
func (s *MarketService) List() []domain.Market {
	return s.ledger.Markets()
}

// Get returns a market by id. Markets no longer in the ledger are looked
// up in the cache and then the store.
func (s *MarketService) Get(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.ledger.Market(id)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, domain.ErrMarketNotFound) {
		return domain.Market{}, fmt.Errorf("market_service: get %q: %w", id, err)
	}

	if s.cache != nil {
		if m, err := s.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}
	m, err = s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Market{}, fmt.Errorf("market_service: get %q: %w", id, domain.ErrMarketNotFound)
		}
		return domain.Market{}, fmt.Errorf("market_service: get %q: %w", id, err)
	}
	return m, nil
}

// Add registers a new market with the ledger.
func (s *MarketService) Add(ctx context.Context, m domain.Market) (domain.Market, error) {
	if err := s.ledger.AddMarket(m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: add %q: %w", m.ID, err)
	}
	added, err := s.ledger.Market(m.ID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: add %q: %w", m.ID, err)
	}
	s.sync(ctx, added)

	s.emit.publish(ctx, domain.ChannelMarkets, EventMarketAdded, added)
	s.emit.record(ctx, EventMarketAdded, map[string]any{
		"market":   added.ID,
		"question": added.Question,
		"status":   string(added.Status),
	})
	s.logger.InfoContext(ctx, "market_service: market added",
		slog.String("market", added.ID),
		slog.String("status", string(added.Status)),
	)
	return added, nil
}

// Generate builds a market from a template for a live match and adds it.
func (s *MarketService) Generate(ctx context.Context, tpl markets.Template, match markets.Match, duration time.Duration) (domain.Market, error) {
	m, err := s.generator.Generate(tpl, match, duration)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: generate: %w", err)
	}
	return s.Add(ctx, m)
}

// Reset restores the seed catalog.
func (s *MarketService) Reset(ctx context.Context) error {
	if err := s.ledger.ResetMarkets(); err != nil {
		return fmt.Errorf("market_service: reset: %w", err)
	}
	ms := s.ledger.Markets()
	for _, m := range ms {
		s.sync(ctx, m)
	}
	s.emit.publish(ctx, domain.ChannelMarkets, EventMarketsReset, ms)
	s.emit.record(ctx, EventMarketsReset, map[string]any{"count": len(ms)})
	return nil
}

// SyncAll mirrors every ledger market to the store and cache.
func (s *MarketService) SyncAll(ctx context.Context) {
	for _, m := range s.ledger.Markets() {
		s.sync(ctx, m)
	}
}

// Activated announces markets that went live. It has the shape of
// ledger.ActivateFunc.
func (s *MarketService) Activated(ctx context.Context, ms []domain.Market) {
	for _, m := range ms {
		s.sync(ctx, m)
		s.emit.publish(ctx, domain.ChannelMarkets, EventMarketLive, m)
		s.logger.InfoContext(ctx, "market_service: market live", slog.String("market", m.ID))
	}
}

func (s *MarketService) syncOne(ctx context.Context, id string) {
	m, err := s.ledger.Market(id)
	if err != nil {
		return
	}
	s.sync(ctx, m)
}

func (s *MarketService) sync(ctx context.Context, m domain.Market) {
	if err := s.store.Upsert(ctx, m); err != nil {
		s.logger.WarnContext(ctx, "market_service: upsert failed",
			slog.String("market", m.ID),
			slog.String("error", err.Error()),
		)
	}
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, m); err != nil {
		s.logger.WarnContext(ctx, "market_service: cache set failed",
			slog.String("market", m.ID),
			slog.String("error", err.Error()),
		)
	}
}
