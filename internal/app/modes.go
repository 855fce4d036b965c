package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/yellowbet/internal/chain"
	"github.com/alanyoungcy/yellowbet/internal/config"
	"github.com/alanyoungcy/yellowbet/internal/crypto"
	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/alanyoungcy/yellowbet/internal/ledger"
	"github.com/alanyoungcy/yellowbet/internal/markets"
	"github.com/alanyoungcy/yellowbet/internal/server"
	"github.com/alanyoungcy/yellowbet/internal/server/handler"
	"github.com/alanyoungcy/yellowbet/internal/server/ws"
	"github.com/alanyoungcy/yellowbet/internal/service"
	"github.com/alanyoungcy/yellowbet/internal/session"
)

// shutdownGrace bounds the HTTP drain after the signal.
const shutdownGrace = 10 * time.Second

// core is the session stack every mode runs: one wallet, one ledger, one
// session manager and the services over them.
type core struct {
	wallet   string
	markets  *service.MarketService
	sessions *service.SessionService
	wagers   *service.WagerService
	sweeper  *ledger.Sweeper
	feed     *ledger.FeedResolver
}

// buildCore loads the wallet, picks the chain submitter and builds the
// ledger, session manager and services on deps.
func (a *App) buildCore(ctx context.Context, deps *Dependencies) (*core, func(), error) {
	cfg := a.cfg
	cleanup := func() {}

	wallet, err := a.loadWallet()
	if err != nil {
		return nil, nil, err
	}

	var submitter chain.Submitter
	if cfg.UsesRPC() {
		rpc, closeRPC, err := chain.DialRPC(ctx, chain.RPCConfig{
			URL:          cfg.Chain.RPCURL,
			ChainID:      cfg.Chain.ChainID,
			Custody:      cfg.Chain.Custody,
			GasLimit:     cfg.Chain.GasLimit,
			PollInterval: cfg.Chain.PollInterval.Duration,
		}, wallet, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("app: chain: %w", err)
		}
		submitter = rpc
		cleanup = closeRPC
	} else {
		a.logger.InfoContext(ctx, "app: using instant chain submitter",
			slog.String("mode", cfg.Mode),
			slog.Duration("delay", cfg.Chain.InstantDelay.Duration),
		)
		submitter = chain.NewInstantSubmitter(cfg.Chain.InstantDelay.Duration, a.logger)
	}

	catalog := markets.Default()
	if cfg.Ledger.CatalogPath != "" {
		catalog, err = markets.Load(cfg.Ledger.CatalogPath)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: %w", err)
		}
	}

	l := ledger.New(ledger.Config{
		OddsStepDown: cfg.Ledger.OddsStepDown,
		OddsStepUp:   cfg.Ledger.OddsStepUp,
		OddsFloor:    cfg.Ledger.OddsFloor,
		OddsCeiling:  cfg.Ledger.OddsCeiling,
	}, catalog, a.logger)

	maxDeposit, _ := cfg.MaxDeposit()
	mgr := session.NewManager(session.Config{
		MaxDeposit:       maxDeposit,
		ConnectTimeout:   cfg.Clearnode.ConnectTimeout.Duration,
		ResponseTimeout:  cfg.Clearnode.ResponseTimeout.Duration,
		CloseTimeout:     cfg.Clearnode.CloseTimeout.Duration,
		Application:      cfg.Clearnode.Application,
		Scope:            cfg.Clearnode.Scope,
		Asset:            cfg.Clearnode.Asset,
		ExpiresAfter:     cfg.Clearnode.ExpiresAfter.Duration,
		ChainID:          cfg.Chain.ChainID,
		Token:            cfg.Chain.Token,
		TokenDecimals:    cfg.Chain.TokenDecimals,
		FundsDestination: cfg.Chain.FundsDestination,
	}, session.ClientDialer(cfg.Clearnode.URL, a.logger), wallet, submitter, l, a.logger)

	c := &core{wallet: wallet.Address()}
	c.markets = service.NewMarketService(l, deps.MarketStore, deps.MarketCache, markets.NewGenerator(),
		deps.SignalBus, deps.AuditStore, a.logger)
	c.sessions = service.NewSessionService(mgr, l, deps.SessionStore, deps.LockManager, deps.Archiver,
		deps.SignalBus, deps.AuditStore, deps.Notifier, a.logger)
	c.wagers = service.NewWagerService(l, c.sessions, deps.BetStore, c.markets, deps.RateLimiter,
		service.WagerLimit{Count: cfg.Session.WagerLimit, Window: cfg.Session.WagerWindow.Duration},
		deps.SignalBus, deps.AuditStore, a.logger)

	var resolver ledger.Resolver
	switch cfg.Ledger.Resolver {
	case config.ResolverRandom:
		resolver = ledger.NewRandomResolver(cfg.Ledger.ResolverSeed)
	case config.ResolverFeed:
		c.feed = ledger.NewFeedResolver(deps.SignalBus, nil, a.logger)
		resolver = c.feed
	}
	c.sweeper = ledger.NewSweeper(l, resolver, cfg.Ledger.SweepInterval.Duration, a.logger)
	c.sweeper.SetApply(c.wagers.ResolveMarket)
	c.sweeper.OnActivate(c.markets.Activated)

	c.markets.SyncAll(ctx)
	a.logger.InfoContext(ctx, "app: session stack ready",
		slog.String("wallet", c.wallet),
		slog.String("clearnode", cfg.Clearnode.URL),
		slog.Int("markets", len(c.markets.List())),
		slog.String("resolver", cfg.Ledger.Resolver),
	)
	return c, cleanup, nil
}

// loadWallet reads the configured key. Demo mode without a key runs on a
// throwaway one.
func (a *App) loadWallet() (*crypto.WalletSigner, error) {
	kc := crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	}
	if kc.RawPrivateKey == "" && kc.EncryptedKeyPath == "" && a.cfg.Mode == config.ModeDemo {
		pk, err := ethcrypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("app: generate demo wallet: %w", err)
		}
		a.logger.Warn("app: no wallet configured, using a throwaway demo key")
		return crypto.NewWalletSigner(hex.EncodeToString(ethcrypto.FromECDSA(pk)))
	}
	w, err := crypto.LoadWalletSigner(kc)
	if err != nil {
		return nil, fmt.Errorf("app: wallet: %w", err)
	}
	return w, nil
}

// runBackground starts the goroutines shared by every mode.
func (a *App) runBackground(ctx context.Context, g *errgroup.Group, c *core, deps *Dependencies) {
	g.Go(func() error { return ignoreCanceled(c.sweeper.Run(ctx)) })

	if c.feed != nil {
		g.Go(func() error { return ignoreCanceled(c.feed.Run(ctx)) })
	}

	if deps.AuditExporter != nil && a.cfg.S3.AuditExportInterval.Duration > 0 {
		g.Go(func() error {
			return ignoreCanceled(deps.AuditExporter.RunAuditExport(ctx, a.cfg.S3.AuditExportInterval.Duration))
		})
	}
}

// FullMode serves the HTTP/WS API and runs the sweeper. Sessions are opened
// and closed through the API; a live session is closed on shutdown.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, c *core) error {
	a.logger.InfoContext(ctx, "starting "+a.cfg.Mode+" mode")

	g, gctx := errgroup.WithContext(ctx)
	a.runBackground(gctx, g, c, deps)
	a.startHTTPServer(gctx, g, c, deps)

	err := g.Wait()
	a.closeActive(c)
	return err
}

// DemoMode is FullMode on the instant chain submitter.
func (a *App) DemoMode(ctx context.Context, deps *Dependencies, c *core) error {
	return a.FullMode(ctx, deps, c)
}

// HeadlessMode opens a session with the default deposit and keeps it live
// until the signal, then settles it.
func (a *App) HeadlessMode(ctx context.Context, deps *Dependencies, c *core) error {
	deposit, err := a.cfg.DefaultDeposit()
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.logger.InfoContext(ctx, "starting headless mode", slog.String("deposit", deposit.String()))

	g, gctx := errgroup.WithContext(ctx)
	a.runBackground(gctx, g, c, deps)

	g.Go(func() error {
		s, err := c.sessions.Open(gctx, deposit)
		if err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("app: open session: %w", err)
		}
		a.logger.InfoContext(gctx, "app: session active",
			slog.String("channel_id", s.ChannelID),
			slog.String("deposit", s.Deposit.String()),
		)
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	a.closeActive(c)
	return err
}

// closeActive settles a live session once the modes have stopped.
func (a *App) closeActive(c *core) {
	if c.sessions.Status().State != domain.StateActive {
		return
	}
	timeout := a.cfg.Clearnode.CloseTimeout.Duration + shutdownGrace
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.logger.Info("app: closing active session before exit")
	res, err := c.sessions.Close(ctx)
	if err != nil {
		a.logger.Error("app: close session on shutdown failed",
			slog.String("kind", string(domain.KindOf(err))),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.Info("app: session settled",
		slog.String("channel_id", res.ChannelID),
		slog.String("tx_hash", res.TxHash),
		slog.String("final_balance", res.FinalBalance.Total.String()),
	)
}

// startHTTPServer builds the handlers, the event hub and the server and
// runs them on g until ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, c *core, deps *Dependencies) {
	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(deps.Health, a.cfg.Mode, c.wallet, a.logger),
		Sessions: handler.NewSessionHandler(c.sessions, c.wallet, a.logger),
		Wagers:   handler.NewWagerHandler(c.wagers, a.logger),
		Markets:  handler.NewMarketHandler(c.markets, a.logger),
	}
	if deps.BlobReader != nil {
		handlers.Reports = handler.NewReportHandler(deps.SessionStore, deps.BlobReader, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Host:          a.cfg.Server.Host,
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		APIKey:        a.cfg.Server.APIKey,
		OracleSecret:  a.cfg.Server.OracleSecret,
		OracleMaxSkew: a.cfg.Server.OracleMaxSkew.Duration,
		RateLimit:     a.cfg.Server.RateLimit,
		RateWindow:    a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	if a.cfg.Server.APIKey == "" {
		a.logger.Warn("app: server.api_key is empty, the API is unauthenticated")
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
