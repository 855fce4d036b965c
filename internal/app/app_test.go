package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/yellowbet/internal/config"
	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/alanyoungcy/yellowbet/internal/platform/clearnode/clearnodetest"
	"github.com/alanyoungcy/yellowbet/internal/store/sqlite"
)

const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testApp(t *testing.T, mode string) (*App, *config.Config) {
	t.Helper()
	node := clearnodetest.NewNode()
	t.Cleanup(node.Close)

	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.Clearnode.URL = node.URL()
	cfg.Clearnode.ResponseTimeout.Duration = 2 * time.Second
	cfg.Clearnode.ConnectTimeout.Duration = 5 * time.Second
	cfg.Clearnode.CloseTimeout.Duration = 5 * time.Second
	cfg.Chain.InstantDelay.Duration = 0
	cfg.SQLite.Path = sqlite.MemoryPath
	cfg.Ledger.Resolver = config.ResolverNone

	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(a.Close)
	return a, &cfg
}

func TestWireDefaultsToLocalInfrastructure(t *testing.T) {
	a, cfg := testApp(t, config.ModeDemo)

	deps, cleanup, err := Wire(context.Background(), cfg, a.logger)
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.SignalBus)
	assert.NotNil(t, deps.LockManager)
	assert.NotNil(t, deps.RateLimiter)
	assert.Nil(t, deps.BlobReader)
	assert.Nil(t, deps.Archiver)
	assert.False(t, deps.Notifier.Enabled())

	require.Contains(t, deps.Health, "sqlite")
	assert.NoError(t, deps.Health["sqlite"](context.Background()))
}

func TestLoadWallet(t *testing.T) {
	a, cfg := testApp(t, config.ModeDemo)

	w, err := a.loadWallet()
	require.NoError(t, err)
	assert.NotEmpty(t, w.Address())

	cfg.Wallet.PrivateKey = testKey
	w, err = a.loadWallet()
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", w.Address())

	cfg.Wallet.PrivateKey = ""
	cfg.Mode = config.ModeFull
	_, err = a.loadWallet()
	assert.Error(t, err)
}

func TestHeadlessModeOpensAndSettles(t *testing.T) {
	a, cfg := testApp(t, config.ModeHeadless)
	cfg.Wallet.PrivateKey = testKey
	cfg.Session.DefaultDeposit = "50"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, cleanup, err := Wire(ctx, cfg, a.logger)
	require.NoError(t, err)
	defer cleanup()
	c, closeCore, err := a.buildCore(ctx, deps)
	require.NoError(t, err)
	defer closeCore()

	done := make(chan error, 1)
	go func() { done <- a.HeadlessMode(ctx, deps, c) }()

	require.Eventually(t, func() bool {
		return c.sessions.Status().State == domain.StateActive
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, c.wagers.Balance().Total.Equal(c.wagers.Balance().Available))
	assert.Equal(t, "50", c.wagers.Balance().Total.String())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("headless mode did not stop")
	}
	assert.Equal(t, domain.StateDisconnected, c.sessions.Status().State)

	history, err := deps.SessionStore.ListByWallet(context.Background(), "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.SessionStatusClosed, history[0].Status)
}

func TestFullModeStopsOnCancel(t *testing.T) {
	a, cfg := testApp(t, config.ModeDemo)
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("demo mode did not stop")
	}
}
