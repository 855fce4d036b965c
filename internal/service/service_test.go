package service_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/yellowbet/internal/cache/memory"
	"github.com/alanyoungcy/yellowbet/internal/chain"
	"github.com/alanyoungcy/yellowbet/internal/crypto"
	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/alanyoungcy/yellowbet/internal/ledger"
	"github.com/alanyoungcy/yellowbet/internal/markets"
	"github.com/alanyoungcy/yellowbet/internal/platform/clearnode"
	"github.com/alanyoungcy/yellowbet/internal/platform/clearnode/clearnodetest"
	"github.com/alanyoungcy/yellowbet/internal/service"
	"github.com/alanyoungcy/yellowbet/internal/session"
	"github.com/alanyoungcy/yellowbet/internal/store/sqlite"
)

const (
	walletKey  = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	walletAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type alert struct{ event, title, message string }

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []alert
}

func (f *fakeNotifier) Notify(_ context.Context, event, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert{event, title, message})
	return nil
}

func (f *fakeNotifier) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, a := range f.alerts {
		out = append(out, a.event)
	}
	return out
}

type fakeArchiver struct {
	mu      sync.Mutex
	reports []domain.SettlementReport
}

func (f *fakeArchiver) ArchiveSettlement(_ context.Context, r domain.SettlementReport) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return "settlements/" + r.SessionID + ".json", nil
}

// eventLog collects every bus event.
type eventLog struct {
	mu     sync.Mutex
	events []service.Event
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		out = append(out, e.Event)
	}
	return out
}

type env struct {
	node     *clearnodetest.Node
	ledger   *ledger.Ledger
	mgr      *session.Manager
	bus      *memory.Bus
	locks    *memory.Locks
	sessions *sqlite.SessionStore
	bets     *sqlite.BetStore
	markets  *sqlite.MarketStore
	audit    *sqlite.AuditStore
	cache    *memory.MarketCache
	notifier *fakeNotifier
	archiver *fakeArchiver
	log      *eventLog

	Sessions *service.SessionService
	Wagers   *service.WagerService
	Markets  *service.MarketService
}

func newEnv(t *testing.T, limit service.WagerLimit, tweak func(*session.Config)) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	node := clearnodetest.NewNode()
	t.Cleanup(node.Close)

	db, err := sqlite.Open(sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close(db) })

	wallet, err := crypto.NewWalletSigner(walletKey)
	require.NoError(t, err)

	cfg := session.DefaultConfig()
	cfg.MaxDeposit = d("1000")
	cfg.ChainID = 11155111
	cfg.ResponseTimeout = 2 * time.Second
	cfg.ConnectTimeout = 5 * time.Second
	cfg.CloseTimeout = 5 * time.Second
	if tweak != nil {
		tweak(&cfg)
	}

	e := &env{
		node: node,
		ledger: ledger.New(ledger.DefaultConfig(), ledger.StaticCatalog{
			{ID: "next-goal", Question: "Next goal home?", Status: domain.MarketStatusLive, YesOdds: 45, NoOdds: 55},
		}, quiet()),
		bus:      memory.NewBus(),
		locks:    memory.NewLocks(),
		sessions: sqlite.NewSessionStore(db),
		bets:     sqlite.NewBetStore(db),
		markets:  sqlite.NewMarketStore(db),
		audit:    sqlite.NewAuditStore(db),
		cache:    memory.NewMarketCache(),
		notifier: &fakeNotifier{},
		archiver: &fakeArchiver{},
		log:      &eventLog{},
	}
	e.mgr = session.NewManager(cfg, session.ClientDialer(node.URL(), quiet()), wallet,
		chain.NewInstantSubmitter(0, nil), e.ledger, quiet())

	sub, err := e.bus.Subscribe(ctx, "ch:*")
	require.NoError(t, err)
	go func() {
		for payload := range sub {
			var ev service.Event
			if json.Unmarshal(payload, &ev) == nil {
				e.log.mu.Lock()
				e.log.events = append(e.log.events, ev)
				e.log.mu.Unlock()
			}
		}
	}()

	e.Markets = service.NewMarketService(e.ledger, e.markets, e.cache, markets.NewGenerator(), e.bus, e.audit, quiet())
	e.Sessions = service.NewSessionService(e.mgr, e.ledger, e.sessions, e.locks, e.archiver, e.bus, e.audit, e.notifier, quiet())
	e.Wagers = service.NewWagerService(e.ledger, e.Sessions, e.bets, e.Markets, memory.NewLimiter(), limit, e.bus, e.audit, quiet())
	return e
}

func (e *env) auditEvents(t *testing.T) []string {
	t.Helper()
	entries, err := e.audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	var out []string
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].Event)
	}
	return out
}

func TestSessionService_OpenRecordsActiveSession(t *testing.T) {
	e := newEnv(t, service.WagerLimit{}, nil)
	ctx := context.Background()

	snap, err := e.Sessions.Open(ctx, d("100"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, snap.State)

	rec, ok := e.Sessions.Current()
	require.True(t, ok)
	assert.Equal(t, domain.SessionStatusActive, rec.Status)
	assert.Equal(t, clearnodetest.ChannelID, rec.ChannelID)
	assert.Equal(t, walletAddr, rec.Wallet)
	assert.Equal(t, rec.ID, e.Sessions.ID())

	stored, err := e.sessions.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusActive, stored.Status)
	assert.True(t, stored.Deposit.Equal(d("100")))

	assert.Contains(t, e.auditEvents(t), service.EventSessionOpened)
	assert.Equal(t, []string{service.EventSessionOpened}, e.notifier.events())
	require.Eventually(t, func() bool {
		names := e.log.names()
		return len(names) > 0 && names[len(names)-1] == service.EventSessionOpened
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, e.log.names(), service.EventSessionTransition)
}

func TestSessionService_OpenFailureRecorded(t *testing.T) {
	e := newEnv(t, service.WagerLimit{}, nil)
	ctx := context.Background()
	e.node.Handle(clearnode.MethodCreateChannel, func(clearnodetest.Received) *clearnodetest.Reply {
		return clearnodetest.ErrorReply("custody unavailable")
	})

	_, err := e.Sessions.Open(ctx, d("100"))
	require.Error(t, err)
	assert.Equal(t, domain.KindChainSubmissionFailed, domain.KindOf(err))

	rec, ok := e.Sessions.Current()
	require.True(t, ok)
	assert.Equal(t, domain.SessionStatusFailed, rec.Status)
	assert.Equal(t, domain.KindChainSubmissionFailed, rec.FailReason)

	history, err := e.Sessions.History(ctx, walletAddr, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.SessionStatusFailed, history[0].Status)
	assert.Equal(t, []string{service.EventSessionFailed}, e.notifier.events())
}

func TestSessionService_RejectionNotRecorded(t *testing.T) {
	e := newEnv(t, service.WagerLimit{}, nil)
	ctx := context.Background()

	_, err := e.Sessions.Open(ctx, d("5000"))
	assert.ErrorIs(t, err, domain.ErrInvalidDeposit)

	_, ok := e.Sessions.Current()
	assert.False(t, ok)
	history, err := e.Sessions.History(ctx, walletAddr, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, e.notifier.events())
}

func TestSessionService_WalletLockHeld(t *testing.T) {
	e := newEnv(t, service.WagerLimit{}, nil)
	unlock, err := e.locks.Acquire(context.Background(), "session:"+walletAddr, time.Minute)
	require.NoError(t, err)
	defer unlock()

	_, err = e.Sessions.Open(context.Background(), d("100"))
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Empty(t, e.node.Methods())
}

func TestSessionService_CloseArchivesSettlement(t *testing.T) {
	e := newEnv(t, service.WagerLimit{}, nil)
	ctx := context.Background()
	_, err := e.Sessions.Open(ctx, d("100"))
	require.NoError(t, err)

	_, err = e.Wagers.PlaceWager(ctx, "next-goal", domain.OutcomeYes, d("10"))
	require.NoError(t, err)
	_, err = e.Wagers.ResolveMarket(ctx, "next-goal", domain.OutcomeYes)
	require.NoError(t, err)

	res, err := e.Sessions.Close(ctx)
	require.NoError(t, err)
	assert.True(t, res.FinalBalance.Total.Round(2).Equal(d("112.22")), res.FinalBalance.Total.String())

	rec, ok := e.Sessions.Current()
	require.True(t, ok)
	assert.Equal(t, domain.SessionStatusClosed, rec.Status)
	assert.NotNil(t, rec.ClosedAt)
	assert.Equal(t, "settlements/"+rec.ID+".json", rec.ReportPath)

	stored, err := e.sessions.GetByChannel(ctx, clearnodetest.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusClosed, stored.Status)
	assert.True(t, stored.FinalBalance.Equal(res.FinalBalance.Total))
	assert.NotEmpty(t, stored.CloseTxHash)

	require.Len(t, e.archiver.reports, 1)
	report := e.archiver.reports[0]
	assert.Equal(t, rec.ID, report.SessionID)
	require.Len(t, report.Bets, 1)
	assert.True(t, report.Bets[0].IsWinner())

	assert.Equal(t, []string{service.EventSessionOpened, service.EventSessionClosed}, e.notifier.events())

	_, err = e.Sessions.Close(ctx)
	assert.ErrorIs(t, err, domain.ErrNoSession)
}

func TestSessionService_CloseTimeoutLeavesPending(t *testing.T) {
	e := newEnv(t, service.WagerLimit{}, func(c *session.Config) { c.CloseTimeout = 150 * time.Millisecond })
	ctx := context.Background()
	_, err := e.Sessions.Open(ctx, d("100"))
	require.NoError(t, err)
	e.node.Handle(clearnode.MethodCloseChannel, func(clearnodetest.Received) *clearnodetest.Reply { return nil })

	_, err = e.Sessions.Close(ctx)
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))

	pending, err := e.Sessions.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, clearnodetest.ChannelID, pending[0].ChannelID)
	assert.Equal(t, domain.KindTimeout, pending[0].FailReason)
	assert.Empty(t, e.archiver.reports)
	assert.Contains(t, e.notifier.events(), service.EventSessionPending)

	_, err = e.Sessions.Open(ctx, d("50"))
	assert.ErrorIs(t, err, domain.ErrSessionActive)

	bal, err := e.Sessions.Discard(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Total.Equal(d("100")))
	assert.Contains(t, e.auditEvents(t), service.EventSessionDiscarded)

	rec, _ := e.Sessions.Current()
	assert.Equal(t, domain.SessionStatusClosePending, rec.Status, "discard keeps the pending record for follow-up")

	_, err = e.Sessions.Open(ctx, d("50"))
	require.NoError(t, err)
}

func TestWagerService_RejectedAfterFailedClose(t *testing.T) {
	e := newEnv(t, service.WagerLimit{}, func(c *session.Config) { c.CloseTimeout = 150 * time.Millisecond })
	ctx := context.Background()
	_, err := e.Sessions.Open(ctx, d("100"))
	require.NoError(t, err)
	assert.True(t, e.Sessions.Active())
	e.node.Handle(clearnode.MethodCloseChannel, func(clearnodetest.Received) *clearnodetest.Reply { return nil })

	_, err = e.Sessions.Close(ctx)
	require.Equal(t, domain.KindTimeout, domain.KindOf(err))
	assert.False(t, e.Sessions.Active())

	_, err = e.Wagers.PlaceWager(ctx, "next-goal", domain.OutcomeYes, d("10"))
	assert.ErrorIs(t, err, domain.ErrNoSession)

	bal := e.Wagers.Balance()
	assert.True(t, bal.Available.Equal(d("100")), bal.Available.String())
	assert.True(t, bal.Locked.IsZero(), bal.Locked.String())

	bets, err := e.bets.ListBySession(ctx, e.Sessions.ID(), domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, bets)
}

func TestWagerService_RequiresSession(t *testing.T) {
	e := newEnv(t, service.WagerLimit{}, nil)
	_, err := e.Wagers.PlaceWager(context.Background(), "next-goal", domain.OutcomeYes, d("1"))
	assert.ErrorIs(t, err, domain.ErrNoSession)
}

func TestWagerService_PersistsAndResolves(t *testing.T) {
	e := newEnv(t, service.WagerLimit{}, nil)
	ctx := context.Background()
	_, err := e.Sessions.Open(ctx, d("100"))
	require.NoError(t, err)

	bet, err := e.Wagers.PlaceWager(ctx, "next-goal", domain.OutcomeNo, d("20"))
	require.NoError(t, err)
	assert.Equal(t, 55.0, bet.OddsAtPlacement)
	assert.True(t, e.Wagers.Balance().Locked.Equal(d("20")))

	history, err := e.Wagers.History(ctx, e.Sessions.ID(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, bet.ID, history[0].ID)
	assert.False(t, history[0].Settled)

	synced, err := e.markets.GetByID(ctx, "next-goal")
	require.NoError(t, err)
	assert.Equal(t, 1, synced.BetCount)
	cached, err := e.cache.Get(ctx, "next-goal")
	require.NoError(t, err)
	assert.True(t, cached.TotalVolume.Equal(d("20")))

	res, err := e.Wagers.ResolveMarket(ctx, "next-goal", domain.OutcomeYes)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 1, res.SettledBets)

	history, err = e.Wagers.History(ctx, e.Sessions.ID(), domain.ListOpts{})
	require.NoError(t, err)
	require.True(t, history[0].Settled)
	require.NotNil(t, history[0].Won)
	assert.False(t, *history[0].Won)

	again, err := e.Wagers.ResolveMarket(ctx, "next-goal", domain.OutcomeNo)
	require.NoError(t, err)
	assert.False(t, again.Applied)

	journal, err := e.bus.StreamRead(ctx, domain.StreamLedger, "0", 10)
	require.NoError(t, err)
	require.Len(t, journal, 2)

	audit := e.auditEvents(t)
	assert.Contains(t, audit, service.EventBetPlaced)
	assert.Contains(t, audit, service.EventMarketResolved)
	require.Eventually(t, func() bool {
		names := e.log.names()
		return len(names) > 0 && names[len(names)-1] == service.EventMarketResolved
	}, time.Second, 10*time.Millisecond)
}

func TestWagerService_RateLimited(t *testing.T) {
	e := newEnv(t, service.WagerLimit{Count: 2, Window: time.Minute}, nil)
	ctx := context.Background()
	_, err := e.Sessions.Open(ctx, d("100"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := e.Wagers.PlaceWager(ctx, "next-goal", domain.OutcomeYes, d("1"))
		require.NoError(t, err)
	}
	_, err = e.Wagers.PlaceWager(ctx, "next-goal", domain.OutcomeYes, d("1"))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))
	assert.Len(t, e.Wagers.Bets(), 2)
}

func TestWagerService_ClearHistory(t *testing.T) {
	e := newEnv(t, service.WagerLimit{}, nil)
	ctx := context.Background()
	_, err := e.Sessions.Open(ctx, d("100"))
	require.NoError(t, err)
	_, err = e.Wagers.PlaceWager(ctx, "next-goal", domain.OutcomeYes, d("5"))
	require.NoError(t, err)
	_, err = e.Wagers.ResolveMarket(ctx, "next-goal", domain.OutcomeYes)
	require.NoError(t, err)

	assert.Equal(t, 1, e.Wagers.ClearHistory(ctx))
	assert.Empty(t, e.Wagers.Bets())
	assert.Empty(t, e.Wagers.Positions())

	persisted, err := e.Wagers.History(ctx, e.Sessions.ID(), domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, persisted, 1, "persisted history survives")
}

func TestMarketService_GenerateAndLookup(t *testing.T) {
	e := newEnv(t, service.WagerLimit{}, nil)
	ctx := context.Background()

	m, err := e.Markets.Generate(ctx, markets.TemplateCorner, markets.Match{
		FixtureID: 1035, League: "EPL", Home: "Arsenal", Away: "Chelsea", Minute: 60,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusLive, m.Status)
	assert.Len(t, e.Markets.List(), 2)

	stored, err := e.markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Question, stored.Question)

	_, err = e.Markets.Get(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrMarketNotFound)

	// Markets dropped from the ledger are still served from the cache.
	require.NoError(t, e.Markets.Reset(ctx))
	assert.Len(t, e.Markets.List(), 1)
	got, err := e.Markets.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)

	require.NoError(t, e.cache.Invalidate(ctx, m.ID))
	got, err = e.Markets.Get(ctx, m.ID)
	require.NoError(t, err, "then from the store")
	assert.Equal(t, m.ID, got.ID)

	assert.Contains(t, e.auditEvents(t), service.EventMarketAdded)
	assert.Contains(t, e.auditEvents(t), service.EventMarketsReset)
}

func TestMarketService_Activated(t *testing.T) {
	e := newEnv(t, service.WagerLimit{}, nil)
	ctx := context.Background()
	m := domain.Market{ID: "later", Question: "Later?", Status: domain.MarketStatusLive, YesOdds: 50, NoOdds: 50}

	e.Markets.Activated(ctx, []domain.Market{m})

	stored, err := e.markets.GetByID(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusLive, stored.Status)
	require.Eventually(t, func() bool {
		for _, n := range e.log.names() {
			if n == service.EventMarketLive {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
