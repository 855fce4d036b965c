package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/yellowbet/internal/cache/memory"
	"github.com/alanyoungcy/yellowbet/internal/chain"
	"github.com/alanyoungcy/yellowbet/internal/crypto"
	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/alanyoungcy/yellowbet/internal/ledger"
	"github.com/alanyoungcy/yellowbet/internal/markets"
	"github.com/alanyoungcy/yellowbet/internal/platform/clearnode/clearnodetest"
	"github.com/alanyoungcy/yellowbet/internal/server"
	"github.com/alanyoungcy/yellowbet/internal/server/handler"
	"github.com/alanyoungcy/yellowbet/internal/server/ws"
	"github.com/alanyoungcy/yellowbet/internal/service"
	"github.com/alanyoungcy/yellowbet/internal/session"
	"github.com/alanyoungcy/yellowbet/internal/store/sqlite"
)

const (
	walletKey    = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	walletAddr   = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	apiKey       = "operator-key"
	oracleSecret = "oracle-secret"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// blobs is an in-memory archive that serves as both writer and reader.
type blobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *blobs) ArchiveSettlement(_ context.Context, r domain.SettlementReport) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	path := "settlements/2026/03/" + r.SessionID + ".json"
	b.mu.Lock()
	b.objects[path] = data
	b.mu.Unlock()
	return path, nil
}

func (b *blobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *blobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BlobInfo
	for p, data := range b.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (b *blobs) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

type harness struct {
	srv *httptest.Server
	bus *memory.Bus
	hub *ws.Hub
}

func newHarness(t *testing.T, tweak func(*server.Config)) *harness {
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
	cfg.MaxDeposit = decimal.RequireFromString("1000")
	cfg.ChainID = 11155111
	cfg.ResponseTimeout = 2 * time.Second
	cfg.ConnectTimeout = 5 * time.Second
	cfg.CloseTimeout = 5 * time.Second

	l := ledger.New(ledger.DefaultConfig(), ledger.StaticCatalog{
		{ID: "next-goal", Question: "Next goal home?", Status: domain.MarketStatusLive, YesOdds: 45, NoOdds: 55},
		{ID: "later", Question: "Kick-off later?", Status: domain.MarketStatusUpcoming, YesOdds: 50, NoOdds: 50},
	}, quiet())
	mgr := session.NewManager(cfg, session.ClientDialer(node.URL(), quiet()), wallet,
		chain.NewInstantSubmitter(0, nil), l, quiet())

	bus := memory.NewBus()
	archive := &blobs{objects: map[string][]byte{}}
	sessions := sqlite.NewSessionStore(db)
	audit := sqlite.NewAuditStore(db)

	marketSvc := service.NewMarketService(l, sqlite.NewMarketStore(db), memory.NewMarketCache(), markets.NewGenerator(), bus, audit, quiet())
	sessionSvc := service.NewSessionService(mgr, l, sessions, memory.NewLocks(), archive, bus, audit, nil, quiet())
	wagerSvc := service.NewWagerService(l, sessionSvc, sqlite.NewBetStore(db), marketSvc, nil, service.WagerLimit{}, bus, audit, quiet())

	scfg := server.Config{APIKey: apiKey, OracleSecret: oracleSecret, OracleMaxSkew: time.Minute}
	if tweak != nil {
		tweak(&scfg)
	}
	hub := ws.NewHub(bus, nil, quiet())
	go hub.Run(ctx)

	s := server.NewServer(scfg, server.Handlers{
		Health:   handler.NewHealthHandler(map[string]handler.Check{"db": func(context.Context) error { return nil }}, "demo", walletAddr, quiet()),
		Sessions: handler.NewSessionHandler(sessionSvc, walletAddr, quiet()),
		Wagers:   handler.NewWagerHandler(wagerSvc, quiet()),
		Markets:  handler.NewMarketHandler(marketSvc, quiet()),
		Reports:  handler.NewReportHandler(sessions, archive, quiet()),
	}, hub, memory.NewLimiter(), quiet())

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, bus: bus, hub: hub}
}

func (h *harness) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return send(t, req)
}

func send(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func TestServer_AuthGuardsEverythingButHealth(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/balance", nil)
	code, body := send(t, req)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "AuthRejected", body["kind"])

	req.Header.Set("X-API-Key", "wrong")
	code, _ = send(t, req)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = h.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "demo", body["mode"])
	assert.Equal(t, walletAddr, body["wallet"])
}

func TestServer_WagerNeedsSession(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.do(t, http.MethodPost, "/api/bets", `{"market_id":"next-goal","outcome":"YES","amount":"10"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(domain.KindNoSession), body["kind"])

	code, body = h.do(t, http.MethodPost, "/api/session/close", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(domain.KindNoSession), body["kind"])
}

func TestServer_SessionLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.do(t, http.MethodPost, "/api/session", `{"deposit":"abc"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(domain.KindInvalidDeposit), body["kind"])

	code, body = h.do(t, http.MethodPost, "/api/session", `{"deposit":"100"}`)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, string(domain.StateActive), body["state"])
	assert.Equal(t, clearnodetest.ChannelID, body["channel_id"])

	code, body = h.do(t, http.MethodPost, "/api/session", `{"deposit":"100"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(domain.KindSessionActive), body["kind"])

	code, body = h.do(t, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, code)
	record := body["record"].(map[string]any)
	assert.Equal(t, "active", record["status"])
	sessionID := record["id"].(string)

	code, body = h.do(t, http.MethodPost, "/api/bets", `{"market_id":"next-goal","outcome":"yes","amount":"10"}`)
	require.Equal(t, http.StatusCreated, code, body)
	bal := body["balance"].(map[string]any)
	assert.Equal(t, "90", bal["available"])
	assert.Equal(t, "10", bal["locked"])
	assert.Equal(t, "100", bal["total"])

	code, body = h.do(t, http.MethodPost, "/api/bets", `{"market_id":"later","outcome":"NO","amount":"5"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(domain.KindMarketNotLive), body["kind"])

	code, body = h.do(t, http.MethodPost, "/api/bets", `{"market_id":"nope","outcome":"NO","amount":"5"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(domain.KindMarketNotFound), body["kind"])

	code, body = h.do(t, http.MethodPost, "/api/bets", `{"market_id":"next-goal","outcome":"NO","amount":"500"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(domain.KindInsufficientBalance), body["kind"])

	code, body = h.do(t, http.MethodPost, "/api/bets", `{"market_id":"next-goal","outcome":"MAYBE","amount":"5"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = h.do(t, http.MethodGet, "/api/positions", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["positions"], 1)

	code, body = h.do(t, http.MethodPost, "/api/admin/markets/next-goal/resolve", `{"outcome":"YES"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["applied"])
	assert.Equal(t, float64(1), body["settled_bets"])

	code, body = h.do(t, http.MethodPost, "/api/admin/markets/next-goal/resolve", `{"outcome":"NO"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["applied"])

	code, body = h.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/bets", "")
	require.Equal(t, http.StatusOK, code)
	bets := body["bets"].([]any)
	require.Len(t, bets, 1)
	assert.Equal(t, true, bets[0].(map[string]any)["won"])

	code, body = h.do(t, http.MethodPost, "/api/session/close", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, clearnodetest.ChannelID, body["channel_id"])

	code, body = h.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/audit", "")
	require.Equal(t, http.StatusOK, code, body)
	var trail []string
	for _, e := range body["events"].([]any) {
		trail = append(trail, e.(map[string]any)["event"].(string))
	}
	assert.Equal(t, []string{service.EventSessionClosed, service.EventMarketResolved, service.EventBetPlaced, service.EventSessionOpened}, trail)

	code, body = h.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, code)
	hist := body["sessions"].([]any)
	require.Len(t, hist, 1)
	assert.Equal(t, "closed", hist[0].(map[string]any)["status"])

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/sessions/"+sessionID+"/report", nil)
	req.Header.Set("X-API-Key", apiKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report domain.SettlementReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, sessionID, report.SessionID)
	assert.Len(t, report.Bets, 1)

	code, body = h.do(t, http.MethodGet, "/api/reports?month=2026/03", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["reports"], 1)

	code, body = h.do(t, http.MethodGet, "/api/sessions/missing/report", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(domain.KindNotFound), body["kind"])
}

func TestServer_OracleResolutionIsSigned(t *testing.T) {
	h := newHarness(t, nil)
	auth := &crypto.HMACAuth{Secret: oracleSecret}
	body := `{"market_id":"next-goal","outcome":"NO"}`

	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/api/oracle/resolutions", strings.NewReader(body))
	code, resp := send(t, req)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "AuthRejected", resp["kind"])

	req, _ = http.NewRequest(http.MethodPost, h.srv.URL+"/api/oracle/resolutions", strings.NewReader(body))
	for k, v := range auth.Headers(http.MethodPost, "/api/oracle/resolutions", body) {
		req.Header.Set(k, v)
	}
	code, resp = send(t, req)
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, "NO", resp["outcome"])
	assert.Equal(t, true, resp["applied"])

	code, resp = h.do(t, http.MethodGet, "/api/markets/next-goal", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(domain.MarketStatusSettled), resp["status"])
}

func TestServer_Markets(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.do(t, http.MethodGet, "/api/markets?status=LIVE", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["total"])

	code, body = h.do(t, http.MethodPost, "/api/admin/markets/generate",
		`{"template":"corner","fixture_id":7,"league":"EPL","home":"Arsenal","away":"Chelsea","minute":61}`)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "LIVE", body["status"])
	assert.Equal(t, float64(60), body["yes_odds"])
	id := body["id"].(string)

	code, body = h.do(t, http.MethodGet, "/api/markets/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "EPL", body["category"])

	code, body = h.do(t, http.MethodPost, "/api/admin/markets/generate", `{"template":"penalty","home":"a","away":"b"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(domain.KindNotFound), body["kind"])

	code, _ = h.do(t, http.MethodPost, "/api/admin/markets", `{"id":"custom","question":"Custom?","status":"LIVE","yes_odds":30,"no_odds":70}`)
	require.Equal(t, http.StatusCreated, code)

	code, _ = h.do(t, http.MethodPost, "/api/admin/markets/reset", "")
	require.Equal(t, http.StatusOK, code)
	code, body = h.do(t, http.MethodGet, "/api/markets/custom", "")
	assert.Equal(t, http.StatusOK, code, "reset markets are still served from the store")
	assert.Equal(t, "Custom?", body["question"])
}

func TestServer_RateLimit(t *testing.T) {
	h := newHarness(t, func(c *server.Config) {
		c.RateLimit = 2
		c.RateWindow = time.Minute
	})
	for i := 0; i < 2; i++ {
		code, _ := h.do(t, http.MethodGet, "/api/balance", "")
		require.Equal(t, http.StatusOK, code)
	}
	code, body := h.do(t, http.MethodGet, "/api/balance", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "RateLimited", body["kind"])
}

func TestServer_CORSPreflight(t *testing.T) {
	h := newHarness(t, func(c *server.Config) { c.CORSOrigins = []string{"https://app.example"} })
	req, _ := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/bets", nil)
	req.Header.Set("Origin", "https://app.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_WebsocketStreamsEvents(t *testing.T) {
	h := newHarness(t, nil)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Api-Key": []string{apiKey}})
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return h.hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	code, _ := h.do(t, http.MethodPost, "/api/admin/markets/generate", `{"template":"card","home":"A","away":"B"}`)
	require.Equal(t, http.StatusCreated, code)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env ws.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	var ev service.Event
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, domain.ChannelMarkets, env.Channel)
	assert.Equal(t, service.EventMarketAdded, ev.Event)
}

func TestServer_WebsocketReplaysJournal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.bus.StreamAppend(ctx, domain.StreamLedger, []byte(`{"event":"bet_placed"}`)))
	require.NoError(t, h.bus.StreamAppend(ctx, domain.StreamLedger, []byte(`{"event":"market_resolved"}`)))

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?format=proto"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer " + apiKey}})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ws.Request{Action: "replay"}))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var events []string
	for i := 0; i < 2; i++ {
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, kind)
		var st structpb.Struct
		require.NoError(t, proto.Unmarshal(data, &st))
		m := st.AsMap()
		assert.Equal(t, domain.StreamLedger, m["channel"])
		assert.NotEmpty(t, m["id"])
		events = append(events, m["data"].(map[string]any)["event"].(string))
	}
	assert.Equal(t, []string{"bet_placed", "market_resolved"}, events)
}
