// Package server exposes the wagering and session API over HTTP and streams
// live events over websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/crypto"
	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/alanyoungcy/yellowbet/internal/server/handler"
	"github.com/alanyoungcy/yellowbet/internal/server/middleware"
	"github.com/alanyoungcy/yellowbet/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// OracleSecret enables the HMAC-signed resolution endpoint.
	OracleSecret  string
	OracleMaxSkew time.Duration

	// RateLimit is the per-client request budget per RateWindow. Zero
	// disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Reports may be nil when no object store is configured.
type Handlers struct {
	Health   *handler.HealthHandler
	Sessions *handler.SessionHandler
	Wagers   *handler.WagerHandler
	Markets  *handler.MarketHandler
	Reports  *handler.ReportHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain. hub and limiter may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Health.GetStatus)

	mux.HandleFunc("GET /api/session", handlers.Sessions.GetSession)
	mux.HandleFunc("POST /api/session", handlers.Sessions.OpenSession)
	mux.HandleFunc("POST /api/session/close", handlers.Sessions.CloseSession)
	mux.HandleFunc("POST /api/session/discard", handlers.Sessions.DiscardSession)
	mux.HandleFunc("GET /api/sessions", handlers.Sessions.ListHistory)
	mux.HandleFunc("GET /api/sessions/pending", handlers.Sessions.ListPending)
	mux.HandleFunc("GET /api/sessions/{id}/bets", handlers.Wagers.ListSessionBets)
	mux.HandleFunc("GET /api/sessions/{id}/audit", handlers.Sessions.ListTrail)

	mux.HandleFunc("GET /api/balance", handlers.Wagers.GetBalance)
	mux.HandleFunc("GET /api/positions", handlers.Wagers.ListPositions)
	mux.HandleFunc("GET /api/bets", handlers.Wagers.ListBets)
	mux.HandleFunc("POST /api/bets", handlers.Wagers.PlaceWager)
	mux.HandleFunc("DELETE /api/bets/settled", handlers.Wagers.ClearHistory)

	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)

	mux.HandleFunc("POST /api/admin/markets", handlers.Markets.AddMarket)
	mux.HandleFunc("POST /api/admin/markets/generate", handlers.Markets.GenerateMarket)
	mux.HandleFunc("POST /api/admin/markets/reset", handlers.Markets.ResetMarkets)
	mux.HandleFunc("POST /api/admin/markets/{id}/resolve", handlers.Wagers.ResolveMarket)

	if handlers.Reports != nil {
		mux.HandleFunc("GET /api/reports", handlers.Reports.ListReports)
		mux.HandleFunc("GET /api/sessions/{id}/report", handlers.Reports.GetReport)
	}

	if cfg.OracleSecret != "" {
		signed := middleware.Signed(&crypto.HMACAuth{Secret: cfg.OracleSecret, MaxSkew: cfg.OracleMaxSkew}, logger)
		mux.Handle("POST /api/oracle/resolutions", signed(http.HandlerFunc(handlers.Wagers.ResolveMarket)))
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	// The oracle authenticates by signature; health stays open for probes.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/api/oracle/")(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Session open and close wait on chain confirmations.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, logger: logger}
}

// Handler returns the root handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
