// Package server exposes the round service over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/betcha/internal/domain"
	"github.com/alanyoungcy/betcha/internal/server/handler"
	"github.com/alanyoungcy/betcha/internal/server/middleware"
	"github.com/alanyoungcy/betcha/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards operator routes; empty disables operator auth.
	APIKey    string
	APISecret string
	// RateLimit is requests per RateWindow per client; 0 disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Rounds      *handler.RoundHandler
	Authorities *handler.AuthorityHandler
	Ledger      *handler.LedgerHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// Signed-call routes authenticate through the call signature; operator
// routes additionally require the API key. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	operator := middleware.Auth(cfg.APIKey, cfg.APISecret)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Rounds.
	mux.HandleFunc("GET /api/rounds", handlers.Rounds.ListRounds)
	mux.HandleFunc("POST /api/rounds", handlers.Rounds.CreateRound)
	mux.HandleFunc("GET /api/rounds/{address}", handlers.Rounds.GetRound)
	mux.HandleFunc("GET /api/rounds/{address}/events", handlers.Rounds.ListEvents)
	mux.HandleFunc("GET /api/rounds/{address}/participants/{participant}", handlers.Rounds.GetParticipant)
	mux.HandleFunc("GET /api/rounds/{address}/archive", handlers.Rounds.GetArchive)
	mux.HandleFunc("POST /api/rounds/{address}/wager", handlers.Rounds.Wager)
	mux.HandleFunc("POST /api/rounds/{address}/settle", handlers.Rounds.Settle)
	mux.HandleFunc("POST /api/rounds/{address}/claim", handlers.Rounds.Claim)

	// Resolver groups.
	mux.HandleFunc("GET /api/authorities/{address}", handlers.Authorities.GetGroup)
	mux.HandleFunc("POST /api/authorities/{address}/approvals", handlers.Authorities.Approve)
	mux.HandleFunc("POST /api/authorities/{address}/execute", handlers.Authorities.Execute)

	// Ledger.
	mux.HandleFunc("GET /api/ledger/tokens", handlers.Ledger.Tokens)
	mux.HandleFunc("GET /api/ledger/balances/{address}", handlers.Ledger.Balances)
	mux.HandleFunc("POST /api/ledger/approve", handlers.Ledger.Approve)
	mux.Handle("POST /api/ledger/credit", operator(http.HandlerFunc(handlers.Ledger.Credit)))

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
