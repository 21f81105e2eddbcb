package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/forextaskengine/internal/domain"
	"github.com/alanyoungcy/forextaskengine/internal/server/handler"
	"github.com/alanyoungcy/forextaskengine/internal/server/middleware"
	"github.com/alanyoungcy/forextaskengine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port               int
	CORSOrigins        []string
	APIKey             string // if empty, authentication is disabled
	RateLimitPerMinute int    // if 0, rate limiting is disabled
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health         *handler.HealthHandler
	Status         *handler.StatusHandler
	Task           *handler.TaskHandler
	Execution      *handler.ExecutionHandler
	StrategyConfig *handler.StrategyConfigHandler
}

// Server is the headless HTTP + WebSocket control-plane API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health and status (behind the same auth middleware as every route).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Trading task control.
	mux.HandleFunc("POST /api/tasks/trading/{id}/start", handlers.Task.StartTrading)
	mux.HandleFunc("POST /api/tasks/trading/{id}/stop", handlers.Task.StopTrading)
	mux.HandleFunc("POST /api/tasks/trading/{id}/pause", handlers.Task.PauseTrading)
	mux.HandleFunc("POST /api/tasks/trading/{id}/unpause", handlers.Task.UnpauseTrading)
	mux.HandleFunc("POST /api/tasks/trading/{id}/resume", handlers.Task.ResumeTrading)
	mux.HandleFunc("POST /api/tasks/trading/{id}/restart", handlers.Task.RestartTrading)
	mux.HandleFunc("GET /api/tasks/trading/{id}/status", handlers.Task.StatusTrading)

	// Backtest task control.
	mux.HandleFunc("POST /api/tasks/backtest/{id}/start", handlers.Task.StartBacktest)
	mux.HandleFunc("POST /api/tasks/backtest/{id}/stop", handlers.Task.StopBacktest)
	mux.HandleFunc("GET /api/tasks/backtest/{id}/status", handlers.Task.StatusBacktest)

	// Execution reads.
	mux.HandleFunc("GET /api/executions/{id}", handlers.Execution.Get)
	mux.HandleFunc("GET /api/executions/{id}/events", handlers.Execution.StrategyEvents)
	mux.HandleFunc("GET /api/executions/{id}/trades", handlers.Execution.TradeLog)
	mux.HandleFunc("GET /api/executions/{id}/equity-curve", handlers.Execution.EquityCurve)
	mux.HandleFunc("GET /api/executions/{id}/metrics", handlers.Execution.Metrics)

	// Strategy config CRUD.
	mux.HandleFunc("GET /api/strategy-types", handlers.StrategyConfig.ListStrategyTypes)
	mux.HandleFunc("GET /api/strategy-configs", handlers.StrategyConfig.ListByOwner)
	mux.HandleFunc("GET /api/strategy-configs/{id}", handlers.StrategyConfig.Get)
	mux.HandleFunc("POST /api/strategy-configs", handlers.StrategyConfig.Create)
	mux.HandleFunc("PUT /api/strategy-configs/{id}", handlers.StrategyConfig.Update)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux

	if limiter != nil && cfg.RateLimitPerMinute > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimitPerMinute, time.Minute)(h)
	}
	h = middleware.Auth(cfg.APIKey)(h)
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

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
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
