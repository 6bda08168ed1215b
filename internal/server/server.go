// Package server is the HTTP ingress: the charting-platform webhook, the
// operational API, and the WebSocket event stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pmbot/internal/config"
	"pmbot/internal/server/handler"
	"pmbot/internal/server/middleware"
	"pmbot/internal/server/ws"
)

// Handlers aggregates everything the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Webhook *handler.WebhookHandler
	Status  *handler.StatusHandler
}

// Server wraps the http.Server with graceful shutdown.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds the route table and middleware chain. The webhook route skips
// API-key auth (payload secret instead) but gets the rate limit; limiter may
// be nil when the in-memory store is disabled.
func New(cfg config.ServerConfig, handlers Handlers, hub *ws.Hub, limiter middleware.Limiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	var webhook http.Handler = http.HandlerFunc(handlers.Webhook.Handle)
	if limiter != nil && cfg.RateLimitPerMin > 0 {
		webhook = middleware.RateLimit(limiter, cfg.RateLimitPerMin, time.Minute)(webhook)
	}
	mux.Handle("POST /webhook", webhook)
	mux.HandleFunc("GET /webhook/stats", handlers.Webhook.Stats)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Operational endpoints behind the API key.
	authed := middleware.Auth(cfg.APIKey)
	mux.Handle("GET /api/status", authed(http.HandlerFunc(handlers.Status.Status)))
	mux.Handle("GET /api/positions", authed(http.HandlerFunc(handlers.Status.Positions)))
	mux.Handle("GET /api/coordinator", authed(http.HandlerFunc(handlers.Status.Coordinator)))

	if hub != nil {
		mux.Handle("GET /ws", authed(http.HandlerFunc(hub.HandleWS)))
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.RequestID(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
