package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cdandre2010/ohlcvault/internal/domain"
	"github.com/cdandre2010/ohlcvault/internal/server/handler"
	"github.com/cdandre2010/ohlcvault/internal/server/middleware"
	"github.com/cdandre2010/ohlcvault/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimitPerMinute caps requests per client IP; 0 disables it.
	RateLimitPerMinute int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health       *handler.HealthHandler
	Series       *handler.SeriesHandler
	Availability *handler.AvailabilityHandler
	Integrity    *handler.IntegrityHandler
	Retention    *handler.RetentionHandler
}

// Server is the HTTP + WebSocket API of the vault.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

const seriesPath = "/api/series/{instrument}/{timeframe}"

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, logging, auth, rate limit) and attaches the
// WebSocket hub when one is given.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Snapshots and versions.
	mux.HandleFunc("POST "+seriesPath+"/snapshots", handlers.Series.CreateSnapshot)
	mux.HandleFunc("GET "+seriesPath+"/snapshots/{id}", handlers.Series.GetSnapshot)
	mux.HandleFunc("POST "+seriesPath+"/snapshots/{id}/verify", handlers.Series.VerifySnapshot)
	mux.HandleFunc("GET "+seriesPath+"/versions", handlers.Series.ListVersions)
	mux.HandleFunc("GET "+seriesPath+"/compare", handlers.Series.CompareVersions)
	mux.HandleFunc("POST "+seriesPath+"/versions/{version}/tags", handlers.Series.TagVersion)
	mux.HandleFunc("GET "+seriesPath+"/versions/{version}/lineage", handlers.Series.Lineage)

	// Availability.
	mux.HandleFunc("GET "+seriesPath+"/availability/gaps", handlers.Availability.Gaps)
	mux.HandleFunc("POST "+seriesPath+"/availability/check", handlers.Availability.Check)

	// Integrity.
	mux.HandleFunc("POST "+seriesPath+"/anomalies/scan", handlers.Integrity.ScanAnomalies)
	mux.HandleFunc("POST "+seriesPath+"/reconcile", handlers.Integrity.Reconcile)
	mux.HandleFunc("POST "+seriesPath+"/adjustments", handlers.Integrity.ApplyAdjustment)
	mux.HandleFunc("GET "+seriesPath+"/adjustments", handlers.Integrity.ListAdjustments)

	// Retention and archives.
	mux.HandleFunc("POST /api/retention/apply", handlers.Retention.Apply)
	mux.HandleFunc("GET "+seriesPath+"/archives", handlers.Retention.ListArchives)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimitPerMinute, time.Minute, logger)(h)
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
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
