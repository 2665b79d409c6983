// Package api is the HTTP ingestion adapter: heartbeat pings in, tracked key
// and alert history views out.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/deadman/internal/events"
	"github.com/mattjoyce/deadman/internal/history"
	"github.com/mattjoyce/deadman/internal/watchdog"
)

// Watchdog is the engine surface the adapter needs.
type Watchdog interface {
	RegisterPing(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]watchdog.KeyStatus, error)
	Forget(ctx context.Context, key string) (bool, error)
	Stats() watchdog.Stats
	GracePeriod() time.Duration
}

// AlertHistory lists recorded delivery attempts.
type AlertHistory interface {
	Recent(ctx context.Context, limit int) ([]history.Delivery, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// EnqueueTimeout bounds how long a ping waits for room in the ping queue
	// before the request fails with 503.
	EnqueueTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	watchdog  Watchdog
	history   AlertHistory
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	now       func() time.Time
}

// New creates a new API server instance. hist and hub may be nil.
func New(config Config, wd Watchdog, hist AlertHistory, hub *events.Hub, logger *slog.Logger) *Server {
	if config.EnqueueTimeout <= 0 {
		config.EnqueueTimeout = time.Second
	}
	return &Server{
		config:    config,
		watchdog:  wd,
		history:   hist,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: /events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post("/ping/{key}", s.handlePing)
	r.Delete("/ping/{key}", s.handleForget)
	r.Get("/keys", s.handleKeys)
	r.Get("/alerts", s.handleAlerts)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/events", s.handleEvents)
	r.Get("/openapi.json", s.handleOpenAPI)

	return r
}

// loggingMiddleware logs HTTP requests. Pings are frequent, so successful
// ones log at debug.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if r.Method == http.MethodPost && ww.Status() == http.StatusOK {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
