// Package api provides the HTTP API of scanqueue. It exposes scan sessions,
// project aggregates and resume over REST and session events over WebSocket.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	ghandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anstrom/scanqueue/internal/api/handlers"
	"github.com/anstrom/scanqueue/internal/api/middleware"
	"github.com/anstrom/scanqueue/internal/config"
	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/events"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/metrics"
	"github.com/anstrom/scanqueue/internal/session"
	"github.com/anstrom/scanqueue/internal/store"
)

const defaultShutdownTimeout = 30 * time.Second

// Dependencies are the components the API serves.
type Dependencies struct {
	Manager *session.Manager
	Resumer *session.Resumer
	Store   store.Store
	Events  *events.Broadcaster
	Tool    handlers.ScanTool
	// Database is nil when results are kept in memory.
	Database handlers.DatabasePinger
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

// Server represents the API server.
type Server struct {
	httpServer      *http.Server
	router          *mux.Router
	handler         http.Handler
	logger          *logging.Logger
	metrics         *metrics.Metrics
	shutdownTimeout time.Duration

	sessions *handlers.SessionHandler
	stream   *handlers.StreamHandler
	health   *handlers.HealthHandler
}

// New creates a new API server instance.
func New(cfg config.APIConfig, deps Dependencies) (*Server, error) {
	if deps.Manager == nil || deps.Resumer == nil || deps.Store == nil || deps.Events == nil {
		return nil, errors.NewConfigFieldError(errors.CodeConfiguration, "api server requires manager, resumer, store and events", "dependencies", nil)
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	s := &Server{
		router:          mux.NewRouter(),
		logger:          logger.WithComponent("api"),
		metrics:         deps.Metrics,
		shutdownTimeout: cfg.ShutdownTimeout,
		sessions:        handlers.NewSessionHandler(deps.Manager, deps.Resumer, deps.Store, deps.Tool, logger),
		stream:          handlers.NewStreamHandler(deps.Events, cfg.AllowedOrigins, logger),
		health:          handlers.NewHealthHandler(deps.Database, deps.Tool, deps.Manager, logger),
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = defaultShutdownTimeout
	}

	s.setupRoutes()
	s.setupMiddleware(cfg)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	// No WriteTimeout: event streams are long-lived and set per-frame
	// write deadlines.

	return s, nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.health.Health).Methods(http.MethodGet)
	api.HandleFunc("/system/info", s.health.SystemInfo).Methods(http.MethodGet)

	api.HandleFunc("/projects/{project}/sessions", s.sessions.StartSession).Methods(http.MethodPost)
	api.HandleFunc("/projects/{project}/sessions", s.sessions.ListProjectSessions).Methods(http.MethodGet)
	api.HandleFunc("/projects/{project}/resume", s.sessions.ResumeProject).Methods(http.MethodPost)
	api.HandleFunc("/projects/{project}/aggregate", s.sessions.Aggregate).Methods(http.MethodGet)
	api.HandleFunc("/projects/{project}/progress", s.sessions.Progress).Methods(http.MethodGet)

	api.HandleFunc("/sessions", s.sessions.ListActive).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.sessions.GetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/cancel", s.sessions.CancelSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/events", s.stream.SessionEvents).Methods(http.MethodGet)

	api.HandleFunc("/preview", s.sessions.Preview).Methods(http.MethodPost)

	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetRegistry(), promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)
}

// setupMiddleware configures middleware for the API server.
func (s *Server) setupMiddleware(cfg config.APIConfig) {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(middleware.SecurityHeaders())
	s.router.Use(middleware.ContentType())

	// CORS wraps the router so preflight requests are answered before
	// method matching.
	s.handler = s.router
	if len(cfg.AllowedOrigins) > 0 {
		s.handler = ghandlers.CORS(
			ghandlers.AllowedOrigins(cfg.AllowedOrigins),
			ghandlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
			ghandlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		)(s.router)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server",
		"address", s.httpServer.Addr,
		"read_timeout", s.httpServer.ReadTimeout)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

// index describes the API for root requests.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service": "scanqueue",
		"version": "v1",
		"endpoints": map[string]string{
			"health":   "/api/v1/health",
			"info":     "/api/v1/system/info",
			"sessions": "/api/v1/sessions",
			"metrics":  "/metrics",
		},
		"timestamp": time.Now().UTC(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode API index response", "error", err)
	}
}
