// Package handlers provides HTTP request handlers for the scanqueue API.
// This file implements health check and system information endpoints.
package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/anstrom/scanqueue/internal/logging"
)

// DatabasePinger defines the interface for database health checking.
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

// ActiveCounter reports how many sessions are running.
type ActiveCounter interface {
	ActiveCount() int
}

// Timeout constants.
const (
	healthCheckTimeout = 5 * time.Second
	verifyTimeout      = 10 * time.Second
)

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
	StatusOK            = "ok"
)

// Version is reported by the system info endpoint. It is set at build time.
var Version = "dev"

// HealthHandler handles health check and system info endpoints.
type HealthHandler struct {
	database  DatabasePinger
	tool      ScanTool
	sessions  ActiveCounter
	logger    *logging.Logger
	startTime time.Time
}

// NewHealthHandler creates a new health handler. database may be nil when
// results are kept in memory.
func NewHealthHandler(database DatabasePinger, tool ScanTool, sessions ActiveCounter, logger *logging.Logger) *HealthHandler {
	return &HealthHandler{
		database:  database,
		tool:      tool,
		sessions:  sessions,
		logger:    logger.WithComponent("api.health"),
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// SystemInfoResponse describes the service and its scanner.
type SystemInfoResponse struct {
	Service        string    `json:"service"`
	Version        string    `json:"version"`
	GoVersion      string    `json:"go_version"`
	OS             string    `json:"os"`
	Architecture   string    `json:"architecture"`
	Scanner        string    `json:"scanner"`
	ScannerVersion string    `json:"scanner_version,omitempty"`
	ScannerError   string    `json:"scanner_error,omitempty"`
	ActiveSessions int       `json:"active_sessions"`
	StartTime      time.Time `json:"start_time"`
	Uptime         string    `json:"uptime"`
	Timestamp      time.Time `json:"timestamp"`
}

// Health handles GET /api/v1/health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := StatusHealthy
	checks := make(map[string]string)

	if h.database != nil {
		if err := h.database.Ping(ctx); err != nil {
			status = StatusUnhealthy
			checks["database"] = "failed: " + err.Error()
			h.logger.Warn("Database health check failed", "error", err)
		} else {
			checks["database"] = StatusOK
		}
	} else {
		checks["database"] = StatusNotConfigured
	}

	statusCode := http.StatusOK
	if status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, r, statusCode, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    checks,
	})
}

// SystemInfo handles GET /api/v1/system/info. A missing scanner is reported
// in the body rather than as a failed request.
func (h *HealthHandler) SystemInfo(w http.ResponseWriter, r *http.Request) {
	resp := SystemInfoResponse{
		Service:      "scanqueue",
		Version:      Version,
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		StartTime:    h.startTime,
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		Timestamp:    time.Now().UTC(),
	}
	if h.sessions != nil {
		resp.ActiveSessions = h.sessions.ActiveCount()
	}

	if h.tool != nil {
		resp.Scanner = h.tool.Binary()
		ctx, cancel := context.WithTimeout(r.Context(), verifyTimeout)
		defer cancel()
		version, err := h.tool.Verify(ctx)
		if err != nil {
			resp.ScannerError = err.Error()
		} else {
			resp.ScannerVersion = version
		}
	}

	writeJSON(w, r, http.StatusOK, resp)
}
