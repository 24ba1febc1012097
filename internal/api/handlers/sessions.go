package handlers

import (
	"context"
	"net/http"

	"github.com/anstrom/scanqueue/internal/api/middleware"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/scanning"
	"github.com/anstrom/scanqueue/internal/session"
	"github.com/anstrom/scanqueue/internal/store"
)

// ScanTool is the scanner binary as seen by the API.
type ScanTool interface {
	Binary() string
	Verify(ctx context.Context) (string, error)
}

// SessionHandler exposes the session engine and the project result log.
type SessionHandler struct {
	manager *session.Manager
	resumer *session.Resumer
	store   store.Store
	tool    ScanTool
	logger  *logging.Logger
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(manager *session.Manager, resumer *session.Resumer, st store.Store, tool ScanTool, logger *logging.Logger) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		resumer: resumer,
		store:   st,
		tool:    tool,
		logger:  logger.WithComponent("api.sessions"),
	}
}

// StartSessionRequest is the body of POST /projects/{project}/sessions.
// Options are validated after normalization by the session manager.
type StartSessionRequest struct {
	Targets []scanning.Target    `json:"targets" validate:"required,min=1,dive"`
	Options scanning.ScanOptions `json:"options" validate:"-"`
}

// PreviewRequest is the body of POST /preview.
type PreviewRequest struct {
	Target  scanning.Target      `json:"target"`
	Options scanning.ScanOptions `json:"options" validate:"-"`
}

// SessionCreatedResponse is returned when a session was started.
type SessionCreatedResponse struct {
	SessionID string `json:"session_id"`
}

// CancelResponse reports whether a cancel request took effect.
type CancelResponse struct {
	SessionID string       `json:"session_id"`
	Cancelled bool         `json:"cancelled"`
	Status    store.Status `json:"status"`
}

// ActiveSessionsResponse lists running sessions.
type ActiveSessionsResponse struct {
	Sessions []session.Snapshot `json:"sessions"`
	Count    int                `json:"count"`
}

// PreviewResponse carries the scanner command line for one target.
type PreviewResponse struct {
	Command string `json:"command"`
}

// StartSession handles POST /api/v1/projects/{project}/sessions.
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathVar(r, "project")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	var req StartSessionRequest
	if err := parseJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	id, err := h.manager.StartSession(r.Context(), projectID, req.Targets, req.Options)
	if err != nil {
		handleError(w, r, h.logger, "start_session", err)
		return
	}

	h.logger.Info("Session started via API",
		"request_id", middleware.GetRequestID(r),
		"session_id", id,
		"project_id", projectID,
		"targets", len(req.Targets))
	writeJSON(w, r, http.StatusCreated, SessionCreatedResponse{SessionID: id})
}

// ResumeProject handles POST /api/v1/projects/{project}/resume.
func (h *SessionHandler) ResumeProject(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathVar(r, "project")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	id, err := h.resumer.Resume(r.Context(), projectID)
	if err != nil {
		handleError(w, r, h.logger, "resume", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, SessionCreatedResponse{SessionID: id})
}

// Aggregate handles GET /api/v1/projects/{project}/aggregate.
func (h *SessionHandler) Aggregate(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathVar(r, "project")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	agg, err := h.store.Aggregate(r.Context(), projectID)
	if err != nil {
		handleError(w, r, h.logger, "aggregate", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agg)
}

// Progress handles GET /api/v1/projects/{project}/progress.
func (h *SessionHandler) Progress(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathVar(r, "project")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	prog, err := h.store.LastProgress(r.Context(), projectID)
	if err != nil {
		handleError(w, r, h.logger, "last_progress", err)
		return
	}
	writeJSON(w, r, http.StatusOK, prog)
}

// ListProjectSessions handles GET /api/v1/projects/{project}/sessions.
func (h *SessionHandler) ListProjectSessions(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathVar(r, "project")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	sessions, err := h.store.ListSessions(r.Context(), projectID)
	if err != nil {
		handleError(w, r, h.logger, "list_sessions", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"project_id": projectID,
		"sessions":   sessions,
		"count":      len(sessions),
	})
}

// ListActive handles GET /api/v1/sessions.
func (h *SessionHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	active := h.manager.Active()
	writeJSON(w, r, http.StatusOK, ActiveSessionsResponse{Sessions: active, Count: len(active)})
}

// GetSession handles GET /api/v1/sessions/{id}.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	snap, err := h.manager.Status(r.Context(), id)
	if err != nil {
		handleError(w, r, h.logger, "status", err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// CancelSession handles POST /api/v1/sessions/{id}/cancel. Cancelling a
// session that already stopped is not an error and reports false.
func (h *SessionHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	cancelled := h.manager.Cancel(id)
	snap, err := h.manager.Status(r.Context(), id)
	if err != nil {
		handleError(w, r, h.logger, "cancel", err)
		return
	}
	writeJSON(w, r, http.StatusOK, CancelResponse{SessionID: id, Cancelled: cancelled, Status: snap.Status})
}

// Preview handles POST /api/v1/preview.
func (h *SessionHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := parseJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := scanning.ValidateTargets([]scanning.Target{req.Target}, 0); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	opts, err := h.manager.CheckOptions(req.Options)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	binary := "nmap"
	if h.tool != nil {
		binary = h.tool.Binary()
	}
	writeJSON(w, r, http.StatusOK, PreviewResponse{Command: scanning.Preview(binary, req.Target, opts)})
}
