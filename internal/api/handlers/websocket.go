// Package handlers provides HTTP request handlers for the scanqueue API.
// This file maps session event subscriptions onto WebSocket connections.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/scanqueue/internal/api/middleware"
	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/events"
	"github.com/anstrom/scanqueue/internal/logging"
)

const (
	// WebSocket configuration constants.
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
)

// Close reasons sent to the peer.
const (
	closeSessionFinished = "session finished"
	closeFellBehind      = "subscriber fell behind, reconnect with after_seq"
)

// StreamHandler serves a session's event log over WebSocket: every event
// already published is replayed, then live events follow until the
// terminal event.
type StreamHandler struct {
	events   *events.Broadcaster
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a stream handler. allowedOrigins may contain "*".
func NewStreamHandler(bc *events.Broadcaster, allowedOrigins []string, logger *logging.Logger) *StreamHandler {
	return &StreamHandler{
		events: bc,
		logger: logger.WithComponent("api.stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// SessionEvents handles GET /api/v1/sessions/{id}/events. The optional
// after_seq query parameter skips events the client already has.
func (h *StreamHandler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	id, err := pathVar(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var afterSeq uint64
	if raw := r.URL.Query().Get("after_seq"); raw != "" {
		afterSeq, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest,
				errors.NewScanError(errors.CodeValidation, "after_seq must be a non-negative integer"))
			return
		}
	}

	// Subscribe before upgrading so unknown sessions get a plain 404.
	sub, err := h.events.Subscribe(id)
	if err != nil {
		writeError(w, r, statusForError(err), err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			h.logger.Debug("Error closing WebSocket connection", "request_id", requestID, "error", err)
		}
	}()

	h.logger.Info("Event stream opened", "request_id", requestID, "session_id", id, "after_seq", afterSeq)

	peerGone := make(chan struct{})
	go h.readPump(conn, peerGone, requestID)
	h.writePump(conn, sub, afterSeq, peerGone, requestID)
}

// readPump drains control frames and notices when the peer goes away.
// Clients are not expected to send data.
func (h *StreamHandler) readPump(conn *websocket.Conn, peerGone chan<- struct{}, requestID string) {
	defer close(peerGone)

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket unexpected close", "request_id", requestID, "error", err)
			}
			return
		}
	}
}

// writePump forwards events as JSON text frames and keeps the connection
// alive with pings.
func (h *StreamHandler) writePump(conn *websocket.Conn, sub *events.Subscription, afterSeq uint64, peerGone <-chan struct{}, requestID string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				h.closeStream(conn, sub, requestID)
				return
			}
			if ev.Seq <= afterSeq {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("Write failed, closing stream", "request_id", requestID, "error", err)
				return
			}

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Ping failed, closing stream", "request_id", requestID, "error", err)
				return
			}

		case <-peerGone:
			return
		}
	}
}

// closeStream sends a close frame telling the peer why the stream ended.
func (h *StreamHandler) closeStream(conn *websocket.Conn, sub *events.Subscription, requestID string) {
	code, reason := websocket.CloseNormalClosure, closeSessionFinished
	if sub.Dropped() {
		code, reason = websocket.CloseTryAgainLater, closeFellBehind
		h.logger.Warn("Event stream dropped slow client", "request_id", requestID, "session_id", sub.SessionID())
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		h.logger.Debug("Failed to send close frame", "request_id", requestID, "error", err)
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}
