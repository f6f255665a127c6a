package handler

import (
	"net/http"

	"github.com/capitalize-ai/chat-bridge/internal/model"
)

// ConnectionState reports whether the chat backend session is live.
// Implemented by *chat.Manager.
type ConnectionState interface {
	Connected() bool
}

// ConversationCounter reports how many conversations are tracked.
// Implemented by *state.Store.
type ConversationCounter interface {
	Len() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	conn  ConnectionState
	store ConversationCounter
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(conn ConnectionState, store ConversationCounter) *HealthHandler {
	return &HealthHandler{
		conn:  conn,
		store: store,
	}
}

// Health handles GET /health. It always answers 200; a lost backend
// session only degrades the status.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	connected := h.conn.Connected()
	status := "healthy"
	if !connected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, model.HealthResponse{
		Status:        status,
		WSConnected:   connected,
		StateContacts: h.store.Len(),
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.conn.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "chat backend not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
