package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/chat-bridge/internal/model"
	"github.com/capitalize-ai/chat-bridge/internal/state"
)

// Watermarks is the read side of the deduplication state. Implemented by
// *state.Store.
type Watermarks interface {
	Snapshot() state.Snapshot
	Watermark(key string) (int64, bool)
	Recent(n int) []model.Watermark
}

// ConversationHandler exposes the deduplication state read-only.
type ConversationHandler struct {
	store Watermarks
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(store Watermarks) *ConversationHandler {
	return &ConversationHandler{store: store}
}

// ListResponse is returned by GET /conversations.
type ListResponse struct {
	Conversations []model.Watermark `json:"conversations"`
	Count         int               `json:"count"`
}

// State handles GET /state and returns the raw snapshot.
func (h *ConversationHandler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Snapshot())
}

// List handles GET /conversations?limit=N, most recent first.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	recent := h.store.Recent(limit)
	writeJSON(w, http.StatusOK, ListResponse{Conversations: recent, Count: len(recent)})
}

// Get handles GET /conversations/{key}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	itemID, ok := h.store.Watermark(key)
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, model.Watermark{Key: key, ItemID: itemID})
}
