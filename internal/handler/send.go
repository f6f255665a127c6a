package handler

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-bridge/internal/chat"
	"github.com/capitalize-ai/chat-bridge/internal/middleware"
	"github.com/capitalize-ai/chat-bridge/internal/model"
	"github.com/capitalize-ai/chat-bridge/internal/service"
	"github.com/capitalize-ai/chat-bridge/pkg/logger"
)

// Sender relays a reply to the chat backend. Implemented by
// *service.Gateway.
type Sender interface {
	Send(ctx context.Context, req model.OutboundRequest) error
}

// SendHandler handles the outbound send endpoint.
type SendHandler struct {
	gateway Sender
	logger  *logger.Logger
}

// NewSendHandler creates a new send handler.
func NewSendHandler(gateway Sender, log *logger.Logger) *SendHandler {
	return &SendHandler{gateway: gateway, logger: log.Named("handler.send")}
}

// Send handles POST /send
func (h *SendHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req model.OutboundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.gateway.Send(r.Context(), req); err != nil {
		status := sendStatus(err)
		if status >= http.StatusInternalServerError {
			middleware.RequestLogger(r.Context(), h.logger).Warn("send request failed",
				zap.Int64("contact_id", req.ContactID),
				zap.Int("status", status),
				zap.Error(err),
			)
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, model.SendResponse{Status: "sent"})
}

func sendStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrCommandRejected):
		return http.StatusBadGateway
	case errors.Is(err, chat.ErrNotConnected), errors.Is(err, chat.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
