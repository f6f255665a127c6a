package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-bridge/internal/chat"
	"github.com/capitalize-ai/chat-bridge/internal/model"
	"github.com/capitalize-ai/chat-bridge/pkg/logger"
	"github.com/capitalize-ai/chat-bridge/pkg/metrics"
)

// MaxTextBytes bounds the text of an outbound message.
const MaxTextBytes = 16 << 10

// ErrInvalidRequest is returned for malformed send requests.
var ErrInvalidRequest = errors.New("invalid send request")

// Gateway relays replies to the chat backend. It never touches the
// deduplication state or the rate limiter.
type Gateway struct {
	sessions SessionProvider
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

// NewGateway creates a gateway over the shared session.
func NewGateway(sessions SessionProvider, m *metrics.Metrics, log *logger.Logger) *Gateway {
	return &Gateway{
		sessions: sessions,
		metrics:  m,
		logger:   log.Named("gateway"),
	}
}

// ValidateOutbound checks a send request.
func ValidateOutbound(req model.OutboundRequest) error {
	if req.ContactID <= 0 {
		return fmt.Errorf("%w: contactId must be positive", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	if !utf8.ValidString(req.Text) {
		return fmt.Errorf("%w: text must be valid UTF-8", ErrInvalidRequest)
	}
	if len(req.Text) > MaxTextBytes {
		return fmt.Errorf("%w: text exceeds %d bytes", ErrInvalidRequest, MaxTextBytes)
	}
	return nil
}

// Send delivers one message with a single attempt.
func (g *Gateway) Send(ctx context.Context, req model.OutboundRequest) error {
	if err := ValidateOutbound(req); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "gateway.Send")
	defer span.End()
	span.SetAttributes(attribute.Int64("chat.contact_id", req.ContactID))

	cmd := fmt.Sprintf("@%d %s", req.ContactID, req.Text)
	err := g.sessions.WithSession(ctx, func(s chat.Session) error {
		_, err := s.Command(ctx, cmd)
		return err
	})
	if err != nil {
		span.RecordError(err)
		g.logger.Warn("send failed", zap.Int64("contact_id", req.ContactID), zap.Error(err))
		return fmt.Errorf("send to contact %d: %w", req.ContactID, err)
	}

	g.metrics.IncSent()
	g.logger.Info("message sent", zap.Int64("contact_id", req.ContactID), zap.Int("length", len(req.Text)))
	return nil
}
