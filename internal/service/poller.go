package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-bridge/internal/chat"
	"github.com/capitalize-ai/chat-bridge/internal/model"
	"github.com/capitalize-ai/chat-bridge/pkg/logger"
	"github.com/capitalize-ai/chat-bridge/pkg/metrics"
)

// DefaultPollCommand asks the backend for its most recent chat items.
const DefaultPollCommand = "/tail"

// SessionProvider hands out the shared backend session. Implemented by
// *chat.Manager.
type SessionProvider interface {
	WithSession(ctx context.Context, fn func(chat.Session) error) error
}

// Poller fetches recent chat items over the managed session.
type Poller struct {
	sessions SessionProvider
	command  string
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

// NewPoller creates a poller sending command on every poll.
func NewPoller(sessions SessionProvider, command string, m *metrics.Metrics, log *logger.Logger) *Poller {
	if command == "" {
		command = DefaultPollCommand
	}
	return &Poller{
		sessions: sessions,
		command:  command,
		metrics:  m,
		logger:   log.Named("poller"),
	}
}

// Poll returns the records of one fetch in backend order. A failed fetch
// counts as a connection error and yields no records. Records that do not
// decode are skipped.
func (p *Poller) Poll(ctx context.Context) ([]model.ChatItemRecord, error) {
	var raw []json.RawMessage
	err := p.sessions.WithSession(ctx, func(s chat.Session) error {
		resp, err := s.Command(ctx, p.command)
		if err != nil {
			return err
		}
		raw = resp.Resp.ChatItems
		return nil
	})
	if err != nil {
		p.metrics.IncConnectionErrors()
		return nil, fmt.Errorf("poll %s: %w", p.command, err)
	}

	records := make([]model.ChatItemRecord, 0, len(raw))
	for _, item := range raw {
		var rec model.ChatItemRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			p.logger.Debug("skipping undecodable chat item", zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
