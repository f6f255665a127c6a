package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/capitalize-ai/chat-bridge/internal/model"
	"github.com/capitalize-ai/chat-bridge/pkg/logger"
)

// readLimit bounds a single backend frame; recent-item replies can be large.
const readLimit = 32 << 20

// Session is one live connection to the chat backend.
type Session interface {
	// Command sends cmd and waits for the reply carrying the same
	// correlation id. A backend error reply is returned as *RejectedError.
	Command(ctx context.Context, cmd string) (*model.CommandResponse, error)
	Close() error
}

// Dialer opens a new session.
type Dialer func(ctx context.Context) (Session, error)

// SessionConfig configures WebSocket sessions.
type SessionConfig struct {
	URL            string
	CommandTimeout time.Duration
	// DebugEvents logs the type of every async frame skipped while waiting
	// for a reply.
	DebugEvents bool
}

// WebSocketDialer returns a Dialer for the backend's WebSocket command API.
func WebSocketDialer(cfg SessionConfig, log *logger.Logger) Dialer {
	log = log.Named("chat.session")
	return func(ctx context.Context) (Session, error) {
		conn, _, err := websocket.Dial(ctx, cfg.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
		}
		conn.SetReadLimit(readLimit)
		return &wsSession{conn: conn, cfg: cfg, logger: log}, nil
	}
}

type wsSession struct {
	// mu allows one command in flight; replies are matched on a single reader.
	mu     sync.Mutex
	conn   *websocket.Conn
	cfg    SessionConfig
	logger *logger.Logger
}

type frameHeader struct {
	CorrID string `json:"corrId"`
	Resp   struct {
		Type string `json:"type"`
	} `json:"resp"`
}

func (s *wsSession) Command(ctx context.Context, cmd string) (*model.CommandResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A cancelled write would close the connection.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotSent, err)
	}

	if s.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CommandTimeout)
		defer cancel()
	}

	corrID := uuid.NewString()
	if err := wsjson.Write(ctx, s.conn, model.Command{CorrID: corrID, Cmd: cmd}); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read reply: %w", err)
		}
		var head frameHeader
		if err := json.Unmarshal(data, &head); err != nil {
			s.logger.Debug("skipping undecodable frame", zap.Error(err))
			continue
		}
		if head.CorrID != corrID {
			if s.cfg.DebugEvents {
				s.logger.Debug("skipping async event", zap.String("type", head.Resp.Type))
			}
			continue
		}

		var resp model.CommandResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode reply: %w", err)
		}
		switch resp.Resp.Type {
		case model.RespChatCmdError, model.RespChatError:
			return &resp, &RejectedError{Type: resp.Resp.Type, Detail: string(resp.Resp.ChatError)}
		}
		return &resp, nil
	}
}

func (s *wsSession) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
