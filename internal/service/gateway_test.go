package service

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/capitalize-ai/chat-bridge/internal/chat"
	"github.com/capitalize-ai/chat-bridge/internal/model"
	"github.com/capitalize-ai/chat-bridge/internal/state"
	"github.com/capitalize-ai/chat-bridge/pkg/logger"
	"github.com/capitalize-ai/chat-bridge/pkg/metrics"
)

func TestGatewaySendFormatsCommand(t *testing.T) {
	backend := &scriptedBackend{}
	m := metrics.New()
	g := NewGateway(backend, m, logger.NewNop())

	if err := g.Send(context.Background(), model.OutboundRequest{ContactID: 7, Text: "hi there"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(backend.commands) != 1 || backend.commands[0] != "@7 hi there" {
		t.Fatalf("unexpected commands %v", backend.commands)
	}
	if m.Snapshot().MessagesSent != 1 {
		t.Fatalf("expected sent counter to increment")
	}
}

func TestGatewayValidation(t *testing.T) {
	tests := []struct {
		name string
		req  model.OutboundRequest
	}{
		{"zero contact", model.OutboundRequest{ContactID: 0, Text: "hi"}},
		{"negative contact", model.OutboundRequest{ContactID: -1, Text: "hi"}},
		{"empty text", model.OutboundRequest{ContactID: 7, Text: "  "}},
		{"invalid utf8", model.OutboundRequest{ContactID: 7, Text: "\xff\xfe"}},
		{"too long", model.OutboundRequest{ContactID: 7, Text: strings.Repeat("a", MaxTextBytes+1)}},
	}
	backend := &scriptedBackend{}
	g := NewGateway(backend, metrics.New(), logger.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := g.Send(context.Background(), tt.req); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
	if len(backend.commands) != 0 {
		t.Fatalf("invalid requests must not reach the backend")
	}
}

func TestGatewayMeasuresTextInBytes(t *testing.T) {
	backend := &scriptedBackend{}
	g := NewGateway(backend, metrics.New(), logger.NewNop())

	atLimit := strings.Repeat("é", MaxTextBytes/2)
	if err := g.Send(context.Background(), model.OutboundRequest{ContactID: 7, Text: atLimit}); err != nil {
		t.Fatalf("text of exactly %d bytes must pass: %v", MaxTextBytes, err)
	}
	over := strings.Repeat("日", MaxTextBytes/3+1)
	if err := g.Send(context.Background(), model.OutboundRequest{ContactID: 7, Text: over}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("%d runes in %d bytes must be rejected, got %v", MaxTextBytes/3+1, len(over), err)
	}
}

func TestGatewaySendWithoutSession(t *testing.T) {
	log := logger.NewNop()
	m := metrics.New()
	cfg := chat.DefaultManagerConfig()
	cfg.AcquireTimeout = 20 * time.Millisecond
	never := func(ctx context.Context) (chat.Session, error) { return nil, errors.New("unreachable") }
	mgr := chat.NewManager(cfg, never, m, log)
	store := state.Open(context.Background(), state.NewMemoryBackend(), m, log)

	g := NewGateway(mgr, m, log)
	err := g.Send(context.Background(), model.OutboundRequest{ContactID: 7, Text: "hi"})
	if !errors.Is(err, chat.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if store.Len() != 0 || m.Snapshot().StateSaves != 0 || m.Snapshot().MessagesSent != 0 {
		t.Fatalf("failed send must not mutate state")
	}
}

func TestCheckWebhook(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	if err := CheckWebhook(context.Background(), "http://"+addr+"/webhook", time.Second); err != nil {
		t.Fatalf("expected reachable webhook, got %v", err)
	}
	ln.Close()
	if err := CheckWebhook(context.Background(), "http://"+addr+"/webhook", time.Second); err == nil {
		t.Fatalf("expected unreachable webhook")
	}
	if err := CheckWebhook(context.Background(), "not a url", time.Second); err == nil {
		t.Fatalf("expected error for url without host")
	}
}

func TestCheckBackend(t *testing.T) {
	backend := &scriptedBackend{}
	dial := func(ctx context.Context) (chat.Session, error) { return backend, nil }
	if err := CheckBackend(context.Background(), dial, time.Second); err != nil {
		t.Fatalf("check backend: %v", err)
	}
	if len(backend.commands) != 1 || backend.commands[0] != "/help" {
		t.Fatalf("unexpected commands %v", backend.commands)
	}

	failing := func(ctx context.Context) (chat.Session, error) { return nil, errors.New("refused") }
	if err := CheckBackend(context.Background(), failing, time.Second); err == nil {
		t.Fatalf("expected error")
	}
}
