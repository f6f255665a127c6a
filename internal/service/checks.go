package service

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/capitalize-ai/chat-bridge/internal/chat"
)

// CheckBackend opens a throwaway session and runs /help.
func CheckBackend(ctx context.Context, dial chat.Dialer, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("chat backend unreachable: %w", err)
	}
	defer s.Close()

	if _, err := s.Command(ctx, "/help"); err != nil {
		return fmt.Errorf("chat backend not answering: %w", err)
	}
	return nil
}

// CheckWebhook verifies the webhook host accepts TCP connections.
func CheckWebhook(ctx context.Context, webhookURL string, timeout time.Duration) error {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("parse webhook url: %w", err)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("webhook url %q has no host", webhookURL)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return fmt.Errorf("webhook host unreachable: %w", err)
	}
	return conn.Close()
}
