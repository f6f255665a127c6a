// Package amqp mirrors bridge events to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-bridge/internal/model"
	"github.com/capitalize-ai/chat-bridge/pkg/logger"
)

// DefaultExchange is used when no exchange is configured.
const DefaultExchange = "chatbridge.events"

// ErrDisconnected is returned by Publish while the broker is unreachable.
var ErrDisconnected = errors.New("amqp: not connected")

// Config holds the broker settings.
type Config struct {
	URL           string
	Exchange      string
	Source        string
	RetryAttempts int
	RetryDelay    time.Duration
	// DialTimeout bounds one dial including the AMQP handshake.
	DialTimeout time.Duration
	// RedialInterval is the minimum gap between background reconnects.
	RedialInterval time.Duration
}

// Publisher publishes event payloads to a durable topic exchange.
type Publisher struct {
	cfg    Config
	logger *logger.Logger
	now    func() time.Time
	open   func(ctx context.Context) (*amqp091.Connection, error)

	mu        sync.Mutex
	conn      *amqp091.Connection
	redialing bool
	lastDial  time.Time
	closed    bool
	wg        sync.WaitGroup
}

func newPublisher(cfg Config, log *logger.Logger) *Publisher {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RedialInterval <= 0 {
		cfg.RedialInterval = 10 * time.Second
	}
	p := &Publisher{cfg: cfg, logger: log.Named("amqp"), now: time.Now}
	p.open = p.openConn
	return p
}

// Connect dials the broker with retry and declares the exchange.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Publisher, error) {
	p := newPublisher(cfg, log)
	conn, err := p.dialWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func (p *Publisher) dialWithRetry(ctx context.Context) (*amqp091.Connection, error) {
	var lastErr error
	delay := p.cfg.RetryDelay
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		conn, err := p.open(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		p.logger.Warn("rabbit dial failed",
			zap.Int("attempt", attempt),
			zap.Duration("sleep", delay),
			zap.Error(err),
		)
		if attempt == p.cfg.RetryAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", p.cfg.RetryAttempts, lastErr)
}

// openConn dials once within DialTimeout and declares the exchange.
func (p *Publisher) openConn(ctx context.Context) (*amqp091.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	conn, err := amqp091.DialConfig(p.cfg.URL, amqp091.Config{
		Locale: "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			c, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// Cleared by the client once the handshake completes.
			if deadline, ok := ctx.Deadline(); ok {
				if err := c.SetDeadline(deadline); err != nil {
					c.Close()
					return nil, err
				}
			}
			return c, nil
		},
	})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", p.cfg.Exchange, err)
	}
	return conn, nil
}

// RoutingKey returns the routing key for an event.
func RoutingKey(ev *model.Event) string {
	return fmt.Sprintf("events.%s.%s", ev.ChatType, ev.Kind)
}

// Name identifies the mirror in logs.
func (p *Publisher) Name() string { return "amqp" }

// Publish sends ev to the exchange. While the connection is down it
// returns ErrDisconnected at once and schedules a background redial.
func (p *Publisher) Publish(ctx context.Context, ev *model.Event) error {
	body, err := json.Marshal(model.NewWebhookPayload(ev, p.cfg.Source, p.now()))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ch, err := p.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return ch.PublishWithContext(ctx, p.cfg.Exchange, RoutingKey(ev), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    fmt.Sprintf("%s:%d", ev.StateKey(), ev.ItemID),
		Timestamp:    p.now(),
		Body:         body,
	})
}

func (p *Publisher) channel() (*amqp091.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() {
		p.redialLocked()
		return nil, ErrDisconnected
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// redialLocked starts one background dial unless one is running or the
// last attempt is younger than RedialInterval. p.mu must be held.
func (p *Publisher) redialLocked() {
	now := p.now()
	if p.closed || p.redialing || (!p.lastDial.IsZero() && now.Sub(p.lastDial) < p.cfg.RedialInterval) {
		return
	}
	p.redialing = true
	p.lastDial = now
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		conn, err := p.open(context.Background())

		p.mu.Lock()
		defer p.mu.Unlock()
		p.redialing = false
		switch {
		case err != nil:
			p.logger.Warn("rabbit redial failed", zap.Error(err))
		case p.closed:
			conn.Close()
		default:
			p.logger.Info("rabbit connection restored")
			p.conn = conn
		}
	}()
}

// Close closes the broker connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	conn := p.conn
	p.mu.Unlock()

	p.wg.Wait()
	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}
