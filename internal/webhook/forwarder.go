// Package webhook delivers normalized events to the downstream consumer.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-bridge/internal/model"
	"github.com/capitalize-ai/chat-bridge/pkg/logger"
	"github.com/capitalize-ai/chat-bridge/pkg/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature"

// MaxBackoff bounds the wait between two attempts.
const MaxBackoff = 5 * time.Minute

// ErrPermanent marks a delivery the consumer rejected for good.
var ErrPermanent = errors.New("webhook rejected permanently")

// StatusError is a non-2xx answer from the consumer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether the status must not be retried: every 4xx
// except 429.
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// Config configures a Forwarder.
type Config struct {
	URL         string
	Secret      string
	Source      string
	MaxAttempts int
	BackoffBase time.Duration
	Timeout     time.Duration
}

// Result describes the outcome of one Forward call.
type Result struct {
	Delivered  bool
	Attempts   int
	StatusCode int
	Permanent  bool
	Err        error
}

// Forwarder POSTs events to the consumer with bounded retry.
type Forwarder struct {
	cfg     Config
	client  *http.Client
	metrics *metrics.Metrics
	logger  *logger.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a forwarder.
func New(cfg Config, m *metrics.Metrics, log *logger.Logger) *Forwarder {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Source == "" {
		cfg.Source = "chat-bridge"
	}
	return &Forwarder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: m,
		logger:  log.Named("webhook"),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Forward delivers ev. Attempt 1 is immediate; attempt n waits
// BackoffBase*2^(n-2), capped at MaxBackoff. 4xx answers other than 429
// stop immediately.
func (f *Forwarder) Forward(ctx context.Context, ev *model.Event) Result {
	ctx, span := otel.Tracer("chatbridge/webhook").Start(ctx, "webhook.Forward")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.key", ev.StateKey()),
		attribute.Int64("chat.item_id", ev.ItemID),
		attribute.String("chat.kind", string(ev.Kind)),
	)

	log := f.logger.With(
		zap.String("conversation", ev.StateKey()),
		zap.Int64("item_id", ev.ItemID),
		zap.String("kind", string(ev.Kind)),
	)

	body, err := json.Marshal(model.NewWebhookPayload(ev, f.cfg.Source, f.now()))
	if err != nil {
		f.metrics.IncWebhookFailures()
		return Result{Permanent: true, Err: fmt.Errorf("encode payload: %w", err)}
	}

	var res Result
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			f.metrics.IncWebhookRetries()
			delay := f.backoff(attempt)
			log.Info("retrying webhook", zap.Int("attempt", attempt), zap.Duration("delay", delay))
			if err := f.sleep(ctx, delay); err != nil {
				res.Err = err
				break
			}
		}

		res.Attempts = attempt
		status, err := f.post(ctx, body)
		res.StatusCode = status
		res.Err = err
		if err == nil {
			res.Delivered = true
			f.metrics.RecordForwarded(string(ev.Kind))
			span.SetAttributes(attribute.Int("webhook.attempts", attempt))
			log.Info("event forwarded", zap.Int("attempts", attempt), zap.Int("status", status))
			return res
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Permanent() {
			res.Permanent = true
			res.Err = fmt.Errorf("%w: %w", ErrPermanent, err)
			break
		}
		log.Warn("webhook attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}

	f.metrics.IncWebhookFailures()
	span.RecordError(res.Err)
	span.SetStatus(codes.Error, "delivery failed")
	log.Error("webhook delivery failed, event dropped",
		zap.Int("attempts", res.Attempts),
		zap.Bool("permanent", res.Permanent),
		zap.Error(res.Err),
	)
	return res
}

func (f *Forwarder) post(ctx context.Context, body []byte) (int, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(f.cfg.Secret, body))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.metrics.RecordWebhookAttempt("error", time.Since(start))
		return 0, err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		f.metrics.RecordWebhookAttempt("delivered", time.Since(start))
		return resp.StatusCode, nil
	}
	f.metrics.RecordWebhookAttempt("rejected", time.Since(start))
	return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
}

func (f *Forwarder) backoff(attempt int) time.Duration {
	delay := f.cfg.BackoffBase
	for i := 2; i < attempt && delay < MaxBackoff; i++ {
		delay *= 2
	}
	return min(delay, MaxBackoff)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
