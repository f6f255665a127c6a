package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/capitalize-ai/chat-bridge/internal/model"
	"github.com/capitalize-ai/chat-bridge/pkg/logger"
	"github.com/capitalize-ai/chat-bridge/pkg/metrics"
)

func testEvent() *model.Event {
	return &model.Event{
		ChatType:       model.ChatDirect,
		ConversationID: 7,
		DisplayName:    "alice",
		ItemID:         10,
		Direction:      model.DirectionInbound,
		Kind:           model.KindText,
		Text:           "hello",
	}
}

// statusServer answers with the given statuses in order, repeating the last.
func statusServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		if n > len(statuses) {
			n = len(statuses)
		}
		w.WriteHeader(statuses[n-1])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestForwarder(url string, m *metrics.Metrics, sleeps *[]time.Duration) *Forwarder {
	f := New(Config{
		URL:         url,
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		Timeout:     time.Second,
	}, m, logger.NewNop())
	var mu sync.Mutex
	f.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*sleeps = append(*sleeps, d)
		mu.Unlock()
		return nil
	}
	return f
}

func TestForwardRetriesTransientFailures(t *testing.T) {
	srv, calls := statusServer(t, http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK)
	m := metrics.New()
	var sleeps []time.Duration
	f := newTestForwarder(srv.URL, m, &sleeps)

	res := f.Forward(context.Background(), testEvent())
	if !res.Delivered || res.Attempts != 3 || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 requests, got %d", calls.Load())
	}
	snap := m.Snapshot()
	if snap.MessagesForwarded != 1 || snap.WebhookRetries != 2 || snap.WebhookFailures != 0 {
		t.Fatalf("unexpected counters %+v", snap)
	}
	if len(sleeps) != 2 || sleeps[0] != 2*time.Second || sleeps[1] != 4*time.Second {
		t.Fatalf("unexpected backoff %v", sleeps)
	}
}

func TestForwardClientErrorIsPermanent(t *testing.T) {
	srv, calls := statusServer(t, http.StatusBadRequest)
	m := metrics.New()
	var sleeps []time.Duration
	f := newTestForwarder(srv.URL, m, &sleeps)

	res := f.Forward(context.Background(), testEvent())
	if res.Delivered || !res.Permanent || res.Attempts != 1 || res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected result %+v", res)
	}
	if !errors.Is(res.Err, ErrPermanent) {
		t.Fatalf("expected ErrPermanent, got %v", res.Err)
	}
	var statusErr *StatusError
	if !errors.As(res.Err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected StatusError, got %v", res.Err)
	}
	if calls.Load() != 1 || len(sleeps) != 0 {
		t.Fatalf("permanent rejection must not be retried")
	}
	snap := m.Snapshot()
	if snap.WebhookFailures != 1 || snap.WebhookRetries != 0 || snap.MessagesForwarded != 0 {
		t.Fatalf("unexpected counters %+v", snap)
	}
}

func TestForwardRetriesTooManyRequests(t *testing.T) {
	srv, calls := statusServer(t, http.StatusTooManyRequests, http.StatusOK)
	var sleeps []time.Duration
	f := newTestForwarder(srv.URL, metrics.New(), &sleeps)

	res := f.Forward(context.Background(), testEvent())
	if !res.Delivered || calls.Load() != 2 {
		t.Fatalf("429 must be retried, got %+v after %d calls", res, calls.Load())
	}
}

func TestForwardExhaustsAttempts(t *testing.T) {
	srv, calls := statusServer(t, http.StatusBadGateway)
	m := metrics.New()
	var sleeps []time.Duration
	f := newTestForwarder(srv.URL, m, &sleeps)

	res := f.Forward(context.Background(), testEvent())
	if res.Delivered || res.Permanent || res.Attempts != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 requests, got %d", calls.Load())
	}
	snap := m.Snapshot()
	if snap.WebhookFailures != 1 || snap.WebhookRetries != 2 {
		t.Fatalf("unexpected counters %+v", snap)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	var sleeps []time.Duration
	f := newTestForwarder("http://127.0.0.1:1", metrics.New(), &sleeps)

	if d := f.backoff(2); d != 2*time.Second {
		t.Fatalf("attempt 2 should wait the base delay, got %v", d)
	}
	if d := f.backoff(5); d != 16*time.Second {
		t.Fatalf("attempt 5 should wait 16s, got %v", d)
	}
	prev := time.Duration(0)
	for _, attempt := range []int{10, 34, 40, 64, 100, 1000} {
		d := f.backoff(attempt)
		if d <= 0 || d > MaxBackoff {
			t.Fatalf("attempt %d: delay %v outside (0, %v]", attempt, d, MaxBackoff)
		}
		if d < prev {
			t.Fatalf("attempt %d: delay shrank from %v to %v", attempt, prev, d)
		}
		prev = d
	}
}

func TestForwardConnectionRefusedIsRetried(t *testing.T) {
	srv, _ := statusServer(t, http.StatusOK)
	url := srv.URL
	srv.Close()

	m := metrics.New()
	var sleeps []time.Duration
	f := newTestForwarder(url, m, &sleeps)

	res := f.Forward(context.Background(), testEvent())
	if res.Delivered || res.Attempts != 3 || res.Err == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if m.Snapshot().WebhookFailures != 1 {
		t.Fatalf("expected one failure")
	}
}

func TestForwardSignsPayload(t *testing.T) {
	var (
		mu        sync.Mutex
		gotBody   []byte
		gotSig    string
		gotCT     string
		gotParsed map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotSig = r.Header.Get(SignatureHeader)
		gotCT = r.Header.Get("Content-Type")
		_ = json.Unmarshal(body, &gotParsed)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := New(Config{URL: srv.URL, Secret: "s3cret", Source: "test-bridge", MaxAttempts: 1, Timeout: time.Second}, metrics.New(), logger.NewNop())
	if res := f.Forward(context.Background(), testEvent()); !res.Delivered {
		t.Fatalf("expected delivery, got %+v", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotCT != "application/json" {
		t.Fatalf("unexpected content type %q", gotCT)
	}
	if !Verify("s3cret", gotBody, gotSig) {
		t.Fatalf("signature %q does not verify", gotSig)
	}
	if Verify("other", gotBody, gotSig) {
		t.Fatalf("signature must depend on the secret")
	}
	if gotParsed["source"] != "test-bridge" || gotParsed["type"] != "text" || gotParsed["contactId"] != float64(7) {
		t.Fatalf("unexpected payload %v", gotParsed)
	}
}

func TestForwardWithoutSecretHasNoSignature(t *testing.T) {
	var sig atomic.Value
	sig.Store("unset")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig.Store(r.Header.Get(SignatureHeader))
	}))
	defer srv.Close()

	f := New(Config{URL: srv.URL, MaxAttempts: 1, Timeout: time.Second}, metrics.New(), logger.NewNop())
	f.Forward(context.Background(), testEvent())
	if got := sig.Load().(string); got != "" {
		t.Fatalf("expected no signature header, got %q", got)
	}
}
