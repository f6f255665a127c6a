// Package metrics provides the bridge's process-wide counters, exposed both
// as a JSON snapshot and through a Prometheus registry.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge counters. All methods are safe for concurrent use.
type Metrics struct {
	mu    sync.Mutex
	now   func() time.Time
	start time.Time

	received         int64
	forwarded        int64
	sent             int64
	webhookFailures  int64
	webhookRetries   int64
	connectionErrors int64
	reconnections    int64
	rateLimited      int64
	stateSaves       int64
	stateSaveErrors  int64
	lastEvent        time.Time
	kinds            map[string]int64

	registry *prometheus.Registry
	events   *prometheus.CounterVec
	byKind   *prometheus.CounterVec
	errors   *prometheus.CounterVec

	// RequestDuration tracks control-surface request duration.
	RequestDuration *prometheus.HistogramVec
	// RequestsTotal tracks control-surface requests.
	RequestsTotal *prometheus.CounterVec
	// WebhookDuration tracks webhook attempt latency.
	WebhookDuration *prometheus.HistogramVec
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	UptimeSeconds           float64          `json:"uptime_seconds"`
	MessagesReceived        int64            `json:"messages_received"`
	MessagesForwarded       int64            `json:"messages_forwarded"`
	MessagesSent            int64            `json:"messages_sent"`
	WebhookFailures         int64            `json:"webhook_failures"`
	WebhookRetries          int64            `json:"webhook_retries"`
	ConnectionErrors        int64            `json:"connection_errors"`
	Reconnections           int64            `json:"reconnections"`
	RateLimited             int64            `json:"rate_limited"`
	StateSaves              int64            `json:"state_saves"`
	StateSaveErrors         int64            `json:"state_save_errors"`
	LastMessageTime         float64          `json:"last_message_time"`
	SecondsSinceLastMessage float64          `json:"seconds_since_last_message"`
	MessagesPerMinute       float64          `json:"messages_per_minute"`
	MessageTypes            map[string]int64 `json:"message_types"`
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Metrics instance reading time from now.
func NewWithClock(now func() time.Time) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		now:      now,
		start:    now(),
		kinds:    make(map[string]int64),
		registry: reg,
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_events_total",
				Help: "Chat events by pipeline stage",
			},
			[]string{"stage"},
		),
		byKind: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_forwarded_by_kind_total",
				Help: "Events delivered to the webhook by kind",
			},
			[]string{"kind"},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_errors_total",
				Help: "Bridge errors by class",
			},
			[]string{"class"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatbridge_http_request_duration_seconds",
				Help:    "Control surface request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_http_requests_total",
				Help: "Total control surface requests",
			},
			[]string{"method", "path", "status"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatbridge_webhook_attempt_duration_seconds",
				Help:    "Webhook delivery attempt duration",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
	}
}

// IncReceived counts a newly admitted inbound event.
func (m *Metrics) IncReceived() {
	m.mu.Lock()
	m.received++
	m.lastEvent = m.now()
	m.mu.Unlock()
	m.events.WithLabelValues("received").Inc()
}

// RecordForwarded counts a successful webhook delivery of the given kind.
func (m *Metrics) RecordForwarded(kind string) {
	m.mu.Lock()
	m.forwarded++
	m.kinds[kind]++
	m.mu.Unlock()
	m.events.WithLabelValues("forwarded").Inc()
	m.byKind.WithLabelValues(kind).Inc()
}

// IncSent counts an outbound message relayed to the chat backend.
func (m *Metrics) IncSent() {
	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
	m.events.WithLabelValues("sent").Inc()
}

// IncRateLimited counts an event dropped by the per-conversation limiter.
func (m *Metrics) IncRateLimited() {
	m.mu.Lock()
	m.rateLimited++
	m.mu.Unlock()
	m.events.WithLabelValues("rate_limited").Inc()
}

// IncWebhookFailures counts an event the webhook never accepted.
func (m *Metrics) IncWebhookFailures() {
	m.mu.Lock()
	m.webhookFailures++
	m.mu.Unlock()
	m.errors.WithLabelValues("webhook").Inc()
}

// IncWebhookRetries counts a webhook attempt after the first.
func (m *Metrics) IncWebhookRetries() {
	m.mu.Lock()
	m.webhookRetries++
	m.mu.Unlock()
	m.events.WithLabelValues("webhook_retry").Inc()
}

// IncConnectionErrors counts a failed dial or a failed poll.
func (m *Metrics) IncConnectionErrors() {
	m.mu.Lock()
	m.connectionErrors++
	m.mu.Unlock()
	m.errors.WithLabelValues("connection").Inc()
}

// IncReconnections counts a session re-established after a loss.
func (m *Metrics) IncReconnections() {
	m.mu.Lock()
	m.reconnections++
	m.mu.Unlock()
	m.events.WithLabelValues("reconnection").Inc()
}

// RecordStateSave counts a snapshot write attempt.
func (m *Metrics) RecordStateSave(err error) {
	m.mu.Lock()
	if err != nil {
		m.stateSaveErrors++
	} else {
		m.stateSaves++
	}
	m.mu.Unlock()
	if err != nil {
		m.errors.WithLabelValues("state").Inc()
	}
}

// RecordRequest records metrics for a control surface request.
func (m *Metrics) RecordRequest(method, path, status string, duration float64) {
	m.RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordWebhookAttempt records the latency of a single webhook attempt.
func (m *Metrics) RecordWebhookAttempt(outcome string, duration time.Duration) {
	m.WebhookDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Snapshot returns a copy of the counters with derived rates.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	uptime := now.Sub(m.start).Seconds()
	kinds := make(map[string]int64, len(m.kinds))
	for k, v := range m.kinds {
		kinds[k] = v
	}

	s := Snapshot{
		UptimeSeconds:     uptime,
		MessagesReceived:  m.received,
		MessagesForwarded: m.forwarded,
		MessagesSent:      m.sent,
		WebhookFailures:   m.webhookFailures,
		WebhookRetries:    m.webhookRetries,
		ConnectionErrors:  m.connectionErrors,
		Reconnections:     m.reconnections,
		RateLimited:       m.rateLimited,
		StateSaves:        m.stateSaves,
		StateSaveErrors:   m.stateSaveErrors,
		MessageTypes:      kinds,
	}
	if uptime > 0 {
		s.MessagesPerMinute = float64(m.received) * 60 / uptime
	}
	if !m.lastEvent.IsZero() {
		s.LastMessageTime = float64(m.lastEvent.UnixNano()) / 1e9
		s.SecondsSinceLastMessage = now.Sub(m.lastEvent).Seconds()
	}
	return s
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
