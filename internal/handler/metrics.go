package handler

import (
	"net/http"

	"github.com/capitalize-ai/chat-bridge/internal/ratelimit"
	"github.com/capitalize-ai/chat-bridge/pkg/metrics"
)

// RateStats reports rate limiter state. Implemented by *ratelimit.Limiter.
type RateStats interface {
	Stats() ratelimit.Stats
}

// HubStats reports live event stream fan-out. Implemented by *stream.Hub.
type HubStats interface {
	Subscribers() int
	Dropped() int64
}

// EventStreamStats describes the /events subscribers.
type EventStreamStats struct {
	Subscribers int   `json:"subscribers"`
	Dropped     int64 `json:"dropped"`
}

// MetricsResponse is returned by GET /metrics.
type MetricsResponse struct {
	metrics.Snapshot
	RateLimiter ratelimit.Stats  `json:"rate_limiter"`
	EventStream EventStreamStats `json:"event_stream"`
}

// MetricsHandler serves the counters.
type MetricsHandler struct {
	metrics *metrics.Metrics
	limiter RateStats
	hub     HubStats
	enabled bool
}

// NewMetricsHandler creates a metrics handler. When enabled is false every
// endpoint answers 403.
func NewMetricsHandler(m *metrics.Metrics, limiter RateStats, hub HubStats, enabled bool) *MetricsHandler {
	return &MetricsHandler{metrics: m, limiter: limiter, hub: hub, enabled: enabled}
}

// JSON handles GET /metrics
func (h *MetricsHandler) JSON(w http.ResponseWriter, r *http.Request) {
	if !h.enabled {
		writeError(w, http.StatusForbidden, "metrics disabled")
		return
	}
	writeJSON(w, http.StatusOK, MetricsResponse{
		Snapshot:    h.metrics.Snapshot(),
		RateLimiter: h.limiter.Stats(),
		EventStream: EventStreamStats{
			Subscribers: h.hub.Subscribers(),
			Dropped:     h.hub.Dropped(),
		},
	})
}

// Prometheus handles GET /metrics/prometheus
func (h *MetricsHandler) Prometheus(w http.ResponseWriter, r *http.Request) {
	if !h.enabled {
		writeError(w, http.StatusForbidden, "metrics disabled")
		return
	}
	h.metrics.Handler().ServeHTTP(w, r)
}
