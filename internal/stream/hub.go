// Package stream fans bridge events out to live subscribers such as the
// SSE endpoint.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/capitalize-ai/chat-bridge/internal/model"
)

// subscriberBuffer is how many payloads a slow subscriber may lag before
// payloads are dropped for it.
const subscriberBuffer = 64

// Hub broadcasts payloads to subscribers without ever blocking the
// publisher.
type Hub struct {
	source string
	now    func() time.Time

	mu      sync.Mutex
	subs    map[chan *model.WebhookPayload]struct{}
	dropped int64
}

// NewHub creates a hub stamping source on every payload.
func NewHub(source string) *Hub {
	return &Hub{
		source: source,
		now:    time.Now,
		subs:   make(map[chan *model.WebhookPayload]struct{}),
	}
}

// Name identifies the hub as a mirror.
func (h *Hub) Name() string { return "sse" }

// Publish delivers ev to every subscriber with room in its buffer.
func (h *Hub) Publish(_ context.Context, ev *model.Event) error {
	payload := model.NewWebhookPayload(ev, h.source, h.now())

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- payload:
		default:
			h.dropped++
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned cancel func must be called
// to release it; the channel is closed afterwards.
func (h *Hub) Subscribe() (<-chan *model.WebhookPayload, func()) {
	ch := make(chan *model.WebhookPayload, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many payloads were skipped for slow subscribers.
func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
