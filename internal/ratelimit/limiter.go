// Package ratelimit caps how many events per conversation are forwarded in
// a fixed one-minute window.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultWindow is the length of one rate window.
const DefaultWindow = 60 * time.Second

type window struct {
	start time.Time
	count int
}

// Stats describes the limiter's tracked windows.
type Stats struct {
	Limit                int `json:"limit_per_minute"`
	TrackedConversations int `json:"tracked_conversations"`
	RecentEvents         int `json:"recent_events"`
}

// Limiter is a fixed-window counter keyed by conversation. A window opens on
// the first event of a key and resets once more than the window length has
// elapsed since it opened.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	length  time.Duration
	now     func() time.Time
	windows map[string]*window
}

// New creates a limiter allowing limit events per window. A limit of zero or
// less disables limiting.
func New(limit int) *Limiter {
	return NewWithClock(limit, DefaultWindow, time.Now)
}

// NewWithClock creates a limiter with an explicit window length and clock.
func NewWithClock(limit int, length time.Duration, now func() time.Time) *Limiter {
	if length <= 0 {
		length = DefaultWindow
	}
	return &Limiter{
		limit:   limit,
		length:  length,
		now:     now,
		windows: make(map[string]*window),
	}
}

// Allow records one event for key and reports whether it fits the ceiling.
func (l *Limiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) > l.length {
		l.windows[key] = &window{start: now, count: 1}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// Prune drops expired windows and returns how many were removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.start) > l.length {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Stats returns the number of live windows and the events counted in them.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stats := Stats{Limit: l.limit}
	for _, w := range l.windows {
		if now.Sub(w.start) > l.length {
			continue
		}
		stats.TrackedConversations++
		stats.RecentEvents += w.count
	}
	return stats
}
