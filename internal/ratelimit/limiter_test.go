package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestAllowRejectsOverCeiling(t *testing.T) {
	clock := newClock()
	l := NewWithClock(3, time.Minute, clock.Now)

	for i := 0; i < 3; i++ {
		if !l.Allow("7") {
			t.Fatalf("event %d must be allowed", i+1)
		}
	}
	if l.Allow("7") {
		t.Fatalf("event 4 must be rejected")
	}
	if !l.Allow("8") {
		t.Fatalf("other conversations have their own window")
	}
}

func TestWindowResetsAfterLength(t *testing.T) {
	clock := newClock()
	l := NewWithClock(1, time.Minute, clock.Now)

	if !l.Allow("7") {
		t.Fatalf("first event must be allowed")
	}
	clock.Advance(time.Minute)
	if l.Allow("7") {
		t.Fatalf("window resets only when strictly more than its length elapsed")
	}
	clock.Advance(time.Second)
	if !l.Allow("7") {
		t.Fatalf("window must reset after its length")
	}
}

func TestZeroLimitDisables(t *testing.T) {
	l := New(0)
	for i := 0; i < 100; i++ {
		if !l.Allow("7") {
			t.Fatalf("disabled limiter must allow everything")
		}
	}
	if s := l.Stats(); s.TrackedConversations != 0 {
		t.Fatalf("disabled limiter must not track windows, got %+v", s)
	}
}

func TestPruneAndStats(t *testing.T) {
	clock := newClock()
	l := NewWithClock(5, time.Minute, clock.Now)
	l.Allow("7")
	l.Allow("7")
	clock.Advance(30 * time.Second)
	l.Allow("8")

	s := l.Stats()
	if s.TrackedConversations != 2 || s.RecentEvents != 3 || s.Limit != 5 {
		t.Fatalf("unexpected stats %+v", s)
	}

	clock.Advance(31 * time.Second)
	if removed := l.Prune(); removed != 1 {
		t.Fatalf("expected 1 expired window, got %d", removed)
	}
	if s := l.Stats(); s.TrackedConversations != 1 || s.RecentEvents != 1 {
		t.Fatalf("unexpected stats after prune %+v", s)
	}
}
