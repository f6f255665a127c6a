package stream

import (
	"context"
	"testing"

	"github.com/capitalize-ai/chat-bridge/internal/model"
)

func TestHubBroadcasts(t *testing.T) {
	h := NewHub("test")
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelB()

	ev := &model.Event{ChatType: model.ChatDirect, ConversationID: 7, ItemID: 10, Kind: model.KindText, Text: "hi"}
	if err := h.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range []<-chan *model.WebhookPayload{a, b} {
		p := <-ch
		if p.ItemID != 10 || p.Source != "test" || *p.ContactID != 7 {
			t.Fatalf("unexpected payload %+v", p)
		}
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Fatalf("cancelled subscription must be closed")
	}
	if h.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.Subscribers())
	}
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	h := NewHub("test")
	_, cancel := h.Subscribe()
	defer cancel()

	ev := &model.Event{ChatType: model.ChatDirect, ConversationID: 7, Kind: model.KindText}
	for i := 0; i < subscriberBuffer+5; i++ {
		ev.ItemID = int64(i)
		h.Publish(context.Background(), ev)
	}
	if h.Dropped() != 5 {
		t.Fatalf("expected 5 dropped, got %d", h.Dropped())
	}
}
