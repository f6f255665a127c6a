package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/chat-bridge/internal/model"
)

const (
	// StreamName is the name of the mirrored events stream.
	StreamName = "CHATBRIDGE"

	// SubjectPrefix is the prefix for all event subjects.
	SubjectPrefix = "chatbridge.events"
)

// StreamManager publishes events to, and replays them from, the stream.
type StreamManager struct {
	client *Client
	source string
	now    func() time.Time
}

// NewStreamManager creates a new stream manager. source is stamped on every
// published payload.
func NewStreamManager(client *Client, source string) *StreamManager {
	return &StreamManager{client: client, source: source, now: time.Now}
}

// EnsureStream ensures the events stream exists.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  10 * time.Minute,
		Description: "Inbound chat events mirrored by chatbridge",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(ev *model.Event) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, ev.ChatType, ev.Kind)
}

// MsgID is the JetStream deduplication id of an event.
func MsgID(ev *model.Event) string {
	return fmt.Sprintf("%s:%d", ev.StateKey(), ev.ItemID)
}

// Name identifies the mirror in logs.
func (m *StreamManager) Name() string { return "nats" }

// Publish mirrors ev with the same JSON document the webhook receives.
// A disconnected client fails fast instead of waiting for an ack.
func (m *StreamManager) Publish(ctx context.Context, ev *model.Event) error {
	if !m.client.IsConnected() {
		return ErrDisconnected
	}
	data, err := json.Marshal(model.NewWebhookPayload(ev, m.source, m.now()))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := m.client.JetStream().Publish(ctx, EventSubject(ev), data, jetstream.WithMsgID(MsgID(ev))); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// ReplayedEvent is one stored payload and its stream sequence.
type ReplayedEvent struct {
	Sequence uint64          `json:"sequence"`
	Subject  string          `json:"subject"`
	Payload  json.RawMessage `json:"payload"`
}

// Replay returns up to limit stored events after the given sequence.
func (m *StreamManager) Replay(ctx context.Context, afterSequence uint64, limit int) ([]ReplayedEvent, error) {
	js := m.client.JetStream()

	consumerConfig := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{SubjectPrefix + ".>"},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.OrderedConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	var events []ReplayedEvent
	for msg := range batch.Messages() {
		ev := ReplayedEvent{Subject: msg.Subject(), Payload: json.RawMessage(msg.Data())}
		if meta, err := msg.Metadata(); err == nil {
			ev.Sequence = meta.Sequence.Stream
		}
		events = append(events, ev)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
		return nil, fmt.Errorf("batch error: %w", err)
	}
	return events, nil
}
