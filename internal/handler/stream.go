package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-bridge/internal/model"
	natsclient "github.com/capitalize-ai/chat-bridge/internal/nats"
	"github.com/capitalize-ai/chat-bridge/pkg/logger"
)

const (
	replayBatchSize   = 50
	heartbeatInterval = 30 * time.Second
)

// Subscriber hands out live event subscriptions. Implemented by
// *stream.Hub.
type Subscriber interface {
	Subscribe() (<-chan *model.WebhookPayload, func())
}

// Replayer returns stored events after a stream sequence. Implemented by
// *nats.StreamManager.
type Replayer interface {
	Replay(ctx context.Context, afterSequence uint64, limit int) ([]natsclient.ReplayedEvent, error)
}

// StreamHandler serves forwarded events as server-sent events.
type StreamHandler struct {
	hub       Subscriber
	replayer  Replayer
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler. replayer may be nil, in
// which case after_sequence is rejected.
func NewStreamHandler(hub Subscriber, replayer Replayer, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		hub:       hub,
		replayer:  replayer,
		heartbeat: heartbeatInterval,
		logger:    log.Named("handler.stream"),
	}
}

// ReplayCompleteEvent marks the end of the replayed backlog.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	EventCount   int    `json:"event_count"`
}

// HeartbeatEvent keeps idle connections open through proxies.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// Stream handles GET /events
// Supports ?after_sequence=N to replay mirrored events before going live.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	replay := false
	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		if h.replayer == nil {
			writeError(w, http.StatusBadRequest, "replay requires the nats mirror")
			return
		}
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after_sequence must be a non-negative integer")
			return
		}
		replay = true
		afterSequence = seq
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replaying so nothing published meanwhile is missed.
	events, cancel := h.hub.Subscribe()
	defer cancel()

	sendSSEEvent(w, flusher, "connected", map[string]bool{"replay": replay})

	if replay {
		h.replayBacklog(ctx, w, flusher, afterSequence)
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected")
			return

		case payload, ok := <-events:
			if !ok {
				return
			}
			if err := sendSSEEvent(w, flusher, "event", payload); err != nil {
				h.logger.Warn("failed to encode event", zap.Error(err))
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &HeartbeatEvent{Timestamp: time.Now().UTC()})
		}
	}
}

func (h *StreamHandler) replayBacklog(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, afterSequence uint64) {
	lastSequence := afterSequence
	total := 0
	for {
		batch, err := h.replayer.Replay(ctx, lastSequence, replayBatchSize)
		if err != nil {
			h.logger.Error("failed to replay events", zap.Error(err), zap.Uint64("after_sequence", lastSequence))
			sendSSEEvent(w, flusher, "error", errorResponse{Error: "replay failed"})
			break
		}
		for _, ev := range batch {
			if ctx.Err() != nil {
				return
			}
			sendSSEEvent(w, flusher, "replay", ev)
			lastSequence = ev.Sequence
			total++
		}
		if len(batch) < replayBatchSize {
			break
		}
	}

	sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
		LastSequence: lastSequence,
		EventCount:   total,
	})
	h.logger.Info("event replay complete",
		zap.Int("events_replayed", total),
		zap.Uint64("last_sequence", lastSequence),
	)
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
