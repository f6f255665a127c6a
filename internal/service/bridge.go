// Package service wires the event pipeline and the outbound gateway.
package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-bridge/internal/classify"
	"github.com/capitalize-ai/chat-bridge/internal/model"
	"github.com/capitalize-ai/chat-bridge/internal/ratelimit"
	"github.com/capitalize-ai/chat-bridge/internal/state"
	"github.com/capitalize-ai/chat-bridge/internal/webhook"
	"github.com/capitalize-ai/chat-bridge/pkg/logger"
	"github.com/capitalize-ai/chat-bridge/pkg/metrics"
)

var tracer = otel.Tracer("chatbridge/service")

// Forwarder delivers an admitted event. Implemented by *webhook.Forwarder.
type Forwarder interface {
	Forward(ctx context.Context, ev *model.Event) webhook.Result
}

// Mirror receives a best-effort copy of every rate-permitted event.
type Mirror interface {
	Name() string
	Publish(ctx context.Context, ev *model.Event) error
}

// Outcome is what happened to one record.
type Outcome int

const (
	OutcomeFiltered Outcome = iota
	OutcomeDuplicate
	OutcomeRateLimited
	OutcomeForwarded
	OutcomeFailed
)

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	Records     int
	Filtered    int
	Duplicates  int
	RateLimited int
	Forwarded   int
	Failed      int
	PollFailed  bool
}

// BridgeConfig holds the poll loop settings.
type BridgeConfig struct {
	PollInterval    time.Duration
	DrainTimeout    time.Duration
	CleanupInterval time.Duration
	MaxContacts     int
}

// Bridge runs the polling pipeline: poll, classify, admit, rate limit,
// forward.
type Bridge struct {
	cfg        BridgeConfig
	poller     *Poller
	classifier *classify.Classifier
	store      *state.Store
	limiter    *ratelimit.Limiter
	forwarder  Forwarder
	mirrors    []Mirror
	metrics    *metrics.Metrics
	logger     *logger.Logger
}

// NewBridge creates the pipeline.
func NewBridge(
	cfg BridgeConfig,
	poller *Poller,
	classifier *classify.Classifier,
	store *state.Store,
	limiter *ratelimit.Limiter,
	forwarder Forwarder,
	m *metrics.Metrics,
	log *logger.Logger,
	mirrors ...Mirror,
) *Bridge {
	return &Bridge{
		cfg:        cfg,
		poller:     poller,
		classifier: classifier,
		store:      store,
		limiter:    limiter,
		forwarder:  forwarder,
		mirrors:    mirrors,
		metrics:    m,
		logger:     log.Named("bridge"),
	}
}

// Run polls until ctx is cancelled. The cycle in flight at cancellation
// keeps running for at most DrainTimeout.
func (b *Bridge) Run(ctx context.Context) {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	go func() {
		select {
		case <-workCtx.Done():
			return
		case <-ctx.Done():
		}
		t := time.NewTimer(b.cfg.DrainTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			b.logger.Warn("drain timeout reached, abandoning in-flight cycle")
			cancelWork()
		case <-workCtx.Done():
		}
	}()

	b.logger.Info("poll loop started", zap.Duration("interval", b.cfg.PollInterval))
	lastCleanup := time.Now()
	for {
		if ctx.Err() != nil {
			break
		}
		b.Cycle(workCtx)

		if b.cfg.CleanupInterval > 0 && time.Since(lastCleanup) >= b.cfg.CleanupInterval {
			b.Cleanup(workCtx)
			lastCleanup = time.Now()
		}

		t := time.NewTimer(b.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	b.logger.Info("poll loop stopped")
}

// Cycle runs one poll and processes its records sequentially.
func (b *Bridge) Cycle(ctx context.Context) CycleStats {
	ctx, span := tracer.Start(ctx, "bridge.Cycle")
	defer span.End()

	var stats CycleStats
	records, err := b.poller.Poll(ctx)
	if err != nil {
		stats.PollFailed = true
		b.logger.Warn("poll failed", zap.Error(err))
		return stats
	}

	stats.Records = len(records)
	for _, rec := range records {
		// Admission marks records seen, so stop once the drain deadline hits.
		if ctx.Err() != nil {
			break
		}
		switch b.Process(ctx, rec) {
		case OutcomeFiltered:
			stats.Filtered++
		case OutcomeDuplicate:
			stats.Duplicates++
		case OutcomeRateLimited:
			stats.RateLimited++
		case OutcomeForwarded:
			stats.Forwarded++
		case OutcomeFailed:
			stats.Failed++
		}
	}

	span.SetAttributes(
		attribute.Int("cycle.records", stats.Records),
		attribute.Int("cycle.forwarded", stats.Forwarded),
	)
	if stats.Forwarded+stats.Failed+stats.RateLimited > 0 {
		b.logger.Info("cycle complete",
			zap.Int("records", stats.Records),
			zap.Int("forwarded", stats.Forwarded),
			zap.Int("failed", stats.Failed),
			zap.Int("rate_limited", stats.RateLimited),
		)
	}
	return stats
}

// Process takes one record through the pipeline.
func (b *Bridge) Process(ctx context.Context, rec model.ChatItemRecord) Outcome {
	ev, ok := b.classifier.Classify(rec)
	if !ok {
		return OutcomeFiltered
	}
	key := ev.StateKey()
	if !b.store.Admit(ctx, key, ev.ItemID) {
		return OutcomeDuplicate
	}
	b.metrics.IncReceived()

	if !b.limiter.Allow(key) {
		b.metrics.IncRateLimited()
		b.logger.Warn("rate limit exceeded, event dropped",
			zap.String("conversation", key),
			zap.Int64("item_id", ev.ItemID),
		)
		return OutcomeRateLimited
	}

	res := b.forwarder.Forward(ctx, ev)
	b.mirror(ctx, ev)
	if !res.Delivered {
		return OutcomeFailed
	}
	return OutcomeForwarded
}

// Cleanup bounds the watermark map and drops expired rate windows.
func (b *Bridge) Cleanup(ctx context.Context) {
	removed := b.store.Prune(ctx, b.cfg.MaxContacts)
	expired := b.limiter.Prune()
	b.logger.Info("state cleanup",
		zap.Int("contacts_removed", removed),
		zap.Int("rate_windows_expired", expired),
		zap.Int("contacts", b.store.Len()),
	)
}

func (b *Bridge) mirror(ctx context.Context, ev *model.Event) {
	for _, m := range b.mirrors {
		if err := m.Publish(ctx, ev); err != nil {
			b.logger.Warn("mirror publish failed",
				zap.String("mirror", m.Name()),
				zap.String("conversation", ev.StateKey()),
				zap.Error(err),
			)
		}
	}
}
