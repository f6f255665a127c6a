// Package state holds the per-conversation deduplication watermarks and
// persists them through a pluggable Backend.
package state

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-bridge/internal/model"
	"github.com/capitalize-ai/chat-bridge/pkg/logger"
	"github.com/capitalize-ai/chat-bridge/pkg/metrics"
)

// Snapshot maps a conversation key to its last seen item id.
type Snapshot map[string]int64

// Clone returns an independent copy.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Store is the deduplicator. Watermarks only move forward; every admission
// persists the whole snapshot.
type Store struct {
	mu         sync.RWMutex
	watermarks Snapshot

	// saveMu is held across mutate-and-save so snapshots land in order.
	saveMu  sync.Mutex
	backend Backend
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// Open loads the snapshot from backend. An unreadable snapshot is logged and
// replaced by an empty one; the bridge never refuses to start over state.
func Open(ctx context.Context, backend Backend, m *metrics.Metrics, log *logger.Logger) *Store {
	s := &Store{
		watermarks: Snapshot{},
		backend:    backend,
		metrics:    m,
		logger:     log.Named("state"),
	}
	loaded, err := backend.Load(ctx)
	if err != nil {
		s.logger.Warn("state snapshot unreadable, starting fresh", zap.Error(err))
		return s
	}
	s.watermarks = loaded
	return s
}

// Admit reports whether itemID is newer than the conversation's watermark.
// Admitted ids become the new watermark immediately, before the event is
// forwarded, and the snapshot is persisted. A failed save keeps the
// in-memory watermark; the next successful save catches up.
func (s *Store) Admit(ctx context.Context, key string, itemID int64) bool {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	last, seen := s.watermarks[key]
	if seen && itemID <= last {
		s.mu.Unlock()
		return false
	}
	s.watermarks[key] = itemID
	snapshot := s.watermarks.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	return true
}

// Watermark returns the last seen item id for key.
func (s *Store) Watermark(key string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.watermarks[key]
	return v, ok
}

// Snapshot returns a copy of all watermarks.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks.Clone()
}

// Len returns the number of tracked conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watermarks)
}

// Recent returns up to n watermarks ordered by item id, highest first.
func (s *Store) Recent(n int) []model.Watermark {
	s.mu.RLock()
	out := make([]model.Watermark, 0, len(s.watermarks))
	for k, v := range s.watermarks {
		out = append(out, model.Watermark{Key: k, ItemID: v})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID > out[j].ItemID
		}
		return out[i].Key < out[j].Key
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Prune keeps only the max conversations with the highest watermarks and
// returns how many were removed.
func (s *Store) Prune(ctx context.Context, max int) int {
	if max <= 0 {
		return 0
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	keep := s.Recent(max)

	s.mu.Lock()
	removed := len(s.watermarks) - len(keep)
	if removed <= 0 {
		s.mu.Unlock()
		return 0
	}
	pruned := make(Snapshot, len(keep))
	for _, w := range keep {
		pruned[w.Key] = w.ItemID
	}
	s.watermarks = pruned
	snapshot := pruned.Clone()
	s.mu.Unlock()

	s.logger.Info("pruned state", zap.Int("removed", removed), zap.Int("kept", len(keep)))
	s.persist(ctx, snapshot)
	return removed
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// persist must be called with saveMu held.
func (s *Store) persist(ctx context.Context, snapshot Snapshot) {
	err := s.backend.Save(ctx, snapshot)
	if s.metrics != nil {
		s.metrics.RecordStateSave(err)
	}
	if err != nil {
		s.logger.Error("failed to save state", zap.Error(err), zap.Int("contacts", len(snapshot)))
	}
}
