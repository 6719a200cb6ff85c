// Package memory provides an in-process Store. It is the default
// backend and the one used throughout the test suite.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/proofgate/proofgate"
	"github.com/proofgate/proofgate/dlq"
	"github.com/proofgate/proofgate/id"
	"github.com/proofgate/proofgate/registry"
)

// Store keeps roster records and dead-letter entries in maps.
type Store struct {
	mu      sync.RWMutex
	workers map[string]*registry.Record
	entries map[id.DLQID]*dlq.Entry
	order   []id.DLQID // insertion order, oldest first
	closed  bool
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		workers: make(map[string]*registry.Record),
		entries: make(map[id.DLQID]*dlq.Entry),
	}
}

// ── roster ─────────────────────────────────────────

func (s *Store) SaveWorker(_ context.Context, rec *registry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.workers[rec.ID] = &cp
	return nil
}

func (s *Store) RemoveWorker(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, workerID)
	return nil
}

func (s *Store) ListWorkers(_ context.Context) ([]*registry.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]*registry.Record, 0, len(s.workers))
	for _, rec := range s.workers {
		cp := *rec
		recs = append(recs, &cp)
	}
	return recs, nil
}

func (s *Store) ReplaceWorkers(_ context.Context, recs []*registry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = make(map[string]*registry.Record, len(recs))
	for _, rec := range recs {
		cp := *rec
		s.workers[rec.ID] = &cp
	}
	return nil
}

// ── dead letters ───────────────────────────────────

func (s *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries[entry.ID] = &cp
	s.order = append(s.order, entry.ID)
	return nil
}

func (s *Store) ListDLQ(_ context.Context, limit int) ([]*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*dlq.Entry, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if entry, ok := s.entries[s.order[i]]; ok {
			cp := *entry
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", proofgate.ErrDLQNotFound, entryID)
	}
	cp := *entry
	return &cp, nil
}

func (s *Store) MarkReplayed(_ context.Context, entryID id.DLQID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return fmt.Errorf("%w: %s", proofgate.ErrDLQNotFound, entryID)
	}
	entry.ReplayedAt = &at
	return nil
}

func (s *Store) PurgeDLQ(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[id.DLQID]*dlq.Entry)
	s.order = nil
	return n, nil
}

func (s *Store) CountDLQ(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// ── lifecycle ──────────────────────────────────────

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return proofgate.ErrProxyClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
