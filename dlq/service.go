package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/proofgate/proofgate/id"
	"github.com/proofgate/proofgate/job"
)

// Resubmit re-enters a dead-lettered payload into the dispatch path
// with a fresh retry budget.
type Resubmit func(ctx context.Context, payload []byte, maxRetries int) (id.JobID, error)

// Service wraps a Store with push and replay workflows.
type Service struct {
	store    Store
	resubmit Resubmit
	logger   *slog.Logger
}

// NewService creates a Service. resubmit may be nil if replay is not
// wired, in which case Replay fails.
func NewService(store Store, resubmit Resubmit, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, resubmit: resubmit, logger: logger}
}

// Push dead-letters an exhausted job.
func (s *Service) Push(ctx context.Context, j *job.Job, cause error) error {
	entry := NewEntry(j, cause)
	if err := s.store.PushDLQ(ctx, entry); err != nil {
		return fmt.Errorf("dlq: push %s: %w", j.ID, err)
	}
	s.logger.Warn("job dead-lettered",
		slog.String("job_id", j.ID.String()),
		slog.String("entry_id", entry.ID.String()),
		slog.Int("retry_count", j.RetryCount),
		slog.String("error", entry.Error),
	)
	return nil
}

// Replay resubmits a dead-lettered entry as a new job and stamps the
// entry. The new job gets the entry's original retry budget.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (id.JobID, error) {
	if s.resubmit == nil {
		return id.Nil, fmt.Errorf("dlq: replay %s: resubmission not configured", entryID)
	}

	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return id.Nil, fmt.Errorf("dlq: replay %s: %w", entryID, err)
	}
	if entry.Replayed() {
		return id.Nil, fmt.Errorf("dlq: replay %s: already replayed at %s", entryID, entry.ReplayedAt.Format(time.RFC3339))
	}

	jobID, err := s.resubmit(ctx, entry.Payload, entry.MaxRetries)
	if err != nil {
		return id.Nil, fmt.Errorf("dlq: replay %s: %w", entryID, err)
	}

	if err := s.store.MarkReplayed(ctx, entryID, time.Now().UTC()); err != nil {
		return id.Nil, fmt.Errorf("dlq: replay %s: mark: %w", entryID, err)
	}

	s.logger.Info("dead-letter replayed",
		slog.String("entry_id", entryID.String()),
		slog.String("new_job_id", jobID.String()),
	)
	return jobID, nil
}

// List returns entries newest-first.
func (s *Service) List(ctx context.Context, limit int) ([]*Entry, error) {
	return s.store.ListDLQ(ctx, limit)
}

// Get fetches one entry.
func (s *Service) Get(ctx context.Context, entryID id.DLQID) (*Entry, error) {
	return s.store.GetDLQ(ctx, entryID)
}

// Purge drops all entries.
func (s *Service) Purge(ctx context.Context) (int, error) {
	return s.store.PurgeDLQ(ctx)
}

// Count returns the entry count.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.CountDLQ(ctx)
}
