// Package dlq holds jobs that exhausted their retry budget so they can
// be inspected and replayed after the underlying issue is fixed.
package dlq

import (
	"context"
	"time"

	"github.com/proofgate/proofgate/id"
	"github.com/proofgate/proofgate/job"
)

// Entry is a dead-lettered job with its failure context.
type Entry struct {
	ID         id.DLQID   `json:"id"`
	JobID      id.JobID   `json:"job_id"`
	Payload    []byte     `json:"payload"`
	Error      string     `json:"error"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`
	FailedAt   time.Time  `json:"failed_at"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
}

// Replayed reports whether the entry has been resubmitted.
func (e *Entry) Replayed() bool { return e.ReplayedAt != nil }

// Store persists dead-letter entries.
type Store interface {
	// PushDLQ appends an entry.
	PushDLQ(ctx context.Context, entry *Entry) error

	// ListDLQ returns entries newest-first, up to limit (0 = all).
	ListDLQ(ctx context.Context, limit int) ([]*Entry, error)

	// GetDLQ fetches one entry.
	GetDLQ(ctx context.Context, entryID id.DLQID) (*Entry, error)

	// MarkReplayed stamps an entry as resubmitted.
	MarkReplayed(ctx context.Context, entryID id.DLQID, at time.Time) error

	// PurgeDLQ removes all entries and returns how many were dropped.
	PurgeDLQ(ctx context.Context) (int, error)

	// CountDLQ returns the number of entries.
	CountDLQ(ctx context.Context) (int, error)
}

// NewEntry builds a dead-letter entry from an exhausted job.
func NewEntry(j *job.Job, cause error) *Entry {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Entry{
		ID:         id.NewDLQID(),
		JobID:      j.ID,
		Payload:    j.Payload,
		Error:      msg,
		RetryCount: j.RetryCount,
		MaxRetries: j.MaxRetries,
		FailedAt:   time.Now().UTC(),
	}
}
