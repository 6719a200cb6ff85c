package dispatch

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/proofgate/proofgate"
	"github.com/proofgate/proofgate/job"
	"github.com/proofgate/proofgate/queue"
)

// RetryCoordinator decides what happens to a job after a failed
// dispatch attempt. Failed jobs re-enter the queue at the front so they
// are retried before newer submissions; a job that exhausts its budget,
// or that cannot be requeued because the queue is full, fails
// terminally.
type RetryCoordinator struct {
	queue  *queue.Queue
	logger *slog.Logger
}

// NewRetryCoordinator creates a coordinator over the given queue.
func NewRetryCoordinator(q *queue.Queue, logger *slog.Logger) *RetryCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryCoordinator{queue: q, logger: logger}
}

// OnFailure records a failed attempt. It returns requeued=true when the
// job went back to the queue front, or a terminal error when the job is
// done retrying.
func (c *RetryCoordinator) OnFailure(j *job.Job, cause error) (requeued bool, terminal error) {
	j.LastError = cause.Error()

	// RetryCount only counts retries actually granted, so it never
	// exceeds the budget.
	if j.RetryCount >= j.MaxRetries {
		return false, &proofgate.ExhaustedError{
			JobID:      j.ID.String(),
			RetryCount: j.RetryCount,
			LastCause:  cause,
		}
	}
	j.RetryCount++

	if err := c.queue.EnqueueFront(j); err != nil {
		var rej *proofgate.RejectionError
		if errors.As(err, &rej) {
			c.logger.Warn("retry requeue rejected, queue full",
				slog.String("job_id", j.ID.String()),
				slog.Int("retry_count", j.RetryCount),
			)
			return false, fmt.Errorf("requeue attempt %d: %w", j.RetryCount, err)
		}
		return false, err
	}

	c.logger.Info("job requeued for retry",
		slog.String("job_id", j.ID.String()),
		slog.Int("retry_count", j.RetryCount),
		slog.Int("max_retries", j.MaxRetries),
		slog.String("cause", cause.Error()),
	)
	return true, nil
}
