package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/proofgate/proofgate"
	"github.com/proofgate/proofgate/job"
)

// Timeout returns middleware that enforces the per-job proving deadline.
// If the job has a non-zero Deadline, a context.WithTimeout wraps the
// handler call; exceeding it yields ErrJobTimeout.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Deadline > 0 {
			logger.Debug("job deadline set",
				slog.String("job_id", j.ID.String()),
				slog.Duration("deadline", j.Deadline),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, j.Deadline)
			defer cancel()
		}

		err := next(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: job %s exceeded %s", proofgate.ErrJobTimeout, j.ID, j.Deadline)
		}
		return err
	}
}
