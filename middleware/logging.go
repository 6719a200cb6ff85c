package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/proofgate/proofgate/job"
)

// Logging returns middleware that logs dispatch start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("job dispatched",
			slog.String("job_id", j.ID.String()),
			slog.String("worker_id", j.WorkerID.String()),
			slog.Int("retry_count", j.RetryCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("job attempt failed",
				slog.String("job_id", j.ID.String()),
				slog.String("worker_id", j.WorkerID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("job proved",
				slog.String("job_id", j.ID.String()),
				slog.String("worker_id", j.WorkerID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
