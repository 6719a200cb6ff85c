package job

import "time"

// Options configures per-job behavior such as the retry budget and the
// dispatch deadline. Zero values defer to the proxy configuration.
type Options struct {
	// MaxRetries is the maximum number of retry attempts before the job
	// fails terminally.
	MaxRetries int

	// Deadline is the maximum duration a single dispatch attempt may run.
	Deadline time.Duration
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 1,
		Deadline:   100 * time.Second,
	}
}

// Option is a functional option for configuring a job.
type Option func(*Options)

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) Option {
	return func(o *Options) {
		o.MaxRetries = n
	}
}

// WithDeadline sets the maximum duration of one dispatch attempt.
func WithDeadline(d time.Duration) Option {
	return func(o *Options) {
		o.Deadline = d
	}
}
