package proofgate

import (
	"errors"
	"fmt"
)

var (
	// Admission errors.
	ErrAdmissionRejected = errors.New("proofgate: queue at capacity")
	ErrRateLimited       = errors.New("proofgate: submission rate limit exceeded")

	// Registry errors.
	ErrUnknownWorker = errors.New("proofgate: unknown worker")
	ErrWorkerExists  = errors.New("proofgate: worker already registered")

	// Dispatch failure causes. These are handled internally by the retry
	// coordinator and surface to clients only wrapped in RetryExhausted.
	ErrWorkerUnhealthy = errors.New("proofgate: worker unhealthy")
	ErrJobTimeout      = errors.New("proofgate: job deadline exceeded")
	ErrTransport       = errors.New("proofgate: worker transport failure")

	// Terminal errors.
	ErrRetryExhausted = errors.New("proofgate: retry budget exhausted")

	// Lifecycle errors.
	ErrProxyClosed = errors.New("proofgate: proxy closed")

	// DLQ errors.
	ErrDLQNotFound = errors.New("proofgate: dlq entry not found")
)

// RejectionError is returned to a submitting client when admission control
// turns a job away. It wraps ErrAdmissionRejected.
type RejectionError struct {
	JobID    string
	Capacity int
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("proofgate: job %s rejected: queue at capacity %d", e.JobID, e.Capacity)
}

// Unwrap makes errors.Is(err, ErrAdmissionRejected) hold.
func (e *RejectionError) Unwrap() error { return ErrAdmissionRejected }

// ExhaustedError is returned to a submitting client when a job has failed
// its final dispatch attempt. It carries the retry count and the last
// failure cause so the client can decide what to do next. It wraps
// ErrRetryExhausted.
type ExhaustedError struct {
	JobID      string
	RetryCount int
	LastCause  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("proofgate: job %s failed after %d retries: %v", e.JobID, e.RetryCount, e.LastCause)
}

// Unwrap exposes the sentinel and the last cause, so callers can match
// errors.Is(err, ErrRetryExhausted) as well as the underlying failure,
// such as ErrAdmissionRejected when the final retry could not requeue.
func (e *ExhaustedError) Unwrap() []error {
	if e.LastCause == nil {
		return []error{ErrRetryExhausted}
	}
	return []error{ErrRetryExhausted, e.LastCause}
}
