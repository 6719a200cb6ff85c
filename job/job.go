// Package job defines the proof job entity and its lifecycle states.
package job

import (
	"time"

	"github.com/proofgate/proofgate/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateQueued means the job is waiting for an idle worker.
	StateQueued State = "queued"
	// StateDispatched means a worker is currently proving the job.
	StateDispatched State = "dispatched"
	// StateCompleted means the proof was produced successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed terminally and will not be retried.
	StateFailed State = "failed"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job represents one unit of submitted proving work.
//
// The payload is opaque to the proxy: it is handed to a worker byte for
// byte. The proxy only tracks identity, state, the retry budget, and the
// worker currently holding the job.
type Job struct {
	ID         id.JobID      `json:"id"`
	Payload    []byte        `json:"payload"`
	State      State         `json:"state"`
	MaxRetries int           `json:"max_retries"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error,omitempty"`
	WorkerID   id.WorkerID   `json:"worker_id,omitempty"`
	Deadline   time.Duration `json:"deadline,omitempty"`

	SubmittedAt  time.Time  `json:"submitted_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// New creates a queued job with the given payload and options applied.
func New(payload []byte, opts ...Option) *Job {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Job{
		ID:          id.NewJobID(),
		Payload:     payload,
		State:       StateQueued,
		MaxRetries:  o.MaxRetries,
		Deadline:    o.Deadline,
		SubmittedAt: time.Now().UTC(),
	}
}

// Result is the outcome of a job, delivered to the waiting client exactly
// once. Either Proof or Err is set, never both.
type Result struct {
	JobID      id.JobID `json:"job_id"`
	Proof      []byte   `json:"proof,omitempty"`
	Err        string   `json:"error,omitempty"`
	RetryCount int      `json:"retry_count"`

	// Cause carries the terminal failure as a typed error for in-process
	// consumers. Err holds its string form for the wire.
	Cause error `json:"-"`
}

// Failed reports whether the result is a terminal failure.
func (r *Result) Failed() bool { return r.Err != "" }
