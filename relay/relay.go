// Package relay delivers completed proof results back to the waiting
// submitter. Each in-flight job has at most one waiter; a result is
// handed over exactly once, and results whose waiter has walked away
// are discarded rather than buffered.
package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/proofgate/proofgate/id"
	"github.com/proofgate/proofgate/job"
)

// Relay matches job results to their waiting submitters.
type Relay struct {
	logger *slog.Logger

	// pending tracks live waiters (job ID → chan *job.Result).
	pending sync.Map

	delivered atomic.Uint64
	discarded atomic.Uint64
}

// New creates a Relay.
func New(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{logger: logger}
}

// Register creates a waiter for the job and returns the channel the
// result will arrive on. The channel is buffered so delivery never
// blocks the dispatch path.
func (r *Relay) Register(jobID id.JobID) <-chan *job.Result {
	ch := make(chan *job.Result, 1)
	r.pending.Store(jobID, ch)
	return ch
}

// Deliver hands the result to its waiter. Returns false when no waiter
// is registered, which means the submitter disconnected and the result
// is dropped. A second Deliver for the same job is a no-op: the first
// removal of the waiter wins.
func (r *Relay) Deliver(res *job.Result) bool {
	val, ok := r.pending.LoadAndDelete(res.JobID)
	if !ok {
		r.discarded.Add(1)
		r.logger.Debug("result discarded, no waiter",
			slog.String("job_id", res.JobID.String()),
		)
		return false
	}
	val.(chan *job.Result) <- res
	r.delivered.Add(1)
	return true
}

// Discard removes the waiter for a job. Called when the submitter
// disconnects; the job itself keeps running and its eventual result is
// dropped by Deliver.
func (r *Relay) Discard(jobID id.JobID) {
	r.pending.Delete(jobID)
}

// Waiting returns the number of registered waiters.
func (r *Relay) Waiting() int {
	n := 0
	r.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Delivered returns the count of results handed to a waiter.
func (r *Relay) Delivered() uint64 { return r.delivered.Load() }

// Discarded returns the count of results dropped for lack of a waiter.
func (r *Relay) Discarded() uint64 { return r.discarded.Load() }
