// Package queue implements the bounded holding area for jobs awaiting a
// worker. Admission control is deliberate fast-fail: when the queue is at
// capacity a submission is rejected instead of buffered, protecting the
// proxy from memory exhaustion under sustained overload.
package queue

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/proofgate/proofgate"
	"github.com/proofgate/proofgate/id"
	"github.com/proofgate/proofgate/job"
)

// Queue is a bounded FIFO of jobs awaiting dispatch. It is safe for
// concurrent use. Retried jobs re-enter at the front so work that already
// waited once is not penalized again.
type Queue struct {
	mu       sync.Mutex
	items    []*job.Job
	capacity int
	limiter  *rate.Limiter
}

// Option configures a Queue.
type Option func(*Queue)

// WithRateLimit throttles admissions to rps sustained jobs per second with
// the given burst. Zero rps disables rate limiting. Burst defaults to 1
// when a rate is set.
func WithRateLimit(rps float64, burst int) Option {
	return func(q *Queue) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a Queue holding at most capacity jobs.
func New(capacity int, opts ...Option) *Queue {
	q := &Queue{capacity: capacity}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Admit checks the submission rate limit. It must be called before
// Enqueue on the client submission path; requeues from the retry
// coordinator bypass it.
func (q *Queue) Admit() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limiter != nil && !q.limiter.Allow() {
		return proofgate.ErrRateLimited
	}
	return nil
}

// Enqueue appends a job. It fails with ErrAdmissionRejected when the queue
// is at capacity.
func (q *Queue) Enqueue(j *job.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		return &proofgate.RejectionError{JobID: j.ID.String(), Capacity: q.capacity}
	}
	j.State = job.StateQueued
	q.items = append(q.items, j)
	return nil
}

// EnqueueFront re-inserts a retried job at the head of the queue, subject
// to the same capacity check as Enqueue. The previous worker assignment
// is cleared here, under the queue lock, so a dispatcher dequeuing the
// job never observes the stale binding.
func (q *Queue) EnqueueFront(j *job.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		return &proofgate.RejectionError{JobID: j.ID.String(), Capacity: q.capacity}
	}
	j.State = job.StateQueued
	j.WorkerID = id.Nil
	q.items = append([]*job.Job{j}, q.items...)
	return nil
}

// Dequeue removes and returns the oldest queued job, or false when the
// queue is empty.
func (q *Queue) Dequeue() (*job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	j := q.items[0]
	q.items = q.items[1:]
	return j, true
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }
