package registry

import (
	"time"

	"github.com/proofgate/proofgate/id"
)

// Status represents the lifecycle state of a worker.
type Status string

const (
	// StatusIdle means the worker is healthy and free to take a job.
	StatusIdle Status = "idle"
	// StatusBusy means the worker is proving exactly one job.
	StatusBusy Status = "busy"
	// StatusUnhealthy means the worker missed too many consecutive probes
	// and is excluded from scheduling until a probe succeeds.
	StatusUnhealthy Status = "unhealthy"
	// StatusDraining means the worker was deregistered while busy; it
	// finishes the in-flight job and is then removed.
	StatusDraining Status = "draining"
)

// Worker represents a backend prover with capacity for exactly one
// concurrent job. All mutation goes through the Registry; callers only
// ever see copies.
type Worker struct {
	ID   id.WorkerID `json:"id"`
	Addr string      `json:"addr"`

	Status Status `json:"status"`

	// JobID is the in-flight job reference while the worker is busy.
	JobID id.JobID `json:"job_id,omitempty"`

	// LastHeartbeat is the time of the last successful probe.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// Failures counts consecutive failed probes.
	Failures int `json:"failures"`

	// LastIdle is when the worker last became idle. Drives the
	// least-recently-used policy.
	LastIdle time.Time `json:"last_idle"`

	// Dispatched counts jobs ever assigned. Drives the least-loaded policy.
	Dispatched uint64 `json:"dispatched"`

	RegisteredAt time.Time `json:"registered_at"`
}

// NewWorker creates an idle worker for the given address.
func NewWorker(addr string) *Worker {
	now := time.Now().UTC()
	return &Worker{
		ID:           id.NewWorkerID(),
		Addr:         addr,
		Status:       StatusIdle,
		LastIdle:     now,
		RegisteredAt: now,
	}
}
