// Package registry tracks known workers and their availability. It is the
// single serialization boundary for worker state: the dispatcher and the
// health monitor both mutate workers exclusively through Registry methods,
// never through shared containers.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/proofgate/proofgate"
	"github.com/proofgate/proofgate/id"
)

// Registry holds the worker pool. All methods are safe for concurrent use;
// a single mutex serializes every state transition so that an assignment
// and a health transition can never interleave on the same worker.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker // keyed by worker ID string
	order   []string           // registration order, basis of determinism
	policy  Policy
	cursor  int // round-robin position in order
}

// New creates an empty registry with the given selection policy.
func New(policy Policy) *Registry {
	return &Registry{
		workers: make(map[string]*Worker),
		policy:  policy,
	}
}

// Register adds a worker. It fails with ErrWorkerExists when a worker with
// the same address is already registered.
func (r *Registry) Register(w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.workers {
		if existing.Addr == w.Addr {
			return proofgate.ErrWorkerExists
		}
	}

	key := w.ID.String()
	r.workers[key] = w
	r.order = append(r.order, key)
	return nil
}

// Deregister removes a worker. A busy worker transitions to draining and
// is removed when its in-flight job finishes; the returned draining flag
// reports that case.
func (r *Registry) Deregister(workerID id.WorkerID) (draining bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID.String()]
	if !ok {
		return false, proofgate.ErrUnknownWorker
	}

	if w.Status == StatusBusy {
		w.Status = StatusDraining
		return true, nil
	}

	r.remove(workerID.String())
	return false, nil
}

// Get returns a copy of the worker.
func (r *Registry) Get(workerID id.WorkerID) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID.String()]
	if !ok {
		return Worker{}, proofgate.ErrUnknownWorker
	}
	return *w, nil
}

// ByAddr returns a copy of the worker registered at addr.
func (r *Registry) ByAddr(addr string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.workers {
		if w.Addr == addr {
			return *w, true
		}
	}
	return Worker{}, false
}

// ListIdle returns copies of the currently idle workers in the order the
// policy would pick them.
func (r *Registry) ListIdle() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	idle := r.idleLocked()
	out := make([]Worker, 0, len(idle))
	for _, w := range idle {
		out = append(out, *w)
	}
	return out
}

// Assign atomically selects an idle worker per policy and marks it busy
// with the given job. Returns false when no worker is idle.
func (r *Registry) Assign(jobID id.JobID) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idle := r.idleLocked()
	if len(idle) == 0 {
		return Worker{}, false
	}

	w := idle[0]
	if r.policy == RoundRobin {
		r.advanceCursorLocked(w.ID.String())
	}
	r.markBusyLocked(w, jobID)
	return *w, true
}

// AssignTo marks a specific worker busy with the given job. It fails with
// ErrUnknownWorker for unregistered ids and reports ok=false when the
// worker is no longer idle (for example, it went unhealthy between the
// idle event and the assignment).
func (r *Registry) AssignTo(workerID id.WorkerID, jobID id.JobID) (ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, found := r.workers[workerID.String()]
	if !found {
		return false, proofgate.ErrUnknownWorker
	}
	if w.Status != StatusIdle {
		return false, nil
	}
	r.markBusyLocked(w, jobID)
	return true, nil
}

// MarkBusy transitions an idle worker to busy with the given job.
func (r *Registry) MarkBusy(workerID id.WorkerID, jobID id.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID.String()]
	if !ok {
		return proofgate.ErrUnknownWorker
	}
	r.markBusyLocked(w, jobID)
	return nil
}

// MarkIdle releases the worker's job reference after an attempt finishes.
// A draining worker is removed instead of returning to the pool; the
// removed flag reports that case. An unhealthy worker keeps its status:
// only a successful probe brings it back.
func (r *Registry) MarkIdle(workerID id.WorkerID) (removed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID.String()]
	if !ok {
		return false, proofgate.ErrUnknownWorker
	}

	w.JobID = id.Nil

	switch w.Status {
	case StatusDraining:
		r.remove(workerID.String())
		return true, nil
	case StatusUnhealthy:
		return false, nil
	default:
		w.Status = StatusIdle
		w.LastIdle = time.Now().UTC()
		return false, nil
	}
}

// MarkUnhealthy transitions a worker to unhealthy and evicts any in-flight
// job reference. The evicted job id is returned (Nil when the worker held
// nothing) so the caller can hand the job to the retry coordinator.
func (r *Registry) MarkUnhealthy(workerID id.WorkerID) (evicted id.JobID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID.String()]
	if !ok {
		return id.Nil, proofgate.ErrUnknownWorker
	}

	evicted = w.JobID
	w.JobID = id.Nil
	w.Status = StatusUnhealthy
	return evicted, nil
}

// RecordProbeFailure increments the worker's consecutive-failure counter
// and returns the new count.
func (r *Registry) RecordProbeFailure(workerID id.WorkerID) (failures int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID.String()]
	if !ok {
		return 0, proofgate.ErrUnknownWorker
	}
	w.Failures++
	return w.Failures, nil
}

// RecordProbeSuccess resets the failure counter and stamps the heartbeat.
// An unhealthy worker transitions back to idle, never directly to busy,
// and the recovered flag reports that transition. This is the only path by
// which a worker re-enters eligibility after failure.
func (r *Registry) RecordProbeSuccess(workerID id.WorkerID) (recovered bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID.String()]
	if !ok {
		return false, proofgate.ErrUnknownWorker
	}

	w.Failures = 0
	w.LastHeartbeat = time.Now().UTC()

	if w.Status == StatusUnhealthy {
		w.Status = StatusIdle
		w.LastIdle = time.Now().UTC()
		return true, nil
	}
	return false, nil
}

// Snapshot returns copies of all workers in registration order.
func (r *Registry) Snapshot() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Worker, 0, len(r.order))
	for _, key := range r.order {
		if w, ok := r.workers[key]; ok {
			out = append(out, *w)
		}
	}
	return out
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// ── internals (r.mu held) ──────────────────────────

func (r *Registry) markBusyLocked(w *Worker, jobID id.JobID) {
	w.Status = StatusBusy
	w.JobID = jobID
	w.Dispatched++
}

// idleLocked returns idle workers ordered by policy preference.
func (r *Registry) idleLocked() []*Worker {
	idle := make([]*Worker, 0, len(r.order))

	switch r.policy {
	case LeastRecentlyUsed:
		for _, key := range r.order {
			if w := r.workers[key]; w != nil && w.Status == StatusIdle {
				idle = append(idle, w)
			}
		}
		sort.SliceStable(idle, func(a, b int) bool {
			return idle[a].LastIdle.Before(idle[b].LastIdle)
		})

	case LeastLoaded:
		for _, key := range r.order {
			if w := r.workers[key]; w != nil && w.Status == StatusIdle {
				idle = append(idle, w)
			}
		}
		sort.SliceStable(idle, func(a, b int) bool {
			return idle[a].Dispatched < idle[b].Dispatched
		})

	default: // RoundRobin
		n := len(r.order)
		for i := range n {
			key := r.order[(r.cursor+i)%n]
			if w := r.workers[key]; w != nil && w.Status == StatusIdle {
				idle = append(idle, w)
			}
		}
	}

	return idle
}

// advanceCursorLocked moves the round-robin cursor one past the chosen
// worker so the next assignment starts after it.
func (r *Registry) advanceCursorLocked(chosenKey string) {
	for i, key := range r.order {
		if key == chosenKey {
			r.cursor = (i + 1) % len(r.order)
			return
		}
	}
}

// remove deletes a worker and compacts the registration order, keeping the
// round-robin cursor stable relative to the workers after it.
func (r *Registry) remove(key string) {
	delete(r.workers, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			if r.cursor > i {
				r.cursor--
			}
			if len(r.order) > 0 {
				r.cursor %= len(r.order)
			} else {
				r.cursor = 0
			}
			return
		}
	}
}
