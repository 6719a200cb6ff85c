package dispatch

import (
	"sync/atomic"

	"github.com/proofgate/proofgate/registry"
)

// Stats is a point-in-time view of proxy load.
type Stats struct {
	QueueLen      int `json:"queue_len"`
	QueueCapacity int `json:"queue_capacity"`
	InFlight      int `json:"in_flight"`

	Workers   int `json:"workers"`
	Idle      int `json:"idle"`
	Busy      int `json:"busy"`
	Unhealthy int `json:"unhealthy"`
	Draining  int `json:"draining"`

	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Delivered uint64 `json:"delivered"`
	Discarded uint64 `json:"discarded"`
}

// Stats snapshots counters, queue depth and worker states.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		QueueLen:      d.queue.Len(),
		QueueCapacity: d.queue.Cap(),
		Submitted:     atomic.LoadUint64(&d.submitted),
		Completed:     atomic.LoadUint64(&d.completed),
		Failed:        atomic.LoadUint64(&d.failed),
		Retried:       atomic.LoadUint64(&d.retried),
		Delivered:     d.relay.Delivered(),
		Discarded:     d.relay.Discarded(),
	}

	d.mu.Lock()
	s.InFlight = len(d.flights)
	d.mu.Unlock()

	for _, w := range d.registry.Snapshot() {
		s.Workers++
		switch w.Status {
		case registry.StatusIdle:
			s.Idle++
		case registry.StatusBusy:
			s.Busy++
		case registry.StatusUnhealthy:
			s.Unhealthy++
		case registry.StatusDraining:
			s.Draining++
		}
	}
	return s
}
