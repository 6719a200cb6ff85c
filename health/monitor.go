// Package health runs periodic liveness probes against registered
// workers and drives the healthy/unhealthy transitions in the roster.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/proofgate/proofgate/id"
	"github.com/proofgate/proofgate/registry"
)

// Prober sends a single liveness probe to a worker. Implemented by the
// dispatcher on top of its per-worker transport clients.
type Prober interface {
	Probe(ctx context.Context, workerID id.WorkerID) error
}

// Monitor sweeps the roster on a fixed interval. Consecutive probe
// failures past the threshold mark a worker unhealthy and evict its
// in-flight job; a single successful probe restores it to the pool.
type Monitor struct {
	registry *registry.Registry
	prober   Prober
	logger   *slog.Logger

	interval  time.Duration
	timeout   time.Duration
	threshold int

	// onEvict fires when an unhealthy transition strands a job.
	onEvict func(jobID id.JobID, workerID id.WorkerID)
	// onRecover fires when a worker returns to the idle pool.
	onRecover func(workerID id.WorkerID)

	mu       sync.Mutex
	inFlight map[id.WorkerID]struct{} // workers with a probe in progress
}

// Config carries monitor tuning.
type Config struct {
	Interval  time.Duration
	Timeout   time.Duration
	Threshold int
}

// NewMonitor creates a monitor. Callbacks may be nil.
func NewMonitor(
	reg *registry.Registry,
	prober Prober,
	cfg Config,
	logger *slog.Logger,
	onEvict func(jobID id.JobID, workerID id.WorkerID),
	onRecover func(workerID id.WorkerID),
) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	return &Monitor{
		registry:  reg,
		prober:    prober,
		logger:    logger,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		threshold: cfg.Threshold,
		onEvict:   onEvict,
		onRecover: onRecover,
		inFlight:  make(map[id.WorkerID]struct{}),
	}
}

// Run sweeps the roster until the context is cancelled. Blocking; run
// in its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every registered worker concurrently and waits for all
// probes to settle.
func (m *Monitor) Sweep(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range m.registry.Snapshot() {
		if w.Status == registry.StatusDraining {
			continue
		}
		wg.Add(1)
		go func(workerID id.WorkerID) {
			defer wg.Done()
			m.ProbeNow(ctx, workerID)
		}(w.ID)
	}
	wg.Wait()
}

// ProbeNow probes a single worker immediately, outside the regular
// sweep cadence. A worker with a probe already in flight is skipped so
// a deadline-triggered check cannot stack on top of a sweep.
func (m *Monitor) ProbeNow(ctx context.Context, workerID id.WorkerID) {
	m.mu.Lock()
	if _, busy := m.inFlight[workerID]; busy {
		m.mu.Unlock()
		return
	}
	m.inFlight[workerID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inFlight, workerID)
		m.mu.Unlock()
	}()

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Probe(probeCtx, workerID)
	cancel()

	if err != nil {
		m.recordFailure(workerID, err)
		return
	}
	m.recordSuccess(workerID)
}

func (m *Monitor) recordFailure(workerID id.WorkerID, probeErr error) {
	failures, err := m.registry.RecordProbeFailure(workerID)
	if err != nil {
		return // worker deregistered mid-probe
	}

	m.logger.Warn("worker probe failed",
		slog.String("worker_id", workerID.String()),
		slog.Int("consecutive_failures", failures),
		slog.String("error", probeErr.Error()),
	)

	if failures < m.threshold {
		return
	}

	evicted, err := m.registry.MarkUnhealthy(workerID)
	if err != nil {
		return
	}
	m.logger.Error("worker marked unhealthy",
		slog.String("worker_id", workerID.String()),
		slog.Int("threshold", m.threshold),
	)

	if !evicted.IsNil() && m.onEvict != nil {
		m.onEvict(evicted, workerID)
	}
}

func (m *Monitor) recordSuccess(workerID id.WorkerID) {
	recovered, err := m.registry.RecordProbeSuccess(workerID)
	if err != nil {
		return
	}
	if recovered {
		m.logger.Info("worker recovered", slog.String("worker_id", workerID.String()))
		if m.onRecover != nil {
			m.onRecover(workerID)
		}
	}
}
