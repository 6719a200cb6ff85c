// Package dispatch wires the queue, the worker registry, the health
// monitor and the result relay into the proxy's dispatch engine.
//
// The dispatcher owns the assignment boundary: every decision that
// pairs a job with a worker happens under one mutex, so a job is never
// dispatched twice and a worker never holds two jobs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proofgate/proofgate"
	"github.com/proofgate/proofgate/dlq"
	"github.com/proofgate/proofgate/health"
	"github.com/proofgate/proofgate/id"
	"github.com/proofgate/proofgate/job"
	"github.com/proofgate/proofgate/middleware"
	"github.com/proofgate/proofgate/queue"
	"github.com/proofgate/proofgate/registry"
	"github.com/proofgate/proofgate/relay"
	"github.com/proofgate/proofgate/store"
	"github.com/proofgate/proofgate/transport"
)

// retainedTerminalJobs caps how many finished jobs stay queryable.
const retainedTerminalJobs = 1024

// ProverClient is the transport surface the dispatcher needs per worker.
type ProverClient interface {
	Prove(ctx context.Context, j *job.Job) (*job.Result, error)
	Ping(ctx context.Context) error
	Connect(ctx context.Context) error
	Close() error
	Addr() string
}

// ClientFactory builds a ProverClient for a worker address.
type ClientFactory func(addr string) ProverClient

// Dispatcher routes submitted jobs to idle workers and returns results
// to waiting submitters.
type Dispatcher struct {
	cfg    proofgate.Config
	logger *slog.Logger

	registry *registry.Registry
	queue    *queue.Queue
	relay    *relay.Relay
	retry    *RetryCoordinator
	monitor  *health.Monitor
	dlq      *dlq.Service
	store    store.Store

	chain   middleware.Middleware
	factory ClientFactory

	mu       sync.Mutex
	clients  map[id.WorkerID]ProverClient
	flights  map[id.JobID]*flight
	jobs     map[id.JobID]*job.Job
	terminal []id.JobID // terminal job IDs, oldest first

	baseCtx    context.Context
	baseCancel context.CancelFunc

	monitorCtx    context.Context
	monitorCancel context.CancelFunc

	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	submitted uint64
	completed uint64
	failed    uint64
	retried   uint64
}

type flight struct {
	j      *job.Job
	worker id.WorkerID
	cancel context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClientFactory overrides how worker clients are built. Used by
// tests to substitute fake provers.
func WithClientFactory(f ClientFactory) Option {
	return func(d *Dispatcher) { d.factory = f }
}

// WithMiddleware replaces the default dispatch middleware chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(d *Dispatcher) { d.chain = middleware.Chain(mws...) }
}

// New creates a Dispatcher from validated configuration. The store
// persists the roster and the dead-letter queue; its lifecycle belongs
// to the caller.
func New(cfg proofgate.Config, st store.Store, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	policy, err := registry.ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}

	var queueOpts []queue.Option
	if cfg.MaxRequestsPerSecond > 0 {
		queueOpts = append(queueOpts, queue.WithRateLimit(cfg.MaxRequestsPerSecond, cfg.RateBurst))
	}
	q := queue.New(cfg.QueueCapacity, queueOpts...)

	baseCtx, baseCancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		cfg:        cfg,
		logger:     logger,
		registry:   registry.New(policy),
		queue:      q,
		relay:      relay.New(logger),
		store:      st,
		clients:    make(map[id.WorkerID]ProverClient),
		flights:    make(map[id.JobID]*flight),
		jobs:       make(map[id.JobID]*job.Job),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	d.retry = NewRetryCoordinator(q, logger)
	d.dlq = dlq.NewService(st, d.resubmit, logger)
	d.factory = func(addr string) ProverClient {
		return transport.NewClient(addr,
			transport.WithLogger(logger),
			transport.WithDialTimeout(cfg.ProbeTimeout),
		)
	}
	d.chain = middleware.Chain(
		middleware.Logging(logger),
		middleware.Recover(logger),
		middleware.Metrics(),
		middleware.Tracing(),
		middleware.Timeout(logger),
	)
	d.monitor = health.NewMonitor(d.registry, d, health.Config{
		Interval:  cfg.HealthInterval,
		Timeout:   cfg.ProbeTimeout,
		Threshold: cfg.FailureThreshold,
	}, logger, d.onEvicted, d.onRecovered)

	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// DLQ returns the dead-letter service.
func (d *Dispatcher) DLQ() *dlq.Service { return d.dlq }

// ── lifecycle ──────────────────────────────────────

// Start restores the persisted roster, registers the statically
// configured workers and begins health sweeps.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return nil
	}

	recs, err := d.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: restore roster: %w", err)
	}
	for _, rec := range recs {
		workerID, parseErr := id.ParseWorkerID(rec.ID)
		if parseErr != nil {
			d.logger.Warn("skipping invalid roster record", slog.String("id", rec.ID))
			continue
		}
		w := &registry.Worker{
			ID:           workerID,
			Addr:         rec.Addr,
			Status:       registry.StatusIdle,
			RegisteredAt: rec.RegisteredAt,
		}
		if regErr := d.registry.Register(w); regErr != nil {
			continue
		}
		d.attachClient(w.ID, w.Addr)
	}

	for _, addr := range d.cfg.Workers {
		if _, exists := d.registry.ByAddr(addr); exists {
			continue
		}
		if _, addErr := d.AddWorker(ctx, addr); addErr != nil && !errors.Is(addErr, proofgate.ErrWorkerExists) {
			d.logger.Warn("configured worker not added",
				slog.String("addr", addr),
				slog.String("error", addErr.Error()),
			)
		}
	}

	d.monitorCtx, d.monitorCancel = context.WithCancel(d.baseCtx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.monitor.Run(d.monitorCtx)
	}()

	d.logger.Info("dispatcher started",
		slog.Int("workers", d.registry.Len()),
		slog.Int("queue_capacity", d.queue.Cap()),
		slog.String("policy", d.cfg.Policy),
	)
	return nil
}

// Stop drains in-flight work, fails queued jobs and closes worker
// connections. Blocks until drained or ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.monitorCancel != nil {
		d.monitorCancel()
	}

	// Fail everything still waiting in the queue.
	for {
		j, ok := d.queue.Dequeue()
		if !ok {
			break
		}
		d.resolveTerminal(j, fmt.Errorf("%w: job %s never dispatched", proofgate.ErrProxyClosed, j.ID))
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
	case <-ctx.Done():
		drainErr = fmt.Errorf("dispatch: drain: %w", ctx.Err())
	}

	d.baseCancel()

	d.mu.Lock()
	clients := make([]ProverClient, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.clients = make(map[id.WorkerID]ProverClient)
	d.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}

	d.logger.Info("dispatcher stopped")
	return drainErr
}

// ── submission ─────────────────────────────────────

// Submit admits a job, dispatches or queues it, and blocks until the
// result arrives or ctx is cancelled. When the submitter goes away the
// job keeps running; its eventual result is discarded.
func (d *Dispatcher) Submit(ctx context.Context, payload []byte, opts ...job.Option) (*job.Result, error) {
	if d.closed.Load() {
		return nil, proofgate.ErrProxyClosed
	}
	if err := d.queue.Admit(); err != nil {
		return nil, err
	}

	j := d.newJob(payload, opts)
	ch := d.relay.Register(j.ID)

	if err := d.place(j); err != nil {
		d.relay.Discard(j.ID)
		return nil, err
	}
	atomic.AddUint64(&d.submitted, 1)

	select {
	case res := <-ch:
		if res.Failed() {
			var ex *proofgate.ExhaustedError
			if errors.As(res.Cause, &ex) {
				return nil, ex
			}
			cause := res.Cause
			if cause == nil {
				cause = errors.New(res.Err)
			}
			return nil, &proofgate.ExhaustedError{
				JobID:      j.ID.String(),
				RetryCount: res.RetryCount,
				LastCause:  cause,
			}
		}
		return res, nil
	case <-ctx.Done():
		d.relay.Discard(j.ID)
		d.logger.Info("submitter gone, result will be discarded",
			slog.String("job_id", j.ID.String()),
		)
		return nil, ctx.Err()
	}
}

// newJob applies proxy defaults, then caller options.
func (d *Dispatcher) newJob(payload []byte, opts []job.Option) *job.Job {
	all := append([]job.Option{
		job.WithMaxRetries(d.cfg.MaxRetries),
		job.WithDeadline(d.cfg.JobDeadline),
	}, opts...)
	return job.New(payload, all...)
}

// place assigns the job to an idle worker or enqueues it. The single
// lock around lookup-and-mark keeps assignment atomic.
func (d *Dispatcher) place(j *job.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if w, ok := d.registry.Assign(j.ID); ok {
		d.jobs[j.ID] = j
		d.startFlightLocked(j, w.ID)
		return nil
	}

	if err := d.queue.Enqueue(j); err != nil {
		return err
	}
	d.jobs[j.ID] = j
	return nil
}

// resubmit re-enters a replayed dead-letter payload without a waiter.
func (d *Dispatcher) resubmit(_ context.Context, payload []byte, maxRetries int) (id.JobID, error) {
	if d.closed.Load() {
		return id.Nil, proofgate.ErrProxyClosed
	}
	j := d.newJob(payload, []job.Option{job.WithMaxRetries(maxRetries)})
	if err := d.place(j); err != nil {
		return id.Nil, err
	}
	atomic.AddUint64(&d.submitted, 1)
	return j.ID, nil
}

// ── flight lifecycle ───────────────────────────────

// startFlightLocked launches the worker round-trip. Caller holds d.mu
// and has already marked the worker busy via Assign/AssignTo.
func (d *Dispatcher) startFlightLocked(j *job.Job, workerID id.WorkerID) {
	now := time.Now().UTC()
	j.State = job.StateDispatched
	j.WorkerID = workerID
	j.DispatchedAt = &now

	fctx, cancel := context.WithCancel(d.baseCtx)
	d.flights[j.ID] = &flight{j: j, worker: workerID, cancel: cancel}

	client := d.clients[workerID]

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		d.run(fctx, j, workerID, client)
	}()
}

func (d *Dispatcher) run(ctx context.Context, j *job.Job, workerID id.WorkerID, client ProverClient) {
	if client == nil {
		d.finishAttempt(j, workerID, nil, fmt.Errorf("%w: no client for worker %s", proofgate.ErrTransport, workerID))
		return
	}

	var res *job.Result
	err := d.chain(ctx, j, func(ctx context.Context) error {
		r, proveErr := client.Prove(ctx, j)
		if proveErr != nil {
			return proveErr
		}
		res = r
		return nil
	})
	d.finishAttempt(j, workerID, res, err)
}

// finishAttempt resolves one dispatch attempt exactly once. An attempt
// whose flight was already removed (worker evicted mid-flight) is
// dropped: the eviction path already requeued or failed the job.
func (d *Dispatcher) finishAttempt(j *job.Job, workerID id.WorkerID, res *job.Result, attemptErr error) {
	d.mu.Lock()
	if _, live := d.flights[j.ID]; !live {
		d.mu.Unlock()
		return
	}
	delete(d.flights, j.ID)

	if attemptErr == nil {
		now := time.Now().UTC()
		j.State = job.StateCompleted
		j.CompletedAt = &now
		res.RetryCount = j.RetryCount
		d.recordTerminalLocked(j.ID)
		d.mu.Unlock()

		atomic.AddUint64(&d.completed, 1)
		d.releaseWorker(workerID)
		d.relay.Deliver(res)
		d.kickQueue()
		return
	}
	d.mu.Unlock()

	d.resolveFailure(j, attemptErr)
	d.releaseWorker(workerID)
	d.kickQueue()

	// A deadline overrun is a worker-health signal: check it now
	// instead of waiting for the next sweep.
	if errors.Is(attemptErr, proofgate.ErrJobTimeout) {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.monitor.ProbeNow(d.baseCtx, workerID)
		}()
	}
}

// resolveFailure routes a failed attempt through the retry coordinator.
func (d *Dispatcher) resolveFailure(j *job.Job, cause error) {
	requeued, terminal := d.retry.OnFailure(j, cause)
	if requeued {
		// EnqueueFront already reset state and assignment under the
		// queue lock; another goroutine may hold the job by now.
		atomic.AddUint64(&d.retried, 1)
		return
	}
	d.resolveTerminal(j, terminal)
}

// resolveTerminal fails the job for good: dead-letter it and deliver
// the failure to any waiter.
func (d *Dispatcher) resolveTerminal(j *job.Job, cause error) {
	now := time.Now().UTC()
	j.State = job.StateFailed
	j.LastError = cause.Error()
	j.CompletedAt = &now
	atomic.AddUint64(&d.failed, 1)

	d.mu.Lock()
	d.recordTerminalLocked(j.ID)
	d.mu.Unlock()

	dlqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := d.dlq.Push(dlqCtx, j, cause); err != nil {
		d.logger.Error("dead-letter push failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	cancel()

	d.relay.Deliver(&job.Result{
		JobID:      j.ID,
		Err:        cause.Error(),
		RetryCount: j.RetryCount,
		Cause:      cause,
	})
}

// releaseWorker returns a worker to the pool after an attempt. Draining
// workers leave the roster here.
func (d *Dispatcher) releaseWorker(workerID id.WorkerID) {
	removed, err := d.registry.MarkIdle(workerID)
	if err != nil {
		return // deregistered or unknown; nothing to release
	}
	if removed {
		d.detachClient(workerID)
		d.removeRecord(workerID)
		d.logger.Info("draining worker removed", slog.String("worker_id", workerID.String()))
	}
}

// kickQueue pairs queued jobs with idle workers until one side runs dry.
func (d *Dispatcher) kickQueue() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		j, ok := d.queue.Dequeue()
		if !ok {
			return
		}
		w, assigned := d.registry.Assign(j.ID)
		if !assigned {
			// No idle worker; put it back where it was.
			if err := d.queue.EnqueueFront(j); err != nil {
				d.mu.Unlock()
				d.resolveTerminal(j, err)
				d.mu.Lock()
			}
			return
		}
		d.startFlightLocked(j, w.ID)
	}
}

// ── health callbacks ───────────────────────────────

// onEvicted handles a job stranded by an unhealthy transition. The
// in-flight attempt is cancelled and the job goes through the normal
// failure path.
func (d *Dispatcher) onEvicted(jobID id.JobID, workerID id.WorkerID) {
	d.mu.Lock()
	fl, live := d.flights[jobID]
	if live {
		delete(d.flights, jobID)
		fl.cancel()
	}
	d.mu.Unlock()
	if !live {
		return
	}

	d.logger.Warn("job evicted from unhealthy worker",
		slog.String("job_id", jobID.String()),
		slog.String("worker_id", workerID.String()),
	)
	d.resolveFailure(fl.j, fmt.Errorf("%w: worker %s failed health checks mid-job", proofgate.ErrWorkerUnhealthy, workerID))
	d.kickQueue()
}

// onRecovered hands queued work to a worker that passed its probe again.
func (d *Dispatcher) onRecovered(_ id.WorkerID) {
	d.kickQueue()
}

// Probe implements health.Prober over the worker's transport client.
func (d *Dispatcher) Probe(ctx context.Context, workerID id.WorkerID) error {
	d.mu.Lock()
	client := d.clients[workerID]
	d.mu.Unlock()
	if client == nil {
		return fmt.Errorf("%w: %s", proofgate.ErrUnknownWorker, workerID)
	}
	return client.Ping(ctx)
}

// ── worker management ──────────────────────────────

// AddWorker registers a worker by address, persists the roster record
// and dials the worker in the background.
func (d *Dispatcher) AddWorker(ctx context.Context, addr string) (registry.Worker, error) {
	w := registry.NewWorker(addr)
	if err := d.registry.Register(w); err != nil {
		return registry.Worker{}, err
	}
	d.attachClient(w.ID, addr)

	rec := &registry.Record{ID: w.ID.String(), Addr: addr, RegisteredAt: w.RegisteredAt}
	if err := d.store.SaveWorker(ctx, rec); err != nil {
		d.logger.Error("roster record not persisted",
			slog.String("worker_id", w.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	d.logger.Info("worker registered",
		slog.String("worker_id", w.ID.String()),
		slog.String("addr", addr),
	)
	d.kickQueue()
	return *w, nil
}

// RemoveWorker deregisters a worker. A busy worker drains: it finishes
// its current job and is removed when the job resolves.
func (d *Dispatcher) RemoveWorker(ctx context.Context, workerID id.WorkerID) error {
	draining, err := d.registry.Deregister(workerID)
	if err != nil {
		return err
	}
	if draining {
		d.logger.Info("worker draining", slog.String("worker_id", workerID.String()))
		return nil
	}

	d.detachClient(workerID)
	if err := d.store.RemoveWorker(ctx, workerID.String()); err != nil {
		d.logger.Error("roster record not removed",
			slog.String("worker_id", workerID.String()),
			slog.String("error", err.Error()),
		)
	}
	d.logger.Info("worker deregistered", slog.String("worker_id", workerID.String()))
	return nil
}

// SetWorkers reconciles the roster against a full address list: new
// addresses are registered, missing ones deregistered. Returns the
// roster size after the update.
func (d *Dispatcher) SetWorkers(ctx context.Context, addrs []string) (int, error) {
	want := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		want[addr] = true
	}

	for _, w := range d.registry.Snapshot() {
		if w.Status == registry.StatusDraining {
			continue
		}
		if !want[w.Addr] {
			if err := d.RemoveWorker(ctx, w.ID); err != nil {
				return d.registry.Len(), err
			}
		}
	}

	for _, addr := range addrs {
		if _, exists := d.registry.ByAddr(addr); exists {
			continue
		}
		if _, err := d.AddWorker(ctx, addr); err != nil {
			return d.registry.Len(), err
		}
	}

	recs := make([]*registry.Record, 0, d.registry.Len())
	for _, w := range d.registry.Snapshot() {
		recs = append(recs, &registry.Record{
			ID:           w.ID.String(),
			Addr:         w.Addr,
			RegisteredAt: w.RegisteredAt,
		})
	}
	if err := d.store.ReplaceWorkers(ctx, recs); err != nil {
		d.logger.Error("roster replace not persisted", slog.String("error", err.Error()))
	}

	return d.registry.Len(), nil
}

// Workers returns a snapshot of the roster.
func (d *Dispatcher) Workers() []registry.Worker {
	return d.registry.Snapshot()
}

func (d *Dispatcher) attachClient(workerID id.WorkerID, addr string) {
	client := d.factory(addr)
	d.mu.Lock()
	d.clients[workerID] = client
	d.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(d.baseCtx, 30*time.Second)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		if err := client.Connect(dialCtx); err != nil {
			d.logger.Warn("initial worker dial failed",
				slog.String("addr", addr),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (d *Dispatcher) detachClient(workerID id.WorkerID) {
	d.mu.Lock()
	client := d.clients[workerID]
	delete(d.clients, workerID)
	d.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

func (d *Dispatcher) removeRecord(workerID id.WorkerID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.RemoveWorker(ctx, workerID.String()); err != nil {
		d.logger.Error("roster record not removed",
			slog.String("worker_id", workerID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// ── introspection ──────────────────────────────────

// Job returns a copy of a tracked job.
func (d *Dispatcher) Job(jobID id.JobID) (job.Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[jobID]
	if !ok {
		return job.Job{}, false
	}
	return *j, true
}

// recordTerminalLocked tracks a finished job and prunes the oldest
// terminal entries past the retention cap. Caller holds d.mu.
func (d *Dispatcher) recordTerminalLocked(jobID id.JobID) {
	d.terminal = append(d.terminal, jobID)
	for len(d.terminal) > retainedTerminalJobs {
		oldest := d.terminal[0]
		d.terminal = d.terminal[1:]
		delete(d.jobs, oldest)
	}
}
