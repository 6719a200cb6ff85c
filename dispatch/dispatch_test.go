package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/proofgate/proofgate"
	"github.com/proofgate/proofgate/job"
	"github.com/proofgate/proofgate/registry"
	"github.com/proofgate/proofgate/store/memory"
)

// fakeClient is a scriptable in-process prover.
type fakeClient struct {
	addr string

	mu      sync.Mutex
	proveFn func(ctx context.Context, j *job.Job) (*job.Result, error)
	pingErr error

	proveCalls atomic.Int64
	pingCalls  atomic.Int64
}

func (f *fakeClient) Prove(ctx context.Context, j *job.Job) (*job.Result, error) {
	f.proveCalls.Add(1)
	f.mu.Lock()
	fn := f.proveFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, j)
	}
	return &job.Result{JobID: j.ID, Proof: append([]byte("proof:"), j.Payload...)}, nil
}

func (f *fakeClient) Ping(_ context.Context) error {
	f.pingCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeClient) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeClient) setProveFn(fn func(ctx context.Context, j *job.Job) (*job.Result, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proveFn = fn
}

func (f *fakeClient) Connect(_ context.Context) error { return nil }
func (f *fakeClient) Close() error                    { return nil }
func (f *fakeClient) Addr() string                    { return f.addr }

// fakeFleet hands out fakeClients and remembers them by address.
type fakeFleet struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{clients: make(map[string]*fakeClient)}
}

func (f *fakeFleet) factory(addr string) ProverClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[addr]; ok {
		return c
	}
	c := &fakeClient{addr: addr}
	f.clients[addr] = c
	return c
}

func (f *fakeFleet) get(addr string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[addr]
}

func testConfig() proofgate.Config {
	cfg := proofgate.DefaultConfig()
	cfg.QueueCapacity = 2
	cfg.MaxRetries = 1
	cfg.JobDeadline = 2 * time.Second
	cfg.HealthInterval = time.Hour // sweeps off unless a test opts in
	cfg.ProbeTimeout = 200 * time.Millisecond
	cfg.FailureThreshold = 1
	return cfg
}

func newTestDispatcher(t *testing.T, cfg proofgate.Config) (*Dispatcher, *fakeFleet) {
	t.Helper()
	fleet := newFakeFleet()
	d, err := New(cfg, memory.New(), nil, WithClientFactory(fleet.factory))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Stop(ctx); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
	return d, fleet
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubmit_RoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t, testConfig())
	if _, err := d.AddWorker(context.Background(), "10.0.0.1:50051"); err != nil {
		t.Fatalf("add worker: %v", err)
	}

	res, err := d.Submit(context.Background(), []byte("witness"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if string(res.Proof) != "proof:witness" {
		t.Fatalf("unexpected proof: %q", res.Proof)
	}

	s := d.Stats()
	if s.Completed != 1 || s.Delivered != 1 {
		t.Fatalf("stats after success: %+v", s)
	}
}

func TestSubmit_ParallelDispatchAcrossWorkers(t *testing.T) {
	d, fleet := newTestDispatcher(t, testConfig())
	addrs := []string{"10.0.0.1:50051", "10.0.0.2:50051"}
	for _, addr := range addrs {
		if _, err := d.AddWorker(context.Background(), addr); err != nil {
			t.Fatalf("add worker: %v", err)
		}
	}

	release := make(chan struct{})
	hold := func(ctx context.Context, j *job.Job) (*job.Result, error) {
		select {
		case <-release:
			return &job.Result{JobID: j.ID, Proof: []byte("p")}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, addr := range addrs {
		fleet.get(addr).setProveFn(hold)
	}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := d.Submit(context.Background(), []byte("w"))
			results <- err
		}()
	}

	// Two idle workers, two submissions: both dispatch immediately and
	// nothing waits in the queue.
	waitFor(t, time.Second, func() bool { return d.Stats().InFlight == 2 },
		"expected both jobs in flight at once")
	if s := d.Stats(); s.QueueLen != 0 {
		t.Fatalf("queue should stay empty, got %d queued", s.QueueLen)
	}
	busy := 0
	for _, w := range d.Workers() {
		if w.Status == registry.StatusBusy {
			busy++
		}
	}
	if busy != 2 {
		t.Fatalf("expected 2 busy workers, got %d", busy)
	}

	close(release)
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
}

func TestSubmit_QueuesWhenAllWorkersBusy(t *testing.T) {
	d, fleet := newTestDispatcher(t, testConfig())
	if _, err := d.AddWorker(context.Background(), "10.0.0.1:50051"); err != nil {
		t.Fatalf("add worker: %v", err)
	}

	block := make(chan struct{})
	fleet.get("10.0.0.1:50051").setProveFn(func(ctx context.Context, j *job.Job) (*job.Result, error) {
		select {
		case <-block:
			return &job.Result{JobID: j.ID, Proof: []byte("p")}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := d.Submit(context.Background(), []byte("w"))
			results <- err
		}()
	}

	waitFor(t, time.Second, func() bool {
		s := d.Stats()
		return s.InFlight == 1 && s.QueueLen == 1
	}, "expected one in-flight and one queued job")

	close(block)
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
}

func TestSubmit_RejectedAtCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 1
	d, _ := newTestDispatcher(t, cfg)
	// No workers: every submission queues.

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Occupies the single queue slot until Stop fails it.
		d.Submit(context.Background(), []byte("first")) //nolint:errcheck
	}()

	waitFor(t, time.Second, func() bool { return d.Stats().QueueLen == 1 }, "first job not queued")

	_, err := d.Submit(context.Background(), []byte("second"))
	if !errors.Is(err, proofgate.ErrAdmissionRejected) {
		t.Fatalf("expected admission rejection, got %v", err)
	}
	var rej *proofgate.RejectionError
	if !errors.As(err, &rej) || rej.Capacity != 1 {
		t.Fatalf("expected rejection with capacity 1, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	<-done
}

func TestSubmit_RetryThenSuccess(t *testing.T) {
	d, fleet := newTestDispatcher(t, testConfig())
	if _, err := d.AddWorker(context.Background(), "10.0.0.1:50051"); err != nil {
		t.Fatalf("add worker: %v", err)
	}

	var attempts atomic.Int64
	fleet.get("10.0.0.1:50051").setProveFn(func(_ context.Context, j *job.Job) (*job.Result, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("prover hiccup")
		}
		return &job.Result{JobID: j.ID, Proof: []byte("p")}, nil
	})

	res, err := d.Submit(context.Background(), []byte("w"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.RetryCount != 1 {
		t.Fatalf("expected 1 retry, got %d", res.RetryCount)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestSubmit_RetryExhausted(t *testing.T) {
	d, fleet := newTestDispatcher(t, testConfig())
	if _, err := d.AddWorker(context.Background(), "10.0.0.1:50051"); err != nil {
		t.Fatalf("add worker: %v", err)
	}
	fleet.get("10.0.0.1:50051").setProveFn(func(_ context.Context, _ *job.Job) (*job.Result, error) {
		return nil, errors.New("bad witness")
	})

	_, err := d.Submit(context.Background(), []byte("w"))
	if !errors.Is(err, proofgate.ErrRetryExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	var ex *proofgate.ExhaustedError
	if !errors.As(err, &ex) || ex.RetryCount != 1 {
		t.Fatalf("expected retry count at the budget of 1, got %+v", ex)
	}

	// One dispatch plus MaxRetries retries, never more.
	if calls := fleet.get("10.0.0.1:50051").proveCalls.Load(); calls != 2 {
		t.Fatalf("expected 2 prove calls, got %d", calls)
	}

	entries, listErr := d.DLQ().List(context.Background(), 0)
	if listErr != nil {
		t.Fatalf("dlq list: %v", listErr)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}
}

func TestSubmit_RetryRequeueSurfacesRejection(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 0 // a failed attempt has nowhere to requeue
	d, fleet := newTestDispatcher(t, cfg)
	if _, err := d.AddWorker(context.Background(), "10.0.0.1:50051"); err != nil {
		t.Fatalf("add worker: %v", err)
	}
	fleet.get("10.0.0.1:50051").setProveFn(func(_ context.Context, _ *job.Job) (*job.Result, error) {
		return nil, errors.New("prover hiccup")
	})

	_, err := d.Submit(context.Background(), []byte("w"))
	if !errors.Is(err, proofgate.ErrRetryExhausted) {
		t.Fatalf("expected terminal failure, got %v", err)
	}
	if !errors.Is(err, proofgate.ErrAdmissionRejected) {
		t.Fatalf("rejection at requeue should survive as a typed cause, got %v", err)
	}
	if calls := fleet.get("10.0.0.1:50051").proveCalls.Load(); calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestSubmit_DisconnectDiscardsResult(t *testing.T) {
	d, fleet := newTestDispatcher(t, testConfig())
	if _, err := d.AddWorker(context.Background(), "10.0.0.1:50051"); err != nil {
		t.Fatalf("add worker: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	fleet.get("10.0.0.1:50051").setProveFn(func(_ context.Context, j *job.Job) (*job.Result, error) {
		close(started)
		<-release
		return &job.Result{JobID: j.ID, Proof: []byte("p")}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, []byte("w"))
		errCh <- err
	}()

	<-started
	cancel() // client walks away mid-proof
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	close(release) // job finishes anyway
	waitFor(t, time.Second, func() bool { return d.Stats().Discarded == 1 },
		"result of abandoned job should be discarded")
	waitFor(t, time.Second, func() bool { return d.Stats().Completed == 1 },
		"abandoned job should still complete")
}

func TestUnhealthyWorker_JobRetriedElsewhere(t *testing.T) {
	cfg := testConfig()
	cfg.HealthInterval = 20 * time.Millisecond
	d, fleet := newTestDispatcher(t, cfg)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := d.AddWorker(context.Background(), "10.0.0.1:50051"); err != nil {
		t.Fatalf("add worker: %v", err)
	}
	sick := fleet.get("10.0.0.1:50051")
	sick.setProveFn(func(ctx context.Context, _ *job.Job) (*job.Result, error) {
		<-ctx.Done() // wedged prover, attempt dies with the flight
		return nil, ctx.Err()
	})

	errCh := make(chan error, 1)
	resCh := make(chan *job.Result, 1)
	go func() {
		res, err := d.Submit(context.Background(), []byte("w"))
		resCh <- res
		errCh <- err
	}()

	waitFor(t, time.Second, func() bool { return sick.proveCalls.Load() == 1 },
		"job not dispatched to first worker")

	// The worker wedges: probes start failing and a healthy worker joins.
	sick.setPingErr(errors.New("connection refused"))
	if _, err := d.AddWorker(context.Background(), "10.0.0.2:50051"); err != nil {
		t.Fatalf("add second worker: %v", err)
	}

	res := <-resCh
	if err := <-errCh; err != nil {
		t.Fatalf("submit after failover: %v", err)
	}
	if string(res.Proof) != "proof:w" {
		t.Fatalf("unexpected proof: %q", res.Proof)
	}

	waitFor(t, time.Second, func() bool {
		for _, w := range d.Workers() {
			if w.Addr == "10.0.0.1:50051" && w.Status == registry.StatusUnhealthy {
				return true
			}
		}
		return false
	}, "wedged worker should be marked unhealthy")
}

func TestRemoveWorker_BusyDrainsThenLeaves(t *testing.T) {
	d, fleet := newTestDispatcher(t, testConfig())
	w, err := d.AddWorker(context.Background(), "10.0.0.1:50051")
	if err != nil {
		t.Fatalf("add worker: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	fleet.get("10.0.0.1:50051").setProveFn(func(_ context.Context, j *job.Job) (*job.Result, error) {
		close(started)
		<-release
		return &job.Result{JobID: j.ID, Proof: []byte("p")}, nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, submitErr := d.Submit(context.Background(), []byte("w"))
		errCh <- submitErr
	}()
	<-started

	if err := d.RemoveWorker(context.Background(), w.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, err := d.registry.Get(w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != registry.StatusDraining {
		t.Fatalf("expected draining, got %s", got.Status)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("submit on draining worker: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(d.Workers()) == 0 },
		"draining worker should leave after its job resolves")
}

func TestDeadlineExceeded_ProbesWorker(t *testing.T) {
	cfg := testConfig()
	cfg.JobDeadline = 30 * time.Millisecond
	cfg.MaxRetries = 0
	d, fleet := newTestDispatcher(t, cfg)
	if _, err := d.AddWorker(context.Background(), "10.0.0.1:50051"); err != nil {
		t.Fatalf("add worker: %v", err)
	}
	fleet.get("10.0.0.1:50051").setProveFn(func(ctx context.Context, _ *job.Job) (*job.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := d.Submit(context.Background(), []byte("w"))
	if !errors.Is(err, proofgate.ErrRetryExhausted) {
		t.Fatalf("expected terminal failure, got %v", err)
	}
	var ex *proofgate.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected exhausted error, got %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return fleet.get("10.0.0.1:50051").pingCalls.Load() >= 1
	}, "deadline overrun should trigger an immediate probe")
}

func TestSetWorkers_ReconcilesRoster(t *testing.T) {
	d, _ := newTestDispatcher(t, testConfig())
	ctx := context.Background()

	if _, err := d.AddWorker(ctx, "10.0.0.1:50051"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := d.AddWorker(ctx, "10.0.0.2:50051"); err != nil {
		t.Fatalf("add: %v", err)
	}

	count, err := d.SetWorkers(ctx, []string{"10.0.0.2:50051", "10.0.0.3:50051"})
	if err != nil {
		t.Fatalf("set workers: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected roster of 2, got %d", count)
	}

	addrs := make(map[string]bool)
	for _, w := range d.Workers() {
		addrs[w.Addr] = true
	}
	if addrs["10.0.0.1:50051"] || !addrs["10.0.0.2:50051"] || !addrs["10.0.0.3:50051"] {
		t.Fatalf("unexpected roster: %v", addrs)
	}
}

func TestRosterSurvivesRestart(t *testing.T) {
	st := memory.New()
	fleet := newFakeFleet()
	ctx := context.Background()

	d1, err := New(testConfig(), st, nil, WithClientFactory(fleet.factory))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := d1.AddWorker(ctx, "10.0.0.1:50051"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d1.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	d2, err := New(testConfig(), st, nil, WithClientFactory(fleet.factory))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d2.Stop(ctx) //nolint:errcheck
	if err := d2.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	workers := d2.Workers()
	if len(workers) != 1 || workers[0].Addr != "10.0.0.1:50051" {
		t.Fatalf("roster not restored: %+v", workers)
	}
}

func TestDLQReplay_ResubmitsJob(t *testing.T) {
	d, fleet := newTestDispatcher(t, testConfig())
	if _, err := d.AddWorker(context.Background(), "10.0.0.1:50051"); err != nil {
		t.Fatalf("add worker: %v", err)
	}

	var healthy atomic.Bool
	fleet.get("10.0.0.1:50051").setProveFn(func(_ context.Context, j *job.Job) (*job.Result, error) {
		if !healthy.Load() {
			return nil, errors.New("bad witness")
		}
		return &job.Result{JobID: j.ID, Proof: []byte("p")}, nil
	})

	if _, err := d.Submit(context.Background(), []byte("w")); !errors.Is(err, proofgate.ErrRetryExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	entries, _ := d.DLQ().List(context.Background(), 0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}

	healthy.Store(true)
	newID, err := d.DLQ().Replay(context.Background(), entries[0].ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		j, ok := d.Job(newID)
		return ok && j.State == job.StateCompleted
	}, "replayed job should complete")
}
