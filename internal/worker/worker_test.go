package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bouthilx/metaopt/internal/algorithm"
	"github.com/bouthilx/metaopt/internal/lease"
	"github.com/bouthilx/metaopt/internal/ledger"
	"github.com/bouthilx/metaopt/internal/store"
	"github.com/bouthilx/metaopt/space"
	"github.com/bouthilx/metaopt/trial"
)

var scope = ledger.Scope{Experiment: "tune", Version: 1}

// execFunc adapts a function to the Executor interface.
type execFunc func(ctx context.Context, t trial.Trial) (trial.Result, error)

func (f execFunc) Run(ctx context.Context, t trial.Trial) (trial.Result, error) {
	return f(ctx, t)
}

func succeed(objective float64) execFunc {
	return func(ctx context.Context, t trial.Trial) (trial.Result, error) {
		v := objective
		return trial.Result{Objective: &v}, nil
	}
}

// fixedAdapter always proposes the same point.
type fixedAdapter struct {
	params space.Assignment
}

func (a *fixedAdapter) Suggest(history []trial.Trial, n int) ([]space.Assignment, error) {
	return []space.Assignment{a.params.Clone()}, nil
}

func (a *fixedAdapter) Observe(t trial.Trial) {}

func testSpace(t *testing.T, specs ...string) *space.Space {
	t.Helper()
	sp, err := space.Parse(specs)
	if err != nil {
		t.Fatalf("space.Parse: %v", err)
	}
	return sp
}

func gridAdapter(t *testing.T, sp *space.Space) algorithm.Adapter {
	t.Helper()
	adapter, err := algorithm.Build(sp, algorithm.Config{Kind: algorithm.KindGrid})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return adapter
}

func TestWorkerCompletesLatticeAndStopsOnExhaustion(t *testing.T) {
	led := ledger.New(store.NewMemory())
	leases := lease.NewManager(led)
	sp := testSpace(t, "layers~randint(1,3)")

	w := New(scope, led, leases, gridAdapter(t, sp), succeed(0.5), Config{
		Holder:      "worker-a",
		LeaseTTL:    time.Minute,
		Heartbeat:   -1,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	})

	stats, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Completed != 3 {
		t.Fatalf("expected 3 completions, got %+v", stats)
	}

	history, err := led.History(context.Background(), scope)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	for _, tr := range history {
		if tr.Status != trial.StatusCompleted {
			t.Fatalf("trial %s left in %s", tr.ID, tr.Status)
		}
		if tr.Result == nil || *tr.Result.Objective != 0.5 {
			t.Fatalf("trial %s result: %+v", tr.ID, tr.Result)
		}
	}
}

func TestWorkerStopsAtTrialBudget(t *testing.T) {
	led := ledger.New(store.NewMemory())
	leases := lease.NewManager(led)
	sp := testSpace(t, "layers~randint(1,10)")

	w := New(scope, led, leases, gridAdapter(t, sp), succeed(1), Config{
		Holder:      "worker-a",
		LeaseTTL:    time.Minute,
		Heartbeat:   -1,
		MaxTrials:   4,
		BackoffBase: time.Millisecond,
	})

	stats, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Completed != 4 {
		t.Fatalf("budget overrun: %+v", stats)
	}
}

func TestWorkerRecordsBrokenTrials(t *testing.T) {
	led := ledger.New(store.NewMemory())
	leases := lease.NewManager(led)
	sp := testSpace(t, "layers~randint(1,2)")

	fail := execFunc(func(ctx context.Context, tr trial.Trial) (trial.Result, error) {
		return trial.Result{}, errors.New("exit status 1")
	})
	w := New(scope, led, leases, gridAdapter(t, sp), fail, Config{
		Holder:      "worker-a",
		LeaseTTL:    time.Minute,
		Heartbeat:   -1,
		BackoffBase: time.Millisecond,
	})

	stats, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Broken != 2 || stats.Completed != 0 {
		t.Fatalf("expected 2 broken, got %+v", stats)
	}

	history, _ := led.History(context.Background(), scope)
	for _, tr := range history {
		if tr.Status != trial.StatusBroken || tr.Fault == "" {
			t.Fatalf("trial %s: %s fault=%q", tr.ID, tr.Status, tr.Fault)
		}
	}
}

func TestWorkerDiscardsDeniedCandidates(t *testing.T) {
	led := ledger.New(store.NewMemory())
	leases := lease.NewManager(led)
	point := space.Assignment{"layers": 2}

	// Another worker already holds the only candidate.
	if _, err := leases.GetOrCreate(context.Background(), scope, point, "worker-b", time.Hour); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	w := New(scope, led, leases, &fixedAdapter{params: point}, succeed(1), Config{
		Holder:      "worker-a",
		LeaseTTL:    time.Minute,
		Heartbeat:   -1,
		BackoffBase: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	var stats Stats
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		stats, runErr = w.Run(ctx)
	}()

	// Give the worker a few cycles to lose the race, then stop it.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if stats.Lost == 0 || stats.Completed != 0 {
		t.Fatalf("expected only lost candidates, got %+v", stats)
	}

	// The owner's reservation is untouched.
	id := trial.ID(scope.Experiment, scope.Version, point)
	stored, _, err := led.Get(context.Background(), scope, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !stored.HeldBy("worker-b") {
		t.Fatalf("owner lost the lease: %+v", stored.Lease)
	}
}

// flakyBackend fails the next N conditional writes with a transient
// unavailability before letting them through.
type flakyBackend struct {
	store.Backend
	mu    sync.Mutex
	fails int
}

func (f *flakyBackend) ConditionalWrite(ctx context.Context, key string, value []byte, expected store.VersionTag) (store.VersionTag, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return 0, &store.UnavailableError{Op: "conditional-write", Key: key, Err: errors.New("connection reset")}
	}
	f.mu.Unlock()
	return f.Backend.ConditionalWrite(ctx, key, value, expected)
}

func TestWorkerRetriesReportWhenStoreUnavailable(t *testing.T) {
	// The lattice has one point, so the first conditional write on a
	// trial key is the result report: fail it twice.
	flaky := &flakyBackend{Backend: store.NewMemory(), fails: 2}
	led := ledger.New(flaky)
	leases := lease.NewManager(led)
	sp := testSpace(t, "layers~randint(1,1)")

	w := New(scope, led, leases, gridAdapter(t, sp), succeed(0.9), Config{
		Holder:      "worker-a",
		LeaseTTL:    time.Minute,
		Heartbeat:   -1,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	})

	stats, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Completed != 1 {
		t.Fatalf("result dropped on a transient blip: %+v", stats)
	}

	id := trial.ID(scope.Experiment, scope.Version, space.Assignment{"layers": 1})
	stored, _, err := led.Get(context.Background(), scope, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != trial.StatusCompleted || stored.Result == nil || *stored.Result.Objective != 0.9 {
		t.Fatalf("result not recorded after retries: %+v", stored)
	}
}

func TestExecuteLateReportCountsAsLost(t *testing.T) {
	clock := struct {
		mu  sync.Mutex
		now time.Time
	}{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	tick := func() time.Time {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		return clock.now
	}
	advance := func(d time.Duration) {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		clock.now = clock.now.Add(d)
	}

	led := ledger.New(store.NewMemory())
	leases := lease.NewManagerAt(led, tick)
	point := space.Assignment{"layers": 1}

	acq, err := leases.GetOrCreate(context.Background(), scope, point, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	// While worker-a "executes", its lease expires and worker-b takes
	// the trial over.
	slow := execFunc(func(ctx context.Context, tr trial.Trial) (trial.Result, error) {
		advance(2 * time.Minute)
		if _, err := leases.GetOrCreate(ctx, scope, point, "worker-b", time.Minute); err != nil {
			return trial.Result{}, err
		}
		return trial.Result{}, nil
	})

	w := New(scope, led, leases, &fixedAdapter{params: point}, slow, Config{
		Holder:    "worker-a",
		LeaseTTL:  time.Minute,
		Heartbeat: -1,
	})

	var stats Stats
	if err := w.execute(context.Background(), acq, &stats); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if stats.Lost != 1 || stats.Completed != 0 {
		t.Fatalf("late report not counted as lost: %+v", stats)
	}

	// worker-b's reservation survived the late report.
	stored, _, _ := led.Get(context.Background(), scope, acq.Trial.ID)
	if !stored.HeldBy("worker-b") || stored.Status != trial.StatusReserved {
		t.Fatalf("late report clobbered the record: %+v", stored)
	}
}

func TestWorkerInterruptsOnShutdown(t *testing.T) {
	led := ledger.New(store.NewMemory())
	leases := lease.NewManager(led)
	point := space.Assignment{"layers": 1}

	ctx, cancel := context.WithCancel(context.Background())
	blocking := execFunc(func(runCtx context.Context, tr trial.Trial) (trial.Result, error) {
		cancel() // external shutdown arrives mid-run
		<-runCtx.Done()
		return trial.Result{}, runCtx.Err()
	})

	w := New(scope, led, leases, &fixedAdapter{params: point}, blocking, Config{
		Holder:      "worker-a",
		LeaseTTL:    time.Minute,
		Heartbeat:   -1,
		BackoffBase: time.Millisecond,
	})

	stats, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Interrupted != 1 {
		t.Fatalf("expected 1 interruption, got %+v", stats)
	}

	// The trial is handed back as re-acquirable.
	id := trial.ID(scope.Experiment, scope.Version, point)
	stored, _, err := led.Get(context.Background(), scope, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != trial.StatusInterrupted {
		t.Fatalf("trial not interrupted: %s", stored.Status)
	}
}

func TestRunPoolCompletesEveryPointExactlyOnce(t *testing.T) {
	led := ledger.New(store.NewMemory())
	leases := lease.NewManager(led)
	sp := testSpace(t, "layers~randint(1,3)", "units~randint(1,2)")

	stats, err := RunPool(context.Background(), 4, func(holder string) *Worker {
		return New(scope, led, leases, gridAdapter(t, sp), succeed(0.1), Config{
			Holder:      holder,
			LeaseTTL:    time.Minute,
			Heartbeat:   -1,
			BackoffBase: time.Millisecond,
			BackoffCap:  5 * time.Millisecond,
		})
	})
	if err != nil {
		t.Fatalf("RunPool: %v", err)
	}

	history, err := led.History(context.Background(), scope)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 6 {
		t.Fatalf("expected 6 trials, got %d", len(history))
	}
	for _, tr := range history {
		if tr.Status != trial.StatusCompleted {
			t.Fatalf("trial %s left in %s", tr.ID, tr.Status)
		}
	}
	if stats.Completed != 6 {
		t.Fatalf("expected 6 completions across the pool, got %+v", stats)
	}
}
