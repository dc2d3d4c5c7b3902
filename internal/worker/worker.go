package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bouthilx/metaopt/internal/algorithm"
	"github.com/bouthilx/metaopt/internal/lease"
	"github.com/bouthilx/metaopt/internal/ledger"
	"github.com/bouthilx/metaopt/internal/metrics"
	"github.com/bouthilx/metaopt/internal/store"
	"github.com/bouthilx/metaopt/trial"
)

// #region types

// Executor runs one trial's external objective and returns its result.
type Executor interface {
	Run(ctx context.Context, t trial.Trial) (trial.Result, error)
}

// Config tunes one worker's cycle.
type Config struct {
	// Holder identifies this worker on every lease it takes.
	Holder string

	// LeaseTTL bounds how long a crashed worker blocks its trial.
	LeaseTTL time.Duration

	// Heartbeat is the lease renewal interval while executing; zero
	// disables renewal. Defaults to LeaseTTL/3.
	Heartbeat time.Duration

	// MaxTrials stops the worker once the experiment has this many
	// completed trials. Zero means unlimited.
	MaxTrials int

	// Batch is how many candidates to request per suggestion.
	Batch int

	// StandIn is the in-flight observation policy fed to Suggest.
	StandIn algorithm.StandInConfig

	// BackoffBase and BackoffCap shape the transient-failure retry
	// delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Holder == "" {
		c.Holder = uuid.NewString()
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = c.LeaseTTL / 3
	}
	if c.Batch <= 0 {
		c.Batch = 3
	}
	return c
}

// Stats tallies what one worker (or a pool) did.
type Stats struct {
	Completed   int
	Broken      int
	Interrupted int
	Lost        int
}

// Add folds other into s.
func (s *Stats) Add(other Stats) {
	s.Completed += other.Completed
	s.Broken += other.Broken
	s.Interrupted += other.Interrupted
	s.Lost += other.Lost
}

// #endregion types

// #region worker

// Worker drives one logical worker's cycle: read history, ask the
// strategy, acquire via the lease protocol, execute externally, report.
// Coordination with other workers happens only through the store.
type Worker struct {
	scope   ledger.Scope
	led     *ledger.Ledger
	leases  *lease.Manager
	adapter algorithm.Adapter
	exec    Executor
	cfg     Config
	memory  *Memory
	clock   func() time.Time
}

// New wires a worker. cfg zero values take defaults.
func New(sc ledger.Scope, led *ledger.Ledger, leases *lease.Manager, adapter algorithm.Adapter, exec Executor, cfg Config) *Worker {
	return &Worker{
		scope:   sc,
		led:     led,
		leases:  leases,
		adapter: adapter,
		exec:    exec,
		cfg:     cfg.withDefaults(),
		memory:  NewMemory(0),
		clock:   time.Now,
	}
}

// Run cycles until the trial budget is met, the strategy is exhausted,
// or ctx is canceled. Cancellation is a normal terminal condition, not
// an error.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	backoff := NewBackoff(w.cfg.BackoffBase, w.cfg.BackoffCap)

	for {
		if ctx.Err() != nil {
			return stats, nil
		}

		history, err := w.led.History(ctx, w.scope)
		if err != nil {
			if store.IsUnavailable(err) {
				if !w.wait(ctx, backoff.Next()) {
					return stats, nil
				}
				continue
			}
			if ctx.Err() != nil {
				return stats, nil
			}
			return stats, err
		}
		backoff.Reset()

		if w.cfg.MaxTrials > 0 && completedCount(history) >= w.cfg.MaxTrials {
			log.Printf("[WORKER] %s: trial budget met (%d completed)", w.cfg.Holder, completedCount(history))
			return stats, nil
		}

		for _, t := range history {
			if t.Status == trial.StatusCompleted {
				w.adapter.Observe(t)
			}
		}

		visible := algorithm.ApplyStandIns(history, w.cfg.StandIn, w.clock())
		start := time.Now()
		batch, err := w.adapter.Suggest(visible, w.cfg.Batch)
		metrics.SuggestSeconds.Observe(time.Since(start).Seconds())
		if errors.Is(err, algorithm.ErrExhausted) {
			log.Printf("[WORKER] %s: strategy exhausted", w.cfg.Holder)
			return stats, nil
		}
		if err != nil {
			return stats, err
		}

		executed := false
		for _, params := range w.memory.Filter(batch) {
			acq, err := w.leases.GetOrCreate(ctx, w.scope, params, w.cfg.Holder, w.cfg.LeaseTTL)
			if err != nil {
				if store.IsUnavailable(err) {
					break
				}
				if ctx.Err() != nil {
					return stats, nil
				}
				return stats, err
			}
			if !acq.Granted() {
				// Someone else owns or finished this point; note it
				// and ask the strategy for something else.
				w.memory.Remember(params)
				stats.Lost++
				continue
			}

			if err := w.execute(ctx, acq, &stats); err != nil {
				return stats, err
			}
			executed = true
			break
		}

		if executed {
			backoff.Reset()
			continue
		}
		// Nothing acquirable this cycle; let the ledger move before
		// re-asking.
		if !w.wait(ctx, backoff.Next()) {
			return stats, nil
		}
	}
}

// execute runs one granted trial under heartbeat renewal and reports
// its outcome.
func (w *Worker) execute(ctx context.Context, acq lease.Acquisition, stats *Stats) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go w.heartbeat(runCtx, acq.Trial.ID, cancel, hbDone)

	res, runErr := w.exec.Run(runCtx, acq.Trial)
	leaseLost := runCtx.Err() != nil && ctx.Err() == nil
	cancel()
	<-hbDone

	switch {
	case runErr == nil:
		_, err := w.report(ctx, acq.Trial.ID, lease.Completed(res))
		if lease.IsOwnership(err) {
			// Preempted between finishing and reporting; the newer
			// reservation wins.
			log.Printf("[WORKER] %s: lost lease before reporting %s", w.cfg.Holder, shortID(acq.Trial.ID))
			stats.Lost++
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown mid-retry; the lease expires and another
				// holder re-runs the point.
				return nil
			}
			return err
		}
		stats.Completed++
		return nil

	case ctx.Err() != nil:
		// Worker shutdown: hand the trial back.
		reportCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if _, err := w.report(reportCtx, acq.Trial.ID, lease.Interrupted("worker shutdown")); err != nil {
			log.Printf("[WORKER] %s: interrupt report failed: %v", w.cfg.Holder, err)
		}
		stats.Interrupted++
		return nil

	case leaseLost:
		// The heartbeat discovered the lease was reclaimed and killed
		// the run. Nothing to report; the new holder owns the trial.
		stats.Lost++
		return nil

	default:
		_, err := w.report(ctx, acq.Trial.ID, lease.Broken(runErr.Error()))
		if lease.IsOwnership(err) {
			stats.Lost++
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		stats.Broken++
		return nil
	}
}

// report delivers one outcome, waiting out transient store failures so
// a computed result is never dropped on a backend blip. Conflicts and
// ownership checks stay inside the manager; only unavailability is
// retried here.
func (w *Worker) report(ctx context.Context, trialID string, out lease.Outcome) (trial.Trial, error) {
	backoff := NewBackoff(w.cfg.BackoffBase, w.cfg.BackoffCap)
	for {
		t, err := w.leases.Report(ctx, w.scope, trialID, w.cfg.Holder, out)
		if !store.IsUnavailable(err) {
			return t, err
		}
		log.Printf("[WORKER] %s: store unavailable reporting %s, retrying: %v", w.cfg.Holder, shortID(trialID), err)
		if !w.wait(ctx, backoff.Next()) {
			return trial.Trial{}, err
		}
	}
}

// heartbeat renews the lease while the objective runs. Discovering a
// lost lease cancels the run; transient renewal failures wait for the
// next tick.
func (w *Worker) heartbeat(ctx context.Context, trialID string, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	if w.cfg.Heartbeat <= 0 {
		return
	}

	tick := time.NewTicker(w.cfg.Heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			err := w.leases.Renew(ctx, w.scope, trialID, w.cfg.Holder, w.cfg.LeaseTTL)
			if lease.IsOwnership(err) {
				log.Printf("[WORKER] %s: lease on %s reclaimed, aborting run", w.cfg.Holder, shortID(trialID))
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Printf("[WORKER] %s: heartbeat failed: %v", w.cfg.Holder, err)
			}
		}
	}
}

// wait sleeps d or until cancellation, reporting whether to continue.
func (w *Worker) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func completedCount(history []trial.Trial) int {
	n := 0
	for _, t := range history {
		if t.Status == trial.StatusCompleted {
			n++
		}
	}
	return n
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion worker

// #region pool

// RunPool fans out n logical workers inside one process, each with its
// own holder identity, and merges their stats. Inter-process pools need
// no extra wiring: the store is the only coordination channel.
func RunPool(ctx context.Context, n int, build func(holder string) *Worker) (Stats, error) {
	if n < 1 {
		n = 1
	}

	var mu sync.Mutex
	var total Stats

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		w := build(uuid.NewString())
		g.Go(func() error {
			s, err := w.Run(ctx)
			mu.Lock()
			total.Add(s)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return total, err
}

// #endregion pool
