// Package metaopt coordinates hyperparameter searches across independent
// worker processes with no central broker: all coordination happens
// through a shared store offering read, conditional-write, and
// create-if-absent.
package metaopt

import (
	"context"
	"fmt"
	"time"

	"github.com/bouthilx/metaopt/internal/algorithm"
	"github.com/bouthilx/metaopt/internal/ledger"
	"github.com/bouthilx/metaopt/internal/lease"
	"github.com/bouthilx/metaopt/internal/registry"
	"github.com/bouthilx/metaopt/internal/store"
	"github.com/bouthilx/metaopt/space"
	"github.com/bouthilx/metaopt/trial"
)

// #region client

// Client is a handle on one coordination store. Every experiment handle
// it hands out shares the backend; independent processes pointing at the
// same DSN cooperate through it.
type Client struct {
	backend  store.Backend
	ledger   *ledger.Ledger
	registry *registry.Registry
	leases   *lease.Manager
}

// Open connects to the store named by a DSN (see store.Open for forms).
func Open(dsn string) (*Client, error) {
	backend, err := store.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return NewClient(backend), nil
}

// NewClient wraps an already-open backend.
func NewClient(backend store.Backend) *Client {
	led := ledger.New(backend)
	return &Client{
		backend:  backend,
		ledger:   led,
		registry: registry.New(backend),
		leases:   lease.NewManager(led),
	}
}

// Close releases the underlying backend.
func (c *Client) Close() error {
	return c.backend.Close()
}

// Ledger exposes the trial ledger for read-side tooling.
func (c *Client) Ledger() *ledger.Ledger { return c.ledger }

// Registry exposes the experiment registry for read-side tooling.
func (c *Client) Registry() *registry.Registry { return c.registry }

// Leases exposes the reservation manager.
func (c *Client) Leases() *lease.Manager { return c.leases }

// #endregion client

// #region experiment

// Experiment is a handle on one resolved experiment version. It is
// cheap, stateless beyond its scope, and safe for concurrent use.
type Experiment struct {
	client     *Client
	resolution registry.Resolution
	space      *space.Space
}

// Workon resolves (name, space, algorithm config) to an experiment
// version, creating one when the definition is new and bumping when it
// diverges from the stored head. The resolution's Conflict field carries
// the classified dimension changes after a bump.
func (c *Client) Workon(ctx context.Context, name string, sp *space.Space, cfg algorithm.Config) (*Experiment, error) {
	res, err := c.registry.Resolve(ctx, name, sp, cfg)
	if err != nil {
		return nil, err
	}
	return &Experiment{client: c, resolution: res, space: sp}, nil
}

// Experiment reopens an existing version without redefining it, for
// read-side tooling. The stored dimensions are used as the space.
func (c *Client) Experiment(ctx context.Context, name string, version int) (*Experiment, error) {
	records, err := c.registry.Versions(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Version != version {
			continue
		}
		sp, err := rec.Space()
		if err != nil {
			return nil, err
		}
		res := registry.Resolution{Name: name, Version: version, Record: rec}
		return &Experiment{client: c, resolution: res, space: sp}, nil
	}
	return nil, fmt.Errorf("experiment %q has no version %d", name, version)
}

// Name returns the experiment name.
func (e *Experiment) Name() string { return e.resolution.Name }

// Version returns the resolved version number.
func (e *Experiment) Version() int { return e.resolution.Version }

// IsNew reports whether resolution created this version.
func (e *Experiment) IsNew() bool { return e.resolution.IsNew }

// Conflict returns the redefinition record when resolution bumped the
// version, nil otherwise.
func (e *Experiment) Conflict() *registry.FingerprintConflict { return e.resolution.Conflict }

// Space returns the experiment's parameter space.
func (e *Experiment) Space() *space.Space { return e.space }

// Scope names this version in the ledger.
func (e *Experiment) Scope() ledger.Scope {
	return ledger.Scope{Experiment: e.resolution.Name, Version: e.resolution.Version}
}

// #endregion experiment

// #region operations

// Reserve acquires a lease on the trial for a parameter point, creating
// the trial when the point was never submitted. A non-granted acquisition
// is not an error; inspect the decision on the returned value.
func (e *Experiment) Reserve(ctx context.Context, params space.Assignment, holder string, ttl time.Duration) (lease.Acquisition, error) {
	if !e.space.Contains(params) {
		return lease.Acquisition{}, fmt.Errorf("params %s outside the space of %s", params.Key(), e.Scope())
	}
	return e.client.leases.GetOrCreate(ctx, e.Scope(), params, holder, ttl)
}

// Report records the outcome of an executed trial, conditional on still
// holding its lease.
func (e *Experiment) Report(ctx context.Context, trialID, holder string, out lease.Outcome) (trial.Trial, error) {
	return e.client.leases.Report(ctx, e.Scope(), trialID, holder, out)
}

// Insert submits one concrete parameter point as a waiting trial.
// Submission is idempotent: resubmitting a point returns the existing
// trial unchanged.
func (e *Experiment) Insert(ctx context.Context, params space.Assignment) (trial.Trial, error) {
	if !e.space.Contains(params) {
		return trial.Trial{}, fmt.Errorf("params %s outside the space of %s", params.Key(), e.Scope())
	}
	t := trial.New(e.resolution.Name, e.resolution.Version, params, time.Now().UTC())
	if _, err := e.client.ledger.Create(ctx, t); err != nil {
		if existing, _, getErr := e.client.ledger.Get(ctx, e.Scope(), t.ID); getErr == nil {
			return existing, nil
		}
		return trial.Trial{}, err
	}
	return t, nil
}

// Requeue puts a broken trial back in line for acquisition.
func (e *Experiment) Requeue(ctx context.Context, trialID string) (trial.Trial, error) {
	return e.client.leases.Requeue(ctx, e.Scope(), trialID)
}

// History returns every trial of this version in registration order.
func (e *Experiment) History(ctx context.Context) ([]trial.Trial, error) {
	return e.client.ledger.History(ctx, e.Scope())
}

// Counts tallies this version's trials by status.
func (e *Experiment) Counts(ctx context.Context) (map[trial.Status]int, error) {
	return e.client.ledger.Counts(ctx, e.Scope())
}

// #endregion operations
