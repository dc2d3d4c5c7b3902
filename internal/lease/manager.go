package lease

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bouthilx/metaopt/internal/ledger"
	"github.com/bouthilx/metaopt/internal/metrics"
	"github.com/bouthilx/metaopt/internal/store"
	"github.com/bouthilx/metaopt/space"
	"github.com/bouthilx/metaopt/trial"
)

// #region errors

// OwnershipError reports a mutation referencing a lease the caller no
// longer holds. It is surfaced, never retried: re-acquiring first is
// the only legal continuation.
type OwnershipError struct {
	TrialID string
	Holder  string
	Owner   string
}

func (e *OwnershipError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("trial %s: %s holds no lease", e.TrialID, e.Holder)
	}
	return fmt.Sprintf("trial %s: lease held by %s, not %s", e.TrialID, e.Owner, e.Holder)
}

// IsOwnership reports whether err marks a lost or missing lease.
func IsOwnership(err error) bool {
	var o *OwnershipError
	return errors.As(err, &o)
}

// #endregion errors

// #region outcome

// OutcomeKind tags a reported result.
type OutcomeKind string

const (
	OutcomeCompleted   OutcomeKind = "completed"
	OutcomeBroken      OutcomeKind = "broken"
	OutcomeInterrupted OutcomeKind = "interrupted"
)

// Outcome is the tagged-variant report payload: exactly one of a
// success result, a failure annotation, or an abandonment reason.
type Outcome struct {
	Kind   OutcomeKind
	Result trial.Result
	Fault  string
	Reason string
}

// Completed wraps a success payload.
func Completed(res trial.Result) Outcome {
	return Outcome{Kind: OutcomeCompleted, Result: res}
}

// Broken wraps an execution failure annotation.
func Broken(fault string) Outcome {
	return Outcome{Kind: OutcomeBroken, Fault: fault}
}

// Interrupted wraps a voluntary abandonment.
func Interrupted(reason string) Outcome {
	return Outcome{Kind: OutcomeInterrupted, Reason: reason}
}

// #endregion outcome

// #region acquisition

// Acquisition is the result of a getOrCreate call: the trial as stored
// plus the decision that produced it. A denied acquisition still
// carries the record so callers can see who owns it.
type Acquisition struct {
	Trial    trial.Trial
	Tag      store.VersionTag
	Decision Decision
}

// Granted reports whether the caller now holds the lease.
func (a Acquisition) Granted() bool { return a.Decision.Granted }

// #endregion acquisition

// #region manager

// Manager is the at-most-once acquisition point. Every mutation is a
// single conditional write against the ledger; races lose the write,
// observe the post-state, and recompute.
type Manager struct {
	led   *ledger.Ledger
	clock func() time.Time
}

// NewManager wraps a ledger with the wall clock.
func NewManager(led *ledger.Ledger) *Manager {
	return NewManagerAt(led, time.Now)
}

// NewManagerAt wraps a ledger with an injected clock, for tests.
func NewManagerAt(led *ledger.Ledger, clock func() time.Time) *Manager {
	return &Manager{led: led, clock: clock}
}

// GetOrCreate reserves the trial for params, creating the record when
// the point was never submitted. A denied acquisition is not an error:
// the decision says who owns the trial or why it is unavailable.
func (m *Manager) GetOrCreate(ctx context.Context, sc ledger.Scope, params space.Assignment, holder string, ttl time.Duration) (Acquisition, error) {
	id := trial.ID(sc.Experiment, sc.Version, params)

	for {
		if err := ctx.Err(); err != nil {
			return Acquisition{}, fmt.Errorf("acquire %s: %w", id, err)
		}

		current, tag, err := m.led.Get(ctx, sc, id)
		if errors.Is(err, store.ErrNotFound) {
			now := m.clock().UTC()
			fresh, err := trial.Reserve(trial.New(sc.Experiment, sc.Version, params, now), holder, now.Add(ttl), now, "fresh grant")
			if err != nil {
				return Acquisition{}, err
			}
			tag, err := m.led.Create(ctx, fresh)
			if errors.Is(err, store.ErrAlreadyExists) {
				// Another worker inserted the same point first.
				metrics.StoreConflicts.WithLabelValues("create").Inc()
				continue
			}
			if err != nil {
				return Acquisition{}, err
			}
			d := Decision{Granted: true, Grant: GrantFresh, Reason: "first reservation"}
			metrics.Acquisitions.WithLabelValues(d.Outcome()).Inc()
			return Acquisition{Trial: fresh, Tag: tag, Decision: d}, nil
		}
		if err != nil {
			return Acquisition{}, err
		}

		now := m.clock().UTC()
		d := Judge(current, holder, now)
		if !d.Granted {
			metrics.Acquisitions.WithLabelValues(d.Outcome()).Inc()
			return Acquisition{Trial: current, Tag: tag, Decision: d}, nil
		}

		reserved, err := trial.Reserve(current, holder, now.Add(ttl), now, d.Reason)
		if err != nil {
			return Acquisition{}, err
		}
		next, err := m.led.Update(ctx, reserved, tag)
		if errors.Is(err, store.ErrConflict) {
			// Lost the conditional write; observe the post-state.
			metrics.StoreConflicts.WithLabelValues("acquire").Inc()
			continue
		}
		if err != nil {
			return Acquisition{}, err
		}

		if d.Grant == GrantTakeover {
			metrics.LeaseTakeovers.Inc()
			log.Printf("[LEASE] %s/%s: takeover by %s (%s)", sc, shortID(id), holder, d.Reason)
		}
		metrics.Acquisitions.WithLabelValues(d.Outcome()).Inc()
		return Acquisition{Trial: reserved, Tag: next, Decision: d}, nil
	}
}

// Report records the outcome of a held trial. The write is conditional
// on both the recorded lease holder and the record tag, so a preempted
// worker's late report never clobbers a newer reservation.
func (m *Manager) Report(ctx context.Context, sc ledger.Scope, trialID, holder string, out Outcome) (trial.Trial, error) {
	for {
		if err := ctx.Err(); err != nil {
			return trial.Trial{}, fmt.Errorf("report %s: %w", trialID, err)
		}

		current, tag, err := m.led.Get(ctx, sc, trialID)
		if err != nil {
			return trial.Trial{}, err
		}
		if !current.HeldBy(holder) {
			metrics.OwnershipFailures.Inc()
			return trial.Trial{}, ownershipError(current, trialID, holder)
		}

		now := m.clock().UTC()
		var updated trial.Trial
		switch out.Kind {
		case OutcomeCompleted:
			updated, err = trial.Complete(current, holder, out.Result, now)
		case OutcomeBroken:
			updated, err = trial.Break(current, holder, out.Fault, now)
		case OutcomeInterrupted:
			updated, err = trial.Interrupt(current, holder, out.Reason, now)
		default:
			return trial.Trial{}, fmt.Errorf("report %s: unknown outcome kind %q", trialID, out.Kind)
		}
		if err != nil {
			return trial.Trial{}, err
		}

		if _, err := m.led.Update(ctx, updated, tag); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// The record moved; re-read and re-check ownership.
				metrics.StoreConflicts.WithLabelValues("report").Inc()
				continue
			}
			return trial.Trial{}, err
		}
		metrics.Reports.WithLabelValues(string(out.Kind)).Inc()
		log.Printf("[LEASE] %s/%s: %s by %s", sc, shortID(trialID), out.Kind, holder)
		return updated, nil
	}
}

// Renew pushes a held lease's expiry out by ttl. An OwnershipError
// means the lease was reclaimed: the worker must stop executing.
func (m *Manager) Renew(ctx context.Context, sc ledger.Scope, trialID, holder string, ttl time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("renew %s: %w", trialID, err)
		}

		current, tag, err := m.led.Get(ctx, sc, trialID)
		if err != nil {
			return err
		}
		if !current.HeldBy(holder) {
			metrics.OwnershipFailures.Inc()
			return ownershipError(current, trialID, holder)
		}

		now := m.clock().UTC()
		renewed, err := trial.Renew(current, holder, now.Add(ttl), now)
		if err != nil {
			return err
		}
		if _, err := m.led.Update(ctx, renewed, tag); err != nil {
			if errors.Is(err, store.ErrConflict) {
				metrics.StoreConflicts.WithLabelValues("renew").Inc()
				continue
			}
			return err
		}
		return nil
	}
}

// Requeue puts a broken trial back into the waiting state so it can be
// acquired again. Explicit caller intent only; nothing requeues
// automatically.
func (m *Manager) Requeue(ctx context.Context, sc ledger.Scope, trialID string) (trial.Trial, error) {
	for {
		if err := ctx.Err(); err != nil {
			return trial.Trial{}, fmt.Errorf("requeue %s: %w", trialID, err)
		}

		current, tag, err := m.led.Get(ctx, sc, trialID)
		if err != nil {
			return trial.Trial{}, err
		}
		requeued, err := trial.Requeue(current, m.clock().UTC())
		if err != nil {
			return trial.Trial{}, err
		}
		if _, err := m.led.Update(ctx, requeued, tag); err != nil {
			if errors.Is(err, store.ErrConflict) {
				metrics.StoreConflicts.WithLabelValues("requeue").Inc()
				continue
			}
			return trial.Trial{}, err
		}
		log.Printf("[LEASE] %s/%s: requeued", sc, shortID(trialID))
		return requeued, nil
	}
}

func ownershipError(t trial.Trial, trialID, holder string) error {
	owner := ""
	if t.Lease != nil {
		owner = t.Lease.Holder
	}
	return &OwnershipError{TrialID: trialID, Holder: holder, Owner: owner}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion manager
