package trial

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bouthilx/metaopt/space"
)

// #region status

// Status is a trial's position in its lifecycle.
type Status string

const (
	StatusNew         Status = "new"
	StatusReserved    Status = "reserved"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusBroken      Status = "broken"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusNew, StatusReserved, StatusCompleted, StatusInterrupted, StatusBroken}
}

// CanTransition reports whether a trial may move from one status to
// another. Reserved→Reserved covers renewals and expiry takeovers;
// Broken→New covers explicit requeues.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusNew:
		return to == StatusReserved
	case StatusReserved:
		return to == StatusReserved || to == StatusCompleted ||
			to == StatusInterrupted || to == StatusBroken
	case StatusInterrupted:
		return to == StatusReserved
	case StatusBroken:
		return to == StatusNew
	}
	return false
}

// #endregion status

// #region records

// Lease is a time-bounded exclusive claim on a trial by one holder.
type Lease struct {
	Holder  string    `json:"holder"`
	Expires time.Time `json:"expires"`
}

// Result carries the opaque outcome payload of a completed trial, plus
// the objective value when one could be extracted from it.
type Result struct {
	Objective *float64        `json:"objective,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event is one entry in a trial's transition history.
type Event struct {
	Kind   string    `json:"kind"` // "created" | "reserved" | "renewed" | "completed" | "broken" | "interrupted" | "requeued"
	Holder string    `json:"holder,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Trial is one concrete parameter assignment plus its execution status
// and result within an experiment version.
type Trial struct {
	ID         string           `json:"id"`
	Experiment string           `json:"experiment"`
	Version    int              `json:"version"`
	Params     space.Assignment `json:"params"`
	Status     Status           `json:"status"`
	Lease      *Lease           `json:"lease,omitempty"`
	Result     *Result          `json:"result,omitempty"`
	Fault      string           `json:"fault,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	Events     []Event          `json:"events,omitempty"`
}

// #endregion records

// #region identity

// ID computes the deterministic trial identifier for a parameter point
// within one experiment version. Two independent submissions of the same
// point always collide on it.
func ID(experiment string, version int, params space.Assignment) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s", experiment, version, params.Key())
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// #endregion identity

// #region constructors

// New builds a waiting trial for a parameter point. The identifier is
// derived, never supplied.
func New(experiment string, version int, params space.Assignment, now time.Time) Trial {
	return Trial{
		ID:         ID(experiment, version, params),
		Experiment: experiment,
		Version:    version,
		Params:     params.Clone(),
		Status:     StatusNew,
		CreatedAt:  now,
		Events:     []Event{{Kind: "created", At: now}},
	}
}

// #endregion constructors

// #region transitions

// Reserve returns a copy of t holding a fresh lease. reason distinguishes
// first grants from expiry takeovers and re-acquisitions.
func Reserve(t Trial, holder string, expires time.Time, now time.Time, reason string) (Trial, error) {
	if !CanTransition(t.Status, StatusReserved) {
		return Trial{}, transitionError(t, StatusReserved)
	}
	out := clone(t)
	out.Status = StatusReserved
	out.Lease = &Lease{Holder: holder, Expires: expires}
	out.Events = append(out.Events, Event{Kind: "reserved", Holder: holder, Reason: reason, At: now})
	return out, nil
}

// Renew returns a copy of t with the lease expiry pushed out.
func Renew(t Trial, holder string, expires time.Time, now time.Time) (Trial, error) {
	if t.Status != StatusReserved {
		return Trial{}, transitionError(t, StatusReserved)
	}
	out := clone(t)
	out.Lease = &Lease{Holder: holder, Expires: expires}
	out.Events = append(out.Events, Event{Kind: "renewed", Holder: holder, At: now})
	return out, nil
}

// Complete returns a copy of t carrying its result, with the lease
// released.
func Complete(t Trial, holder string, res Result, now time.Time) (Trial, error) {
	if !CanTransition(t.Status, StatusCompleted) {
		return Trial{}, transitionError(t, StatusCompleted)
	}
	out := clone(t)
	out.Status = StatusCompleted
	out.Lease = nil
	out.Result = &res
	out.Events = append(out.Events, Event{Kind: "completed", Holder: holder, At: now})
	return out, nil
}

// Break returns a copy of t marked broken with a failure annotation.
func Break(t Trial, holder string, fault string, now time.Time) (Trial, error) {
	if !CanTransition(t.Status, StatusBroken) {
		return Trial{}, transitionError(t, StatusBroken)
	}
	out := clone(t)
	out.Status = StatusBroken
	out.Lease = nil
	out.Fault = fault
	out.Events = append(out.Events, Event{Kind: "broken", Holder: holder, Reason: fault, At: now})
	return out, nil
}

// Interrupt returns a copy of t released back to an acquirable state.
func Interrupt(t Trial, holder string, reason string, now time.Time) (Trial, error) {
	if !CanTransition(t.Status, StatusInterrupted) {
		return Trial{}, transitionError(t, StatusInterrupted)
	}
	out := clone(t)
	out.Status = StatusInterrupted
	out.Lease = nil
	out.Events = append(out.Events, Event{Kind: "interrupted", Holder: holder, Reason: reason, At: now})
	return out, nil
}

// Requeue returns a copy of a broken t waiting to be acquired again. The
// failure annotation stays in the event history.
func Requeue(t Trial, now time.Time) (Trial, error) {
	if !CanTransition(t.Status, StatusNew) {
		return Trial{}, transitionError(t, StatusNew)
	}
	out := clone(t)
	out.Status = StatusNew
	out.Lease = nil
	out.Fault = ""
	out.Events = append(out.Events, Event{Kind: "requeued", At: now})
	return out, nil
}

func transitionError(t Trial, to Status) error {
	return fmt.Errorf("trial %s: illegal transition %s -> %s", t.ID, t.Status, to)
}

// #endregion transitions

// #region lease-helpers

// LeaseExpired reports whether t holds a lease that has elapsed. Trials
// without a lease are not expired.
func (t Trial) LeaseExpired(now time.Time) bool {
	return t.Lease != nil && !t.Lease.Expires.After(now)
}

// HeldBy reports whether t currently carries a lease for holder,
// regardless of expiry.
func (t Trial) HeldBy(holder string) bool {
	return t.Lease != nil && t.Lease.Holder == holder
}

// #endregion lease-helpers

// #region clone

func clone(t Trial) Trial {
	out := t
	out.Params = t.Params.Clone()
	if t.Lease != nil {
		l := *t.Lease
		out.Lease = &l
	}
	if t.Result != nil {
		r := *t.Result
		out.Result = &r
	}
	out.Events = make([]Event, len(t.Events), len(t.Events)+1)
	copy(out.Events, t.Events)
	return out
}

// #endregion clone
