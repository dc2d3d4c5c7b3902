package algorithm

import (
	"fmt"
	"time"

	"github.com/bouthilx/metaopt/trial"
)

// #region stand-in-config

// StandInKind selects how in-flight trials look to a strategy that is
// about to suggest: invisible clustering magnets, or completed-looking
// stand-ins carrying a synthetic objective.
type StandInKind string

const (
	// StandInNone passes history through untouched.
	StandInNone StandInKind = ""

	// StandInStub marks in-flight trials completed with no objective.
	StandInStub StandInKind = "stub"

	// StandInMax assigns the worst completed objective so far.
	StandInMax StandInKind = "max"

	// StandInMean assigns the average completed objective so far.
	StandInMean StandInKind = "mean"
)

// StandInConfig is the tagged-variant stand-in policy.
type StandInConfig struct {
	Kind StandInKind `json:"kind" yaml:"kind"`
}

// Validate checks the kind is known.
func (c StandInConfig) Validate() error {
	switch c.Kind {
	case StandInNone, StandInStub, StandInMax, StandInMean:
		return nil
	}
	return fmt.Errorf("unknown stand-in kind %q", c.Kind)
}

// #endregion stand-in-config

// #region apply

// ApplyStandIns substitutes completed-looking observations for trials
// still holding a live lease, so stochastic strategies spread instead
// of clustering on points another worker is already evaluating. The
// input slice is never mutated. Trials whose lease has elapsed pass
// through unchanged: they are reclaimable, not in flight.
func ApplyStandIns(history []trial.Trial, cfg StandInConfig, now time.Time) []trial.Trial {
	if cfg.Kind == StandInNone {
		return history
	}

	objective := standInObjective(history, cfg.Kind)

	out := make([]trial.Trial, len(history))
	for i, t := range history {
		if t.Status != trial.StatusReserved || t.LeaseExpired(now) {
			out[i] = t
			continue
		}
		stand := t
		stand.Status = trial.StatusCompleted
		stand.Lease = nil
		stand.Result = &trial.Result{Objective: objective}
		out[i] = stand
	}
	return out
}

// standInObjective derives the synthetic objective. Falls back through
// the tiers: max/mean need completed objectives, stub never carries one.
func standInObjective(history []trial.Trial, kind StandInKind) *float64 {
	if kind == StandInStub {
		return nil
	}

	var sum, max float64
	count := 0
	for _, t := range history {
		if t.Status != trial.StatusCompleted || t.Result == nil || t.Result.Objective == nil {
			continue
		}
		v := *t.Result.Objective
		if count == 0 || v > max {
			max = v
		}
		sum += v
		count++
	}
	if count == 0 {
		return nil
	}

	v := max
	if kind == StandInMean {
		v = sum / float64(count)
	}
	return &v
}

// #endregion apply
