package replay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bouthilx/metaopt/internal/ledger"
	"github.com/bouthilx/metaopt/space"
	"github.com/bouthilx/metaopt/trial"
)

// #region results

// Outcome summarizes the replay of one trial's event history.
type Outcome struct {
	TrialID  string
	Expected trial.Status
	Replayed trial.Status
	Match    bool
	Err      string
	Checks   []Check
}

// Clean reports whether the replay matched and every audit check passed.
func (o Outcome) Clean() bool {
	return o.Match && o.Err == "" && AllPassed(o.Checks)
}

// Summary tallies outcomes across a replay run.
type Summary struct {
	Total    int
	Matches  int
	Diverged int
	Illegal  int
	Failed   int // audit check failures among matching replays
}

// Clean reports whether the whole run is free of divergence.
func (s Summary) Clean() bool {
	return s.Diverged == 0 && s.Illegal == 0 && s.Failed == 0
}

func (s *Summary) add(o Outcome) {
	s.Total++
	switch {
	case o.Err != "":
		s.Illegal++
	case !o.Match:
		s.Diverged++
	case !AllPassed(o.Checks):
		s.Failed++
	default:
		s.Matches++
	}
}

// #endregion results

// #region rebuild

// Rebuild drives one event sequence through the transition rules and
// returns the trial it lands on. The first event must be a creation;
// any step the rules reject fails the rebuild.
func Rebuild(experiment string, version int, params space.Assignment, events []trial.Event, leaseTTL time.Duration) (trial.Trial, error) {
	if len(events) == 0 {
		return trial.Trial{}, fmt.Errorf("empty event history")
	}
	if events[0].Kind != "created" {
		return trial.Trial{}, fmt.Errorf("history starts with %q, want created", events[0].Kind)
	}

	t := trial.New(experiment, version, params, events[0].At)
	for i, ev := range events[1:] {
		var err error
		switch ev.Kind {
		case "reserved":
			t, err = trial.Reserve(t, ev.Holder, ev.At.Add(leaseTTL), ev.At, ev.Reason)
		case "renewed":
			t, err = trial.Renew(t, ev.Holder, ev.At.Add(leaseTTL), ev.At)
		case "completed":
			t, err = trial.Complete(t, ev.Holder, trial.Result{}, ev.At)
		case "broken":
			t, err = trial.Break(t, ev.Holder, ev.Reason, ev.At)
		case "interrupted":
			t, err = trial.Interrupt(t, ev.Holder, ev.Reason, ev.At)
		case "requeued":
			t, err = trial.Requeue(t, ev.At)
		default:
			err = fmt.Errorf("unknown event kind %q", ev.Kind)
		}
		if err != nil {
			return trial.Trial{}, fmt.Errorf("event %d: %w", i+1, err)
		}
	}
	return t, nil
}

// #endregion rebuild

// #region run

// ReplayFixture replays every trial in a fixture against its expected
// final status.
func ReplayFixture(f *Fixture) ([]Outcome, Summary) {
	ttl := fixtureTTL(f)
	outcomes := make([]Outcome, 0, len(f.Trials))
	var sum Summary

	for _, ft := range f.Trials {
		o := Outcome{
			TrialID:  trial.ID(f.Experiment, f.Version, ft.Params),
			Expected: ft.Expected,
		}
		rebuilt, err := Rebuild(f.Experiment, f.Version, ft.Params, ft.Events, ttl)
		if err != nil {
			o.Err = err.Error()
		} else {
			o.Replayed = rebuilt.Status
			o.Match = rebuilt.Status == ft.Expected
			o.Checks = Audit(rebuilt)
		}
		sum.add(o)
		outcomes = append(outcomes, o)
	}
	log.Printf("[REPLAY] fixture %s v%d: %d trials, %d match, %d diverged, %d illegal, %d check failures",
		f.Experiment, f.Version, sum.Total, sum.Matches, sum.Diverged, sum.Illegal, sum.Failed)
	return outcomes, sum
}

// ReplayStore replays every stored trial of one experiment version
// against its own recorded status, and audits the stored records.
func ReplayStore(ctx context.Context, led *ledger.Ledger, sc ledger.Scope, leaseTTL time.Duration) ([]Outcome, Summary, error) {
	history, err := led.History(ctx, sc)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("load history: %w", err)
	}

	outcomes := make([]Outcome, 0, len(history))
	var sum Summary
	for _, stored := range history {
		o := Outcome{TrialID: stored.ID, Expected: stored.Status}
		rebuilt, err := Rebuild(stored.Experiment, stored.Version, stored.Params, stored.Events, leaseTTL)
		if err != nil {
			o.Err = err.Error()
		} else {
			o.Replayed = rebuilt.Status
			o.Match = rebuilt.Status == stored.Status
			o.Checks = Audit(stored)
		}
		sum.add(o)
		outcomes = append(outcomes, o)
	}
	log.Printf("[REPLAY] store %s v%d: %d trials, %d match, %d diverged, %d illegal, %d check failures",
		sc.Experiment, sc.Version, sum.Total, sum.Matches, sum.Diverged, sum.Illegal, sum.Failed)
	return outcomes, sum, nil
}

func fixtureTTL(f *Fixture) time.Duration {
	if f.LeaseTTL == "" {
		return 2 * time.Minute
	}
	d, err := time.ParseDuration(f.LeaseTTL)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

// #endregion run
