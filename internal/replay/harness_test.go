package replay

import (
	"context"
	"testing"
	"time"

	"github.com/bouthilx/metaopt/internal/ledger"
	"github.com/bouthilx/metaopt/internal/store"
	"github.com/bouthilx/metaopt/space"
	"github.com/bouthilx/metaopt/trial"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func ev(kind, holder, reason string, offset time.Duration) trial.Event {
	return trial.Event{Kind: kind, Holder: holder, Reason: reason, At: t0.Add(offset)}
}

func TestRebuildCompletedLifecycle(t *testing.T) {
	params := space.Assignment{"lr": 0.01}
	events := []trial.Event{
		ev("created", "", "", 0),
		ev("reserved", "w1", "fresh", time.Second),
		ev("renewed", "w1", "", 40*time.Second),
		ev("completed", "w1", "", 70*time.Second),
	}

	got, err := Rebuild("tune", 1, params, events, 2*time.Minute)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if got.Status != trial.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Lease != nil {
		t.Fatal("completed trial kept its lease")
	}
	if got.ID != trial.ID("tune", 1, params) {
		t.Fatalf("rebuilt ID %s does not match derived ID", got.ID)
	}
}

func TestRebuildTakeoverAfterExpiry(t *testing.T) {
	events := []trial.Event{
		ev("created", "", "", 0),
		ev("reserved", "w1", "fresh", time.Second),
		ev("reserved", "w2", "takeover", 5*time.Minute),
		ev("completed", "w2", "", 6*time.Minute),
	}

	got, err := Rebuild("tune", 1, space.Assignment{"lr": 0.01}, events, 2*time.Minute)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if got.Status != trial.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestRebuildBrokenRequeueReserve(t *testing.T) {
	events := []trial.Event{
		ev("created", "", "", 0),
		ev("reserved", "w1", "fresh", time.Second),
		ev("broken", "w1", "exit status 1", 10*time.Second),
		ev("requeued", "", "", time.Minute),
		ev("reserved", "w2", "fresh", 2*time.Minute),
	}

	got, err := Rebuild("tune", 1, space.Assignment{"lr": 0.01}, events, 2*time.Minute)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if got.Status != trial.StatusReserved {
		t.Fatalf("status = %s, want reserved", got.Status)
	}
	if got.Fault != "" {
		t.Fatalf("requeue did not clear fault: %q", got.Fault)
	}
}

func TestRebuildRejectsIllegalSequence(t *testing.T) {
	cases := []struct {
		name   string
		events []trial.Event
	}{
		{"empty", nil},
		{"missing creation", []trial.Event{ev("reserved", "w1", "fresh", 0)}},
		{"complete without reserve", []trial.Event{
			ev("created", "", "", 0),
			ev("completed", "w1", "", time.Second),
		}},
		{"requeue a completed trial", []trial.Event{
			ev("created", "", "", 0),
			ev("reserved", "w1", "fresh", time.Second),
			ev("completed", "w1", "", time.Minute),
			ev("requeued", "", "", 2*time.Minute),
		}},
		{"unknown kind", []trial.Event{
			ev("created", "", "", 0),
			ev("paused", "w1", "", time.Second),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Rebuild("tune", 1, space.Assignment{"lr": 0.01}, tc.events, 2*time.Minute); err == nil {
				t.Fatal("expected rebuild error")
			}
		})
	}
}

func TestReplayFixtureSummary(t *testing.T) {
	f := &Fixture{
		Experiment: "tune",
		Version:    1,
		LeaseTTL:   "2m",
		Trials: []FixtureTrial{
			{
				Params: space.Assignment{"lr": 0.01},
				Events: []trial.Event{
					ev("created", "", "", 0),
					ev("reserved", "w1", "fresh", time.Second),
					ev("completed", "w1", "", time.Minute),
				},
				Expected: trial.StatusCompleted,
			},
			{
				// Recorded status disagrees with its own events.
				Params: space.Assignment{"lr": 0.02},
				Events: []trial.Event{
					ev("created", "", "", 0),
					ev("reserved", "w1", "fresh", time.Second),
					ev("broken", "w1", "oom", time.Minute),
				},
				Expected: trial.StatusCompleted,
			},
			{
				Params:   space.Assignment{"lr": 0.03},
				Events:   []trial.Event{ev("reserved", "w1", "fresh", 0)},
				Expected: trial.StatusReserved,
			},
		},
	}

	outcomes, sum := ReplayFixture(f)
	if sum.Total != 3 || sum.Matches != 1 || sum.Diverged != 1 || sum.Illegal != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	if sum.Clean() {
		t.Fatal("divergent run reported clean")
	}
	if !outcomes[0].Clean() {
		t.Fatalf("healthy trial flagged: %+v", outcomes[0])
	}
	if outcomes[1].Match {
		t.Fatal("divergent trial reported as matching")
	}
}

func TestReplayStoreMatchesLedger(t *testing.T) {
	ctx := context.Background()
	led := ledger.New(store.NewMemory())
	sc := ledger.Scope{Experiment: "tune", Version: 1}

	created := trial.New("tune", 1, space.Assignment{"lr": 0.01}, t0)
	tag, err := led.Create(ctx, created)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	reserved, err := trial.Reserve(created, "w1", t0.Add(2*time.Minute), t0.Add(time.Second), "fresh")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	obj := 0.42
	done, err := trial.Complete(reserved, "w1", trial.Result{Objective: &obj}, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := led.Update(ctx, done, tag); err != nil {
		t.Fatalf("Update: %v", err)
	}

	outcomes, sum, err := ReplayStore(ctx, led, sc, 2*time.Minute)
	if err != nil {
		t.Fatalf("ReplayStore: %v", err)
	}
	if !sum.Clean() || sum.Total != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	if !outcomes[0].Clean() {
		t.Fatalf("stored trial failed replay: %+v", outcomes[0])
	}
}
