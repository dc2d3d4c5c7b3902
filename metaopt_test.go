package metaopt

import (
	"context"
	"testing"
	"time"

	"github.com/bouthilx/metaopt/internal/algorithm"
	"github.com/bouthilx/metaopt/internal/lease"
	"github.com/bouthilx/metaopt/internal/store"
	"github.com/bouthilx/metaopt/space"
	"github.com/bouthilx/metaopt/trial"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(store.NewMemory())
	t.Cleanup(func() { c.Close() })
	return c
}

func testSpace(t *testing.T) *space.Space {
	t.Helper()
	sp, err := space.Parse([]string{"lr~loguniform(1e-05,1)", "layers~randint(2,8)"})
	if err != nil {
		t.Fatalf("parse space: %v", err)
	}
	return sp
}

func TestWorkonCreatesAndReuses(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)
	sp := testSpace(t)

	exp, err := c.Workon(ctx, "tune", sp, algorithm.DefaultConfig())
	if err != nil {
		t.Fatalf("Workon: %v", err)
	}
	if !exp.IsNew() || exp.Version() != 1 {
		t.Fatalf("first resolution: new=%v version=%d", exp.IsNew(), exp.Version())
	}

	again, err := c.Workon(ctx, "tune", sp, algorithm.DefaultConfig())
	if err != nil {
		t.Fatalf("Workon again: %v", err)
	}
	if again.IsNew() || again.Version() != 1 {
		t.Fatalf("second resolution: new=%v version=%d", again.IsNew(), again.Version())
	}
}

func TestWorkonBumpsOnRedefinition(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)

	if _, err := c.Workon(ctx, "tune", testSpace(t), algorithm.DefaultConfig()); err != nil {
		t.Fatalf("Workon: %v", err)
	}

	wider, err := space.Parse([]string{"lr~loguniform(1e-05,1)", "layers~randint(2,8)", "dropout~uniform(0,0.5)"})
	if err != nil {
		t.Fatalf("parse space: %v", err)
	}
	exp, err := c.Workon(ctx, "tune", wider, algorithm.DefaultConfig())
	if err != nil {
		t.Fatalf("Workon redefined: %v", err)
	}
	if exp.Version() != 2 || exp.Conflict() == nil {
		t.Fatalf("redefinition: version=%d conflict=%v", exp.Version(), exp.Conflict())
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)
	exp, err := c.Workon(ctx, "tune", testSpace(t), algorithm.DefaultConfig())
	if err != nil {
		t.Fatalf("Workon: %v", err)
	}

	params := space.Assignment{"lr": 0.01, "layers": 4}
	first, err := exp.Insert(ctx, params)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	second, err := exp.Insert(ctx, params)
	if err != nil {
		t.Fatalf("Insert again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("duplicate submission created a second trial: %s vs %s", first.ID, second.ID)
	}

	history, err := exp.History(ctx)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history has %d trials, want 1", len(history))
	}
}

func TestInsertRejectsPointsOutsideSpace(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)
	exp, err := c.Workon(ctx, "tune", testSpace(t), algorithm.DefaultConfig())
	if err != nil {
		t.Fatalf("Workon: %v", err)
	}

	if _, err := exp.Insert(ctx, space.Assignment{"lr": 5, "layers": 4}); err == nil {
		t.Fatal("expected rejection of a value outside its domain")
	}
	if _, err := exp.Reserve(ctx, space.Assignment{"lr": 0.01}, "w1", time.Minute); err == nil {
		t.Fatal("expected rejection of a point missing a dimension")
	}
}

func TestReserveReportRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)
	exp, err := c.Workon(ctx, "tune", testSpace(t), algorithm.DefaultConfig())
	if err != nil {
		t.Fatalf("Workon: %v", err)
	}

	params := space.Assignment{"lr": 0.01, "layers": 4}
	acq, err := exp.Reserve(ctx, params, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !acq.Granted() {
		t.Fatalf("fresh point denied: %+v", acq.Decision)
	}

	obj := 0.37
	done, err := exp.Report(ctx, acq.Trial.ID, "w1", lease.Completed(trial.Result{Objective: &obj}))
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if done.Status != trial.StatusCompleted || done.Result == nil || *done.Result.Objective != obj {
		t.Fatalf("completed record wrong: %+v", done)
	}

	// A later acquisition attempt sees the finished trial.
	after, err := exp.Reserve(ctx, params, "w2", time.Minute)
	if err != nil {
		t.Fatalf("Reserve after completion: %v", err)
	}
	if after.Granted() {
		t.Fatal("completed trial granted again")
	}
}

func TestExperimentReopensStoredVersion(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)
	created, err := c.Workon(ctx, "tune", testSpace(t), algorithm.DefaultConfig())
	if err != nil {
		t.Fatalf("Workon: %v", err)
	}
	if _, err := created.Insert(ctx, space.Assignment{"lr": 0.01, "layers": 4}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	reopened, err := c.Experiment(ctx, "tune", 1)
	if err != nil {
		t.Fatalf("Experiment: %v", err)
	}
	history, err := reopened.History(ctx)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("reopened handle sees %d trials, want 1", len(history))
	}
	if reopened.Space().Len() != 2 {
		t.Fatalf("stored space lost dimensions: %d", reopened.Space().Len())
	}

	if _, err := c.Experiment(ctx, "tune", 9); err == nil {
		t.Fatal("expected error for unknown version")
	}
}
