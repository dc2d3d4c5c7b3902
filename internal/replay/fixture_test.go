package replay

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bouthilx/metaopt/internal/ledger"
	"github.com/bouthilx/metaopt/space"
	"github.com/bouthilx/metaopt/trial"
)

func TestFixtureRoundTrip(t *testing.T) {
	sc := ledger.Scope{Experiment: "tune", Version: 2}
	history := []trial.Trial{
		{
			ID:         trial.ID("tune", 2, space.Assignment{"lr": 0.01}),
			Experiment: "tune",
			Version:    2,
			Params:     space.Assignment{"lr": 0.01},
			Status:     trial.StatusCompleted,
			Events: []trial.Event{
				ev("created", "", "", 0),
				ev("reserved", "w1", "fresh", time.Second),
				ev("completed", "w1", "", time.Minute),
			},
		},
	}

	f := Export(sc, history, "90s", "round trip")
	path := filepath.Join(t.TempDir(), "tune.json")
	if err := SaveFixture(f, path); err != nil {
		t.Fatalf("SaveFixture: %v", err)
	}

	loaded, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	if loaded.Experiment != "tune" || loaded.Version != 2 || loaded.LeaseTTL != "90s" {
		t.Fatalf("header lost: %+v", loaded)
	}
	if len(loaded.Trials) != 1 || loaded.Trials[0].Expected != trial.StatusCompleted {
		t.Fatalf("trials lost: %+v", loaded.Trials)
	}
	if len(loaded.Trials[0].Events) != 3 {
		t.Fatalf("events lost: %d", len(loaded.Trials[0].Events))
	}

	// An exported fixture must replay cleanly against itself.
	_, sum := ReplayFixture(loaded)
	if !sum.Clean() {
		t.Fatalf("exported fixture does not replay: %+v", sum)
	}
}

func TestLoadFixtureRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadFixture(filepath.Join(dir, "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := SaveFixture(&Fixture{Experiment: "x", Version: 1}, bad); err != nil {
		t.Fatalf("SaveFixture: %v", err)
	}
	headless := &Fixture{Version: 1}
	path := filepath.Join(dir, "headless.json")
	if err := SaveFixture(headless, path); err != nil {
		t.Fatalf("SaveFixture: %v", err)
	}
	if _, err := LoadFixture(path); err == nil {
		t.Fatal("expected error for fixture without experiment name")
	}
}
