package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bouthilx/metaopt/internal/ledger"
	"github.com/bouthilx/metaopt/internal/replay"
	"github.com/bouthilx/metaopt/internal/store"
)

// #region main

func main() {
	dsn := flag.String("store", "", "store DSN (store mode, requires --experiment)")
	experiment := flag.String("experiment", "", "experiment name (store mode)")
	version := flag.Int("version", 0, "experiment version (store mode, 0 = every version from 1 up)")
	fixturePath := flag.String("fixture", "", "path to fixture JSON (fixture mode)")
	leaseTTL := flag.Duration("lease-ttl", 2*time.Minute, "lease TTL assumed when rebuilding reservations")
	verbose := flag.Bool("v", false, "print every outcome, not only divergences")
	flag.Parse()

	if (*dsn == "" && *fixturePath == "") || (*dsn != "" && *fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.json")
		fmt.Fprintln(os.Stderr, "       replay --store dsn --experiment name [--version n]")
		os.Exit(2)
	}

	var exitCode int
	if *fixturePath != "" {
		exitCode = runFixtureMode(*fixturePath, *verbose)
	} else {
		exitCode = runStoreMode(*dsn, *experiment, *version, *leaseTTL, *verbose)
	}
	os.Exit(exitCode)
}

// #endregion main

// #region modes

func runFixtureMode(path string, verbose bool) int {
	f, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 1
	}
	outcomes, sum := replay.ReplayFixture(f)
	report(outcomes, sum, verbose)
	if !sum.Clean() {
		return 1
	}
	return 0
}

func runStoreMode(dsn, experiment string, version int, leaseTTL time.Duration, verbose bool) int {
	if experiment == "" {
		fmt.Fprintln(os.Stderr, "replay: --store mode requires --experiment")
		return 2
	}
	backend, err := store.Open(dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 1
	}
	defer backend.Close()

	ctx := context.Background()
	led := ledger.New(backend)

	versions := []int{version}
	if version == 0 {
		versions = discoverVersions(ctx, led, experiment)
		if len(versions) == 0 {
			fmt.Fprintf(os.Stderr, "replay: no trials for experiment %q\n", experiment)
			return 1
		}
	}

	clean := true
	for _, v := range versions {
		sc := ledger.Scope{Experiment: experiment, Version: v}
		outcomes, sum, err := replay.ReplayStore(ctx, led, sc, leaseTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "replay: %s: %v\n", sc, err)
			return 1
		}
		report(outcomes, sum, verbose)
		clean = clean && sum.Clean()
	}
	if !clean {
		return 1
	}
	return 0
}

// discoverVersions probes versions from 1 until one has no history.
func discoverVersions(ctx context.Context, led *ledger.Ledger, experiment string) []int {
	var out []int
	for v := 1; ; v++ {
		history, err := led.History(ctx, ledger.Scope{Experiment: experiment, Version: v})
		if err != nil || len(history) == 0 {
			return out
		}
		out = append(out, v)
	}
}

// #endregion modes

// #region report

func report(outcomes []replay.Outcome, sum replay.Summary, verbose bool) {
	for _, o := range outcomes {
		if o.Clean() && !verbose {
			continue
		}
		switch {
		case o.Err != "":
			fmt.Printf("ILLEGAL  %s: %s\n", short(o.TrialID), o.Err)
		case !o.Match:
			fmt.Printf("DIVERGED %s: replayed %s, recorded %s\n", short(o.TrialID), o.Replayed, o.Expected)
		case !replay.AllPassed(o.Checks):
			for _, c := range o.Checks {
				if !c.Passed {
					fmt.Printf("CHECK    %s: %s: %s\n", short(o.TrialID), c.Name, c.Detail)
				}
			}
		default:
			fmt.Printf("OK       %s: %s\n", short(o.TrialID), o.Replayed)
		}
	}
	fmt.Printf("%d trials: %d match, %d diverged, %d illegal, %d check failures\n",
		sum.Total, sum.Matches, sum.Diverged, sum.Illegal, sum.Failed)
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// #endregion report
