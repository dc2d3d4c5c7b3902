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
	dsn := flag.String("store", "", "store DSN")
	experiment := flag.String("experiment", "", "experiment name")
	version := flag.Int("version", 1, "experiment version")
	last := flag.Int("last", 0, "export only the N most recently registered trials (0 = all)")
	leaseTTL := flag.Duration("lease-ttl", 2*time.Minute, "lease TTL recorded in the fixture header")
	outPath := flag.String("out", "", "output fixture JSON path")
	flag.Parse()

	if *dsn == "" || *experiment == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --store dsn --experiment name --out path/to/fixture.json [--version n] [--last N]")
		os.Exit(2)
	}

	if err := run(*dsn, *experiment, *version, *last, *leaseTTL, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region export

func run(dsn, experiment string, version, last int, leaseTTL time.Duration, outPath string) error {
	backend, err := store.Open(dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	ctx := context.Background()
	led := ledger.New(backend)
	sc := ledger.Scope{Experiment: experiment, Version: version}

	history, err := led.History(ctx, sc)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		return fmt.Errorf("no trials for %s", sc)
	}
	if last > 0 && last < len(history) {
		history = history[len(history)-last:]
	}

	desc := fmt.Sprintf("store export: %d trials of %s", len(history), sc)
	f := replay.Export(sc, history, leaseTTL.String(), desc)

	// An export that does not replay cleanly is still written, but flagged:
	// it captures a store anomaly worth keeping.
	if _, sum := replay.ReplayFixture(f); !sum.Clean() {
		fmt.Fprintf(os.Stderr, "warning: exported history does not replay cleanly (%d diverged, %d illegal, %d check failures)\n",
			sum.Diverged, sum.Illegal, sum.Failed)
	}

	if err := replay.SaveFixture(f, outPath); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d trials)\n", outPath, len(f.Trials))
	return nil
}

// #endregion export
