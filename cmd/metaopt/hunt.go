package main

import (
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bouthilx/metaopt"
	"github.com/bouthilx/metaopt/internal/algorithm"
	"github.com/bouthilx/metaopt/internal/config"
	"github.com/bouthilx/metaopt/internal/executor"
	"github.com/bouthilx/metaopt/internal/metrics"
	"github.com/bouthilx/metaopt/internal/worker"
	"github.com/bouthilx/metaopt/space"
)

// #region command

func newHuntCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hunt --name NAME [--param name~dist(args)]... [flags] -- command [args]",
		Short: "resolve an experiment and run workers against it",
		Long: `Resolve (name, space, algorithm) to an experiment version and run a pool
of workers executing the trailing command once per trial.

The command template may contain {name} placeholders, substituted with
the trial's drawn values. Template arguments written as name~dist(args)
both declare a dimension and mark their own substitution site:

  metaopt hunt --name tune -- python train.py --lr lr~loguniform(1e-5,1)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHunt(cmd, flags, args)
		},
	}

	cmd.Flags().String("name", "", "experiment name")
	cmd.Flags().StringArray("param", nil, "dimension declaration name~dist(args), repeatable")
	cmd.Flags().String("algorithm", "", "search strategy kind (random | grid)")
	cmd.Flags().Int64("seed", 0, "random strategy seed")
	cmd.Flags().String("standin", "", "in-flight observation policy (stub | max | mean)")
	cmd.Flags().Int("max-trials", 0, "stop once this many trials completed, 0 = unlimited")
	cmd.Flags().Int("workers", 10, "logical workers in this process")
	cmd.Flags().Duration("lease-ttl", 2*time.Minute, "trial lease time-to-live")
	cmd.Flags().Duration("heartbeat", 0, "lease renewal interval, 0 = ttl/3")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().String("workdir", "", "working directory for trial commands and scratch dirs")
	return cmd
}

// #endregion command

// #region run

func runHunt(cmd *cobra.Command, flags *rootFlags, args []string) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}
	if err := applyHuntFlags(cmd, &cfg); err != nil {
		return err
	}

	template := args
	if at := cmd.ArgsLenAtDash(); at >= 0 {
		template = args[at:]
	}
	if len(template) == 0 {
		template = cfg.Experiment.Command
	}
	if len(template) == 0 {
		return fmt.Errorf("no command to execute: pass one after \"--\" or set experiment.command")
	}

	specs, template := extractDimensions(cfg.Experiment.Params, template)
	if len(specs) == 0 {
		return fmt.Errorf("no dimensions declared: use --param or name~dist(args) template arguments")
	}
	sp, err := space.Parse(specs)
	if err != nil {
		return err
	}
	if cfg.Experiment.Name == "" {
		return fmt.Errorf("experiment name is required: --name or experiment.name")
	}

	client, err := metaopt.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exp, err := client.Workon(ctx, cfg.Experiment.Name, sp, cfg.Experiment.Algorithm)
	if err != nil {
		return err
	}
	if conflict := exp.Conflict(); conflict != nil {
		log.Printf("[WORKER] %v", conflict)
	}
	log.Printf("[WORKER] %s v%d: %d workers, ttl %s, store %s",
		exp.Name(), exp.Version(), cfg.Workers, cfg.LeaseTTL.Std(), cfg.Store)

	exec, err := executor.NewCommand(sp, template, cfg.Workdir)
	if err != nil {
		return err
	}

	// Each worker gets its own strategy instance; build them up front so
	// a bad config fails before any worker starts.
	adapters := make([]algorithm.Adapter, cfg.Workers)
	for i := range adapters {
		if adapters[i], err = algorithm.Build(sp, cfg.Experiment.Algorithm); err != nil {
			return err
		}
	}

	if cfg.MetricsAddr != "" {
		shutdown := metrics.Serve(cfg.MetricsAddr)
		defer shutdown()
	}

	// RunPool invokes the builder sequentially before starting the pool.
	next := 0
	stats, err := worker.RunPool(ctx, cfg.Workers, func(holder string) *worker.Worker {
		adapter := adapters[next]
		next++
		return worker.New(exp.Scope(), client.Ledger(), client.Leases(), adapter, exec, worker.Config{
			Holder:      holder,
			LeaseTTL:    cfg.LeaseTTL.Std(),
			Heartbeat:   cfg.Heartbeat.Std(),
			MaxTrials:   cfg.MaxTrials,
			StandIn:     cfg.Experiment.StandIn,
			BackoffBase: cfg.BackoffBase.Std(),
			BackoffCap:  cfg.BackoffCap.Std(),
		})
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s v%d: %d completed, %d broken, %d interrupted, %d lost races\n",
		exp.Name(), exp.Version(), stats.Completed, stats.Broken, stats.Interrupted, stats.Lost)
	return nil
}

// #endregion run

// #region flags

func applyHuntFlags(cmd *cobra.Command, cfg *config.Config) error {
	if err := overrideString(cmd, "name", &cfg.Experiment.Name); err != nil {
		return err
	}
	if cmd.Flags().Changed("param") {
		params, err := cmd.Flags().GetStringArray("param")
		if err != nil {
			return err
		}
		cfg.Experiment.Params = params
	}
	if cmd.Flags().Changed("algorithm") {
		kind, err := cmd.Flags().GetString("algorithm")
		if err != nil {
			return err
		}
		cfg.Experiment.Algorithm.Kind = algorithm.Kind(kind)
	}
	if cmd.Flags().Changed("seed") {
		seed, err := cmd.Flags().GetInt64("seed")
		if err != nil {
			return err
		}
		cfg.Experiment.Algorithm.Random.Seed = seed
	}
	if cmd.Flags().Changed("standin") {
		kind, err := cmd.Flags().GetString("standin")
		if err != nil {
			return err
		}
		cfg.Experiment.StandIn.Kind = algorithm.StandInKind(kind)
	}
	if err := overrideInt(cmd, "max-trials", &cfg.MaxTrials); err != nil {
		return err
	}
	if err := overrideInt(cmd, "workers", &cfg.Workers); err != nil {
		return err
	}
	if err := overrideDuration(cmd, "lease-ttl", &cfg.LeaseTTL); err != nil {
		return err
	}
	if err := overrideDuration(cmd, "heartbeat", &cfg.Heartbeat); err != nil {
		return err
	}
	if err := overrideString(cmd, "metrics-addr", &cfg.MetricsAddr); err != nil {
		return err
	}
	if err := overrideString(cmd, "workdir", &cfg.Workdir); err != nil {
		return err
	}
	if err := cfg.Experiment.Algorithm.Validate(); err != nil {
		return err
	}
	if err := cfg.Experiment.StandIn.Validate(); err != nil {
		return err
	}
	return cfg.Validate()
}

// extractDimensions collects dimension declarations from --param specs
// and from template arguments, rewriting declaring arguments into their
// own {name} placeholders.
func extractDimensions(params, template []string) ([]string, []string) {
	specs := append([]string(nil), params...)
	out := make([]string, len(template))
	for i, arg := range template {
		if space.IsDimensionSpec(arg) {
			specs = append(specs, arg)
			name, _, _ := strings.Cut(arg, "~")
			out[i] = "{" + name + "}"
			continue
		}
		out[i] = arg
	}
	return specs, out
}

// #endregion flags
