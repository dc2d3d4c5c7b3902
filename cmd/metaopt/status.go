package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bouthilx/metaopt/internal/ledger"
	"github.com/bouthilx/metaopt/trial"
)

func newStatusCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status --name NAME [--version N]",
		Short: "per-version trial counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, flags)
		},
	}
	cmd.Flags().String("name", "", "experiment name")
	cmd.Flags().Int("version", 0, "experiment version, 0 = every version")
	return cmd
}

func runStatus(cmd *cobra.Command, flags *rootFlags) error {
	name, err := cmd.Flags().GetString("name")
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("--name is required")
	}
	version, err := cmd.Flags().GetInt("version")
	if err != nil {
		return err
	}

	client, _, err := flags.openClient()
	if err != nil {
		return err
	}
	defer client.Close()
	ctx := cmd.Context()

	records, err := client.Registry().Versions(ctx, name)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if version != 0 && rec.Version != version {
			continue
		}
		sc := ledger.Scope{Experiment: name, Version: rec.Version}
		counts, err := client.Ledger().Counts(ctx, sc)
		if err != nil {
			return err
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		fmt.Printf("%s v%d: %d trials", name, rec.Version, total)
		for _, st := range trial.Statuses() {
			if counts[st] > 0 {
				fmt.Printf("  %s=%d", st, counts[st])
			}
		}
		fmt.Println()
	}
	return nil
}
