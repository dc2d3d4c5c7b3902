package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newTrialsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trials --name NAME [--version N] [--json]",
		Short: "trial table for one experiment version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrials(cmd, flags)
		},
	}
	cmd.Flags().String("name", "", "experiment name")
	cmd.Flags().Int("version", 0, "experiment version, 0 = head")
	cmd.Flags().Bool("json", false, "emit full trial records as JSON")
	return cmd
}

func runTrials(cmd *cobra.Command, flags *rootFlags) error {
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
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}

	client, _, err := flags.openClient()
	if err != nil {
		return err
	}
	defer client.Close()
	ctx := cmd.Context()

	if version == 0 {
		head, err := client.Registry().Head(ctx, name)
		if err != nil {
			return err
		}
		version = head.Version
	}
	exp, err := client.Experiment(ctx, name, version)
	if err != nil {
		return err
	}
	history, err := exp.History(ctx)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(history)
	}

	now := time.Now().UTC()
	fmt.Printf("%-12s %-11s %-10s %-9s %s\n", "TRIAL", "STATUS", "OBJECTIVE", "AGE", "PARAMS")
	for _, t := range history {
		status := string(t.Status)
		if t.Lease != nil && t.LeaseExpired(now) {
			status += "*" // lease elapsed, reclaimable
		}
		var obj *float64
		if t.Result != nil {
			obj = t.Result.Objective
		}
		fmt.Printf("%-12s %-11s %-10s %-9s %s\n",
			t.ID[:12], status, formatObjective(obj), formatAge(t.CreatedAt, now), t.Params.Key())
	}
	return nil
}
