package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bouthilx/metaopt/space"
)

func newInsertCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insert --name NAME --version N name=value...",
		Short: "submit one concrete parameter point as a waiting trial",
		Long: `Submit a specific parameter point to an existing experiment version.
Submission is idempotent: resubmitting a point reports the existing
trial instead of duplicating it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInsert(cmd, flags, args)
		},
	}
	cmd.Flags().String("name", "", "experiment name")
	cmd.Flags().Int("version", 0, "experiment version, 0 = head")
	return cmd
}

func runInsert(cmd *cobra.Command, flags *rootFlags, args []string) error {
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

	params, err := parsePoint(args)
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

	t, err := exp.Insert(ctx, params)
	if err != nil {
		return err
	}
	fmt.Printf("%s v%d: trial %s %s (%s)\n", name, version, t.ID[:12], t.Params.Key(), t.Status)
	return nil
}

// parsePoint turns name=value arguments into an assignment.
func parsePoint(args []string) (space.Assignment, error) {
	params := make(space.Assignment, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("argument %q: want name=value", arg)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", arg, err)
		}
		params[name] = v
	}
	return params, nil
}
