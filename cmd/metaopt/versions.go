package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bouthilx/metaopt/internal/lineage"
)

func newVersionsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions --name NAME",
		Short: "version lineage with classified dimension changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersions(cmd, flags)
		},
	}
	cmd.Flags().String("name", "", "experiment name")
	return cmd
}

func runVersions(cmd *cobra.Command, flags *rootFlags) error {
	name, err := cmd.Flags().GetString("name")
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("--name is required")
	}

	client, _, err := flags.openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	records, err := client.Registry().Versions(cmd.Context(), name)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, rec := range records {
		fmt.Printf("v%-3d %s  fp=%s  age=%s\n",
			rec.Version, rec.Algorithm.Kind, rec.Fingerprint[:12], formatAge(rec.CreatedAt, now))
		for _, d := range rec.Dimensions {
			fmt.Printf("       %s\n", d)
		}
		if len(rec.Changes) > 0 {
			fmt.Printf("       from v%d: %s\n", rec.Version-1, lineage.Render(rec.Changes))
		}
	}
	return nil
}
