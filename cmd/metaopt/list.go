package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "experiment names and their version heads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, flags)
		},
	}
}

func runList(cmd *cobra.Command, flags *rootFlags) error {
	client, _, err := flags.openClient()
	if err != nil {
		return err
	}
	defer client.Close()
	ctx := cmd.Context()

	names, err := client.Registry().Names(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("no experiments")
		return nil
	}

	now := time.Now().UTC()
	for _, name := range names {
		head, err := client.Registry().Head(ctx, name)
		if err != nil {
			return err
		}
		fmt.Printf("%-24s v%-3d %s dims=%d age=%s\n",
			name, head.Version, head.Algorithm.Kind, len(head.Dimensions), formatAge(head.CreatedAt, now))
	}
	return nil
}
