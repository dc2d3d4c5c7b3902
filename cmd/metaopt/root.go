package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bouthilx/metaopt"
	"github.com/bouthilx/metaopt/internal/config"
)

// #region root

// rootFlags carries the persistent flags layered over env and file
// configuration. Precedence: flags > env > file > defaults.
type rootFlags struct {
	configPath string
	store      string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "metaopt",
		Short:         "broker-free hyperparameter search coordination",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&flags.store, "store", "", "store DSN (memory: | sqlite:path | badger:dir | postgres://...)")

	root.AddCommand(
		newHuntCmd(flags),
		newInsertCmd(flags),
		newStatusCmd(flags),
		newListCmd(flags),
		newTrialsCmd(flags),
		newVersionsCmd(flags),
		newStorecheckCmd(flags),
	)
	return root
}

// #endregion root

// #region wiring

// loadConfig builds the effective configuration beneath the flag layer.
func (f *rootFlags) loadConfig() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.store != "" {
		cfg.Store = f.store
	}
	return cfg, nil
}

// openClient connects to the configured store.
func (f *rootFlags) openClient() (*metaopt.Client, config.Config, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	client, err := metaopt.Open(cfg.Store)
	if err != nil {
		return nil, config.Config{}, err
	}
	return client, cfg, nil
}

// overrideDuration applies a flag the user actually set.
func overrideDuration(cmd *cobra.Command, name string, dst *config.Duration) error {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	d, err := cmd.Flags().GetDuration(name)
	if err != nil {
		return err
	}
	*dst = config.Duration(d)
	return nil
}

func overrideInt(cmd *cobra.Command, name string, dst *int) error {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	n, err := cmd.Flags().GetInt(name)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func overrideString(cmd *cobra.Command, name string, dst *string) error {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	s, err := cmd.Flags().GetString(name)
	if err != nil {
		return err
	}
	*dst = s
	return nil
}

// #endregion wiring

// #region render

func formatAge(from, now time.Time) string {
	if from.IsZero() {
		return "-"
	}
	d := now.Sub(from).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String()
}

func formatObjective(obj *float64) string {
	if obj == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *obj)
}

// #endregion render
