package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bouthilx/metaopt/internal/algorithm"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metaopt.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store != "sqlite:metaopt.db" {
		t.Fatalf("default store: %q", cfg.Store)
	}
	if cfg.Workers != 10 {
		t.Fatalf("default workers: %d", cfg.Workers)
	}
	if cfg.LeaseTTL.Std() != 2*time.Minute {
		t.Fatalf("default lease ttl: %s", cfg.LeaseTTL.Std())
	}
	if cfg.Experiment.Algorithm.Kind != algorithm.KindRandom {
		t.Fatalf("default algorithm: %q", cfg.Experiment.Algorithm.Kind)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
store: badger:/tmp/runs
workers: 3
lease_ttl: 45s
experiment:
  name: tune-resnet
  params:
    - lr~loguniform(1e-05,1)
  algorithm:
    kind: grid
    grid:
      resolution: 4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store != "badger:/tmp/runs" || cfg.Workers != 3 {
		t.Fatalf("file overrides lost: %+v", cfg)
	}
	if cfg.LeaseTTL.Std() != 45*time.Second {
		t.Fatalf("lease ttl: %s", cfg.LeaseTTL.Std())
	}
	if cfg.Experiment.Algorithm.Kind != algorithm.KindGrid || cfg.Experiment.Algorithm.Grid.Resolution != 4 {
		t.Fatalf("algorithm config lost: %+v", cfg.Experiment.Algorithm)
	}
	// Untouched keys keep their defaults.
	if cfg.BackoffBase.Std() != 100*time.Millisecond {
		t.Fatalf("default backoff lost: %s", cfg.BackoffBase.Std())
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "store: sqlite:from-file.db\nworkers: 3\n")
	t.Setenv("METAOPT_STORE", "postgres://shared/metaopt")
	t.Setenv("METAOPT_WORKERS", "7")
	t.Setenv("METAOPT_LEASE_TTL", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store != "postgres://shared/metaopt" {
		t.Fatalf("env store override lost: %q", cfg.Store)
	}
	if cfg.Workers != 7 {
		t.Fatalf("env workers override lost: %d", cfg.Workers)
	}
	if cfg.LeaseTTL.Std() != 90*time.Second {
		t.Fatalf("env ttl override lost: %s", cfg.LeaseTTL.Std())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero lease ttl", func(c *Config) { c.LeaseTTL = 0 }},
		{"heartbeat >= ttl", func(c *Config) { c.Heartbeat = c.LeaseTTL }},
		{"empty store", func(c *Config) { c.Store = "" }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"negative max trials", func(c *Config) { c.MaxTrials = -1 }},
		{"backoff cap below base", func(c *Config) { c.BackoffCap = c.BackoffBase / 2 }},
		{"params without name", func(c *Config) { c.Experiment.Params = []string{"lr~uniform(0,1)"} }},
		{"bad algorithm kind", func(c *Config) {
			c.Experiment.Name = "x"
			c.Experiment.Params = []string{"lr~uniform(0,1)"}
			c.Experiment.Algorithm.Kind = "bayes"
		}},
		{"bad standin kind", func(c *Config) {
			c.Experiment.Name = "x"
			c.Experiment.Params = []string{"lr~uniform(0,1)"}
			c.Experiment.StandIn.Kind = "median"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	path := writeConfig(t, "heartbeat: 40s\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Heartbeat.Std() != 40*time.Second {
		t.Fatalf("heartbeat: %s", cfg.Heartbeat.Std())
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	path := writeConfig(t, "lease_ttl: soon\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for bad duration")
	}
}
