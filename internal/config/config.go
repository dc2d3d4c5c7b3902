package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bouthilx/metaopt/internal/algorithm"
)

// #region duration

// Duration parses "2m"-style strings from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// #endregion duration

// #region types

// ExperimentConfig declares what to optimize.
type ExperimentConfig struct {
	Name      string                  `yaml:"name"`
	Params    []string                `yaml:"params"`
	Algorithm algorithm.Config        `yaml:"algorithm"`
	StandIn   algorithm.StandInConfig `yaml:"standin"`
	Command   []string                `yaml:"command"`
}

// Config is the full runtime configuration. Precedence: command-line
// flags over environment over file over defaults.
type Config struct {
	Experiment  ExperimentConfig `yaml:"experiment"`
	Store       string           `yaml:"store"`
	Workers     int              `yaml:"workers"`
	MaxTrials   int              `yaml:"max_trials"`
	LeaseTTL    Duration         `yaml:"lease_ttl"`
	Heartbeat   Duration         `yaml:"heartbeat"`
	BackoffBase Duration         `yaml:"backoff_base"`
	BackoffCap  Duration         `yaml:"backoff_cap"`
	MetricsAddr string           `yaml:"metrics_addr"`
	Workdir     string           `yaml:"workdir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Experiment: ExperimentConfig{
			Algorithm: algorithm.DefaultConfig(),
		},
		Store:       "sqlite:metaopt.db",
		Workers:     10,
		LeaseTTL:    Duration(2 * time.Minute),
		BackoffBase: Duration(100 * time.Millisecond),
		BackoffCap:  Duration(5 * time.Second),
		Workdir:     ".",
	}
}

// #endregion types

// #region load

// Load builds the effective configuration: defaults, overlaid by the
// optional YAML file, overlaid by environment variables. Flags are the
// caller's layer on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays METAOPT_* environment variables.
func applyEnv(cfg *Config) {
	cfg.Store = envOr("METAOPT_STORE", cfg.Store)
	cfg.MetricsAddr = envOr("METAOPT_METRICS_ADDR", cfg.MetricsAddr)
	cfg.Workdir = envOr("METAOPT_WORKDIR", cfg.Workdir)

	if v := os.Getenv("METAOPT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("METAOPT_MAX_TRIALS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTrials = n
		}
	}
	if v := os.Getenv("METAOPT_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LeaseTTL = Duration(d)
		}
	}
	if v := os.Getenv("METAOPT_HEARTBEAT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Heartbeat = Duration(d)
		}
	}
}

// envOr returns the environment value for key, or def when unset.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// #endregion load

// #region validate

// Validate checks the configuration section by section.
func (c Config) Validate() error {
	if err := c.validateTiming(); err != nil {
		return err
	}
	if err := c.validateRuntime(); err != nil {
		return err
	}
	return c.validateExperiment()
}

func (c Config) validateTiming() error {
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease_ttl must be positive, got %s", c.LeaseTTL.Std())
	}
	if c.Heartbeat.Std() >= c.LeaseTTL.Std() {
		return fmt.Errorf("heartbeat %s must be shorter than lease_ttl %s", c.Heartbeat.Std(), c.LeaseTTL.Std())
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff must satisfy 0 < base <= cap, got base %s cap %s", c.BackoffBase.Std(), c.BackoffCap.Std())
	}
	return nil
}

func (c Config) validateRuntime() error {
	if c.Store == "" {
		return fmt.Errorf("store must not be empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MaxTrials < 0 {
		return fmt.Errorf("max_trials must be >= 0, got %d", c.MaxTrials)
	}
	return nil
}

func (c Config) validateExperiment() error {
	// The experiment section may be empty when declared on the
	// command line instead.
	if c.Experiment.Name == "" && len(c.Experiment.Params) == 0 {
		return nil
	}
	if c.Experiment.Name == "" {
		return fmt.Errorf("experiment.name must be set when params are declared")
	}
	if err := c.Experiment.Algorithm.Validate(); err != nil {
		return fmt.Errorf("experiment.algorithm: %w", err)
	}
	if err := c.Experiment.StandIn.Validate(); err != nil {
		return fmt.Errorf("experiment.standin: %w", err)
	}
	return nil
}

// #endregion validate
