package algorithm

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/bouthilx/metaopt/space"
	"github.com/bouthilx/metaopt/trial"
)

// #region kinds

// Kind identifies a built-in search strategy.
type Kind string

const (
	KindRandom Kind = "random"
	KindGrid   Kind = "grid"
)

// #endregion kinds

// #region config

// RandomConfig parameterizes random search. Seed 0 means draw a seed
// from the clock at build time.
type RandomConfig struct {
	Seed int64 `json:"seed,omitempty" yaml:"seed"`
}

// GridConfig parameterizes grid search. Resolution is the number of
// levels per dimension; zero takes the default.
type GridConfig struct {
	Resolution int `json:"resolution,omitempty" yaml:"resolution"`
}

// Config is the tagged-variant strategy configuration. Kind selects the
// variant; only the matching sub-config is read.
type Config struct {
	Kind   Kind         `json:"kind" yaml:"kind"`
	Random RandomConfig `json:"random,omitempty" yaml:"random"`
	Grid   GridConfig   `json:"grid,omitempty" yaml:"grid"`
}

// DefaultConfig returns the configuration used when the caller names no
// strategy: clock-seeded random search.
func DefaultConfig() Config {
	return Config{Kind: KindRandom}
}

// Validate checks that the kind is known and its sub-config sane.
func (c Config) Validate() error {
	switch c.Kind {
	case KindRandom:
		return nil
	case KindGrid:
		if c.Grid.Resolution < 0 {
			return fmt.Errorf("grid resolution must be >= 0, got %d", c.Grid.Resolution)
		}
		return nil
	}
	return fmt.Errorf("unknown algorithm kind %q", c.Kind)
}

// Canonical renders the configuration as a stable string for experiment
// fingerprinting. The random seed is excluded: reseeding a stochastic
// search does not redefine the experiment.
func (c Config) Canonical() string {
	type canon struct {
		Kind Kind       `json:"kind"`
		Grid GridConfig `json:"grid,omitempty"`
	}
	raw, err := json.Marshal(canon{Kind: c.Kind, Grid: c.Grid})
	if err != nil {
		return string(c.Kind)
	}
	return string(raw)
}

// #endregion config

// #region adapter

// Adapter is the pluggable search strategy surface. Implementations are
// untrusted for coordination correctness: the lease protocol alone
// prevents duplicate execution, adapters only shape search quality.
type Adapter interface {
	// Suggest proposes at most n candidate points given the visible
	// trial history. It never writes to the ledger. Every returned
	// assignment lies inside the space's domain. ErrExhausted reports
	// a finite strategy with no untried points left.
	Suggest(history []trial.Trial, n int) ([]space.Assignment, error)

	// Observe feeds one trial to strategies keeping local state beyond
	// history replay. Redelivery of the same trial must be a no-op.
	Observe(t trial.Trial)
}

// ErrExhausted reports that a finite strategy has proposed every point
// in its lattice.
var ErrExhausted = errors.New("search space exhausted")

// #endregion adapter

// #region builders

// Builder constructs one strategy variant for a space.
type Builder func(sp *space.Space, cfg Config) (Adapter, error)

// builders maps every known kind to its constructor.
var builders = map[Kind]Builder{
	KindRandom: newRandom,
	KindGrid:   newGrid,
}

// Build constructs the strategy named by cfg.Kind. This is the bare
// algorithm-only entry point: it needs no ledger or registry.
func Build(sp *space.Space, cfg Config) (Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	build, ok := builders[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm kind %q", cfg.Kind)
	}
	return build(sp, cfg)
}

// Kinds lists the known strategy kinds sorted by name.
func Kinds() []Kind {
	out := make([]Kind, 0, len(builders))
	for k := range builders {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// #endregion builders
