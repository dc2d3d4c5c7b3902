package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bouthilx/metaopt/internal/ledger"
	"github.com/bouthilx/metaopt/space"
	"github.com/bouthilx/metaopt/trial"
)

// #region fixture-types

// Fixture is the JSON structure for a recorded trial-history replay:
// one experiment version and the event sequences of its trials.
type Fixture struct {
	Description string         `json:"description"`
	Experiment  string         `json:"experiment"`
	Version     int            `json:"version"`
	LeaseTTL    string         `json:"lease_ttl"`
	Trials      []FixtureTrial `json:"trials"`
}

// FixtureTrial is one trial's parameter point, its recorded events, and
// the status the replay is expected to land on.
type FixtureTrial struct {
	Params   space.Assignment `json:"params"`
	Events   []trial.Event    `json:"events"`
	Expected trial.Status     `json:"expected"`
}

// Scope names the fixture's experiment version.
func (f *Fixture) Scope() ledger.Scope {
	return ledger.Scope{Experiment: f.Experiment, Version: f.Version}
}

// #endregion fixture-types

// #region fixture-io

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if f.Experiment == "" || f.Version < 1 {
		return nil, fmt.Errorf("fixture %s: missing experiment name or version", path)
	}
	return &f, nil
}

// SaveFixture writes a fixture as indented JSON.
func SaveFixture(f *Fixture, path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// Export snapshots stored trials into a fixture: each trial's events
// with its stored status as the expectation.
func Export(sc ledger.Scope, history []trial.Trial, leaseTTL string, description string) *Fixture {
	f := &Fixture{
		Description: description,
		Experiment:  sc.Experiment,
		Version:     sc.Version,
		LeaseTTL:    leaseTTL,
		Trials:      make([]FixtureTrial, 0, len(history)),
	}
	for _, t := range history {
		f.Trials = append(f.Trials, FixtureTrial{
			Params:   t.Params.Clone(),
			Events:   append([]trial.Event(nil), t.Events...),
			Expected: t.Status,
		})
	}
	return f
}

// #endregion fixture-io
