package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/bouthilx/metaopt/internal/store"
	"github.com/bouthilx/metaopt/trial"
)

// #region scope

// Scope names one experiment version. Every trial key lives under it.
type Scope struct {
	Experiment string
	Version    int
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/v%d", s.Experiment, s.Version)
}

// #endregion scope

// #region keys

func trialKey(s Scope, id string) string {
	return fmt.Sprintf("trials/%s/%d/%s", s.Experiment, s.Version, id)
}

func indexKey(s Scope) string {
	return fmt.Sprintf("trials/%s/%d", s.Experiment, s.Version)
}

// #endregion keys

// #region ledger

// Ledger reads and writes trial records through the shared store. It owns
// the per-version index record that makes history enumerable with nothing
// but the three store primitives.
type Ledger struct {
	backend store.Backend
}

// New wraps a backend.
func New(backend store.Backend) *Ledger {
	return &Ledger{backend: backend}
}

// Get reads one trial and the tag a later conditional write must present.
func (l *Ledger) Get(ctx context.Context, s Scope, id string) (trial.Trial, store.VersionTag, error) {
	raw, tag, err := l.backend.Read(ctx, trialKey(s, id))
	if err != nil {
		return trial.Trial{}, 0, err
	}
	var t trial.Trial
	if err := json.Unmarshal(raw, &t); err != nil {
		return trial.Trial{}, 0, fmt.Errorf("decode trial %s: %w", id, err)
	}
	return t, tag, nil
}

// Create registers a new trial record. The index entry lands first, so a
// crash between the two writes leaves a dangling index id (skipped by
// History) rather than an invisible trial. Returns store.ErrAlreadyExists
// when the point already has a record.
func (l *Ledger) Create(ctx context.Context, t trial.Trial) (store.VersionTag, error) {
	s := Scope{Experiment: t.Experiment, Version: t.Version}
	if err := l.ensureIndexed(ctx, s, t.ID); err != nil {
		return 0, err
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return 0, fmt.Errorf("encode trial %s: %w", t.ID, err)
	}
	return l.backend.CreateIfAbsent(ctx, trialKey(s, t.ID), raw)
}

// Update replaces a trial record, conditional on its tag being unchanged.
func (l *Ledger) Update(ctx context.Context, t trial.Trial, expected store.VersionTag) (store.VersionTag, error) {
	s := Scope{Experiment: t.Experiment, Version: t.Version}
	raw, err := json.Marshal(t)
	if err != nil {
		return 0, fmt.Errorf("encode trial %s: %w", t.ID, err)
	}
	return l.backend.ConditionalWrite(ctx, trialKey(s, t.ID), raw, expected)
}

// History returns every trial of the scope. Order follows the index:
// registration order, stable across workers. Index ids whose record never
// landed are skipped.
func (l *Ledger) History(ctx context.Context, s Scope) ([]trial.Trial, error) {
	ids, _, err := l.readIndex(ctx, s)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]trial.Trial, 0, len(ids))
	for _, id := range ids {
		t, _, err := l.Get(ctx, s, id)
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("[LEDGER] %s: index lists %s but no record exists, skipping", s, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Counts tallies the scope's trials by status.
func (l *Ledger) Counts(ctx context.Context, s Scope) (map[trial.Status]int, error) {
	history, err := l.History(ctx, s)
	if err != nil {
		return nil, err
	}
	counts := make(map[trial.Status]int, 5)
	for _, t := range history {
		counts[t.Status]++
	}
	return counts, nil
}

// #endregion ledger

// #region index

type indexRecord struct {
	IDs []string `json:"ids"`
}

func (l *Ledger) readIndex(ctx context.Context, s Scope) ([]string, store.VersionTag, error) {
	raw, tag, err := l.backend.Read(ctx, indexKey(s))
	if err != nil {
		return nil, 0, err
	}
	var rec indexRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, 0, fmt.Errorf("decode index %s: %w", s, err)
	}
	return rec.IDs, tag, nil
}

// ensureIndexed appends id to the scope's index, creating the index on
// first use. Conflicts mean another worker moved the index; re-read and
// retry until the id is present or the context expires.
func (l *Ledger) ensureIndexed(ctx context.Context, s Scope, id string) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("index %s: %w", s, err)
		}

		ids, tag, err := l.readIndex(ctx, s)
		if errors.Is(err, store.ErrNotFound) {
			raw, err := json.Marshal(indexRecord{IDs: []string{id}})
			if err != nil {
				return fmt.Errorf("encode index %s: %w", s, err)
			}
			_, err = l.backend.CreateIfAbsent(ctx, indexKey(s), raw)
			if err == nil {
				return nil
			}
			if errors.Is(err, store.ErrAlreadyExists) {
				continue
			}
			return err
		}
		if err != nil {
			return err
		}

		for _, existing := range ids {
			if existing == id {
				return nil
			}
		}

		raw, err := json.Marshal(indexRecord{IDs: append(ids, id)})
		if err != nil {
			return fmt.Errorf("encode index %s: %w", s, err)
		}
		_, err = l.backend.ConditionalWrite(ctx, indexKey(s), raw, tag)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
}

// #endregion index
