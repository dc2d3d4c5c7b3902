package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bouthilx/metaopt/internal/algorithm"
	"github.com/bouthilx/metaopt/internal/lineage"
	"github.com/bouthilx/metaopt/internal/store"
	"github.com/bouthilx/metaopt/space"
)

// #region records

// VersionRecord is one immutable experiment version: the space and
// algorithm configuration frozen at resolution time, plus the classified
// dimension changes against the prior version.
type VersionRecord struct {
	Version     int               `json:"version"`
	Fingerprint string            `json:"fingerprint"`
	Dimensions  []space.Dimension `json:"dimensions"`
	Algorithm   algorithm.Config  `json:"algorithm"`
	CreatedAt   time.Time         `json:"created_at"`
	Changes     []lineage.Change  `json:"changes,omitempty"`
}

// Space rebuilds the version's parameter space from its frozen
// dimensions.
func (v VersionRecord) Space() (*space.Space, error) {
	return space.New(v.Dimensions)
}

// experimentRecord is the stored per-name record. Versions only grow;
// prior entries are never rewritten.
type experimentRecord struct {
	Name     string          `json:"name"`
	Versions []VersionRecord `json:"versions"`
}

// #endregion records

// #region fingerprint

// Fingerprint hashes a space plus algorithm configuration. Two
// submissions with the same fingerprint describe the same experiment.
func Fingerprint(sp *space.Space, cfg algorithm.Config) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s", sp.Canonical(), cfg.Canonical())
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// #endregion fingerprint

// #region conflict

// FingerprintConflict describes a redefinition of an existing name. It
// is resolved by version bumping, never by merging; the value is
// surfaced so callers can notice a configuration divergence.
type FingerprintConflict struct {
	Name         string
	PriorVersion int
	NewVersion   int
	Changes      []lineage.Change
}

func (e *FingerprintConflict) Error() string {
	return fmt.Sprintf("experiment %q redefined: v%d -> v%d (%s)",
		e.Name, e.PriorVersion, e.NewVersion, lineage.Render(e.Changes))
}

// #endregion conflict

// #region resolution

// Resolution is the outcome of resolving an experiment definition.
type Resolution struct {
	Name    string
	Version int
	IsNew   bool
	Record  VersionRecord

	// Conflict is set when resolution bumped the version because the
	// name existed with a different fingerprint.
	Conflict *FingerprintConflict
}

// #endregion resolution

// #region keys

func experimentKey(name string) string {
	return "experiments/" + name
}

const namesKey = "experiments"

type namesRecord struct {
	Names []string `json:"names"`
}

// #endregion keys

// #region registry

// Registry resolves experiment definitions to stable versions through
// the shared store. Concurrent first resolutions converge on one
// version via create-if-absent; redefinitions bump, never mutate.
type Registry struct {
	backend store.Backend
	clock   func() time.Time
	group   singleflight.Group
}

// New wraps a backend with the wall clock.
func New(backend store.Backend) *Registry {
	return NewAt(backend, time.Now)
}

// NewAt wraps a backend with an injected clock, for tests.
func NewAt(backend store.Backend, clock func() time.Time) *Registry {
	return &Registry{backend: backend, clock: clock}
}

// Resolve maps (name, space, algorithm config) to an experiment
// version, creating one when needed. In-process callers racing on the
// same definition share one resolution; cross-process races converge
// through the store's atomic create and conditional write.
func (r *Registry) Resolve(ctx context.Context, name string, sp *space.Space, cfg algorithm.Config) (Resolution, error) {
	if name == "" {
		return Resolution{}, fmt.Errorf("experiment name is empty")
	}
	if err := cfg.Validate(); err != nil {
		return Resolution{}, fmt.Errorf("experiment %q: %w", name, err)
	}

	fp := Fingerprint(sp, cfg)
	v, err, _ := r.group.Do(name+"|"+fp, func() (interface{}, error) {
		return r.resolve(ctx, name, sp, cfg, fp)
	})
	if err != nil {
		return Resolution{}, err
	}
	return v.(Resolution), nil
}

func (r *Registry) resolve(ctx context.Context, name string, sp *space.Space, cfg algorithm.Config, fp string) (Resolution, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Resolution{}, fmt.Errorf("resolve %q: %w", name, err)
		}

		rec, tag, err := r.read(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			version := VersionRecord{
				Version:     1,
				Fingerprint: fp,
				Dimensions:  sp.Dimensions(),
				Algorithm:   cfg,
				CreatedAt:   r.clock().UTC(),
			}
			created := experimentRecord{Name: name, Versions: []VersionRecord{version}}
			raw, err := json.Marshal(created)
			if err != nil {
				return Resolution{}, fmt.Errorf("encode experiment %q: %w", name, err)
			}
			_, err = r.backend.CreateIfAbsent(ctx, experimentKey(name), raw)
			if errors.Is(err, store.ErrAlreadyExists) {
				// Lost the first-resolution race; adopt the winner.
				continue
			}
			if err != nil {
				return Resolution{}, err
			}
			if err := r.ensureNamed(ctx, name); err != nil {
				return Resolution{}, err
			}
			log.Printf("[REGISTRY] %s: created v1 (%s)", name, fp)
			return Resolution{Name: name, Version: 1, IsNew: true, Record: version}, nil
		}
		if err != nil {
			return Resolution{}, err
		}

		head := rec.Versions[len(rec.Versions)-1]
		if head.Fingerprint == fp {
			return Resolution{Name: name, Version: head.Version, Record: head}, nil
		}

		changes := lineage.Classify(head.Dimensions, sp.Dimensions())
		bumped := VersionRecord{
			Version:     head.Version + 1,
			Fingerprint: fp,
			Dimensions:  sp.Dimensions(),
			Algorithm:   cfg,
			CreatedAt:   r.clock().UTC(),
			Changes:     changes,
		}
		rec.Versions = append(rec.Versions, bumped)
		raw, err := json.Marshal(rec)
		if err != nil {
			return Resolution{}, fmt.Errorf("encode experiment %q: %w", name, err)
		}
		_, err = r.backend.ConditionalWrite(ctx, experimentKey(name), raw, tag)
		if errors.Is(err, store.ErrConflict) {
			// Someone else moved the record; their head may now match.
			continue
		}
		if err != nil {
			return Resolution{}, err
		}

		conflict := &FingerprintConflict{
			Name:         name,
			PriorVersion: head.Version,
			NewVersion:   bumped.Version,
			Changes:      changes,
		}
		log.Printf("[REGISTRY] %s: %v", name, conflict)
		return Resolution{Name: name, Version: bumped.Version, IsNew: true, Record: bumped, Conflict: conflict}, nil
	}
}

// Versions returns every version of a name in ascending order.
func (r *Registry) Versions(ctx context.Context, name string) ([]VersionRecord, error) {
	rec, _, err := r.read(ctx, name)
	if err != nil {
		return nil, err
	}
	return rec.Versions, nil
}

// Head returns the latest version of a name.
func (r *Registry) Head(ctx context.Context, name string) (VersionRecord, error) {
	versions, err := r.Versions(ctx, name)
	if err != nil {
		return VersionRecord{}, err
	}
	return versions[len(versions)-1], nil
}

// Names lists every experiment name ever resolved, in registration
// order.
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	raw, _, err := r.backend.Read(ctx, namesKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec namesRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode experiment names: %w", err)
	}
	return rec.Names, nil
}

func (r *Registry) read(ctx context.Context, name string) (experimentRecord, store.VersionTag, error) {
	raw, tag, err := r.backend.Read(ctx, experimentKey(name))
	if err != nil {
		return experimentRecord{}, 0, err
	}
	var rec experimentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return experimentRecord{}, 0, fmt.Errorf("decode experiment %q: %w", name, err)
	}
	if len(rec.Versions) == 0 {
		return experimentRecord{}, 0, fmt.Errorf("experiment %q: record has no versions", name)
	}
	return rec, tag, nil
}

// ensureNamed appends name to the names index, retrying through
// conditional-write conflicts.
func (r *Registry) ensureNamed(ctx context.Context, name string) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("index experiment names: %w", err)
		}

		raw, tag, err := r.backend.Read(ctx, namesKey)
		if errors.Is(err, store.ErrNotFound) {
			initial, err := json.Marshal(namesRecord{Names: []string{name}})
			if err != nil {
				return err
			}
			_, err = r.backend.CreateIfAbsent(ctx, namesKey, initial)
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

		var rec namesRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode experiment names: %w", err)
		}
		for _, existing := range rec.Names {
			if existing == name {
				return nil
			}
		}
		rec.Names = append(rec.Names, name)
		next, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = r.backend.ConditionalWrite(ctx, namesKey, next, tag)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
}

// #endregion registry
