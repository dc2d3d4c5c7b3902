package algorithm

import (
	"sync"

	"github.com/bouthilx/metaopt/space"
	"github.com/bouthilx/metaopt/trial"
)

// #region grid

// defaultResolution is the per-dimension level count when the config
// leaves it zero.
const defaultResolution = 5

// Grid is deterministic lattice search. The full cartesian product of
// per-dimension levels is enumerated once at build time; Suggest walks
// it in order, skipping points already tried.
type Grid struct {
	points []space.Assignment

	mu   sync.Mutex
	seen map[string]struct{}
}

func newGrid(sp *space.Space, cfg Config) (Adapter, error) {
	resolution := cfg.Grid.Resolution
	if resolution == 0 {
		resolution = defaultResolution
	}

	dims := sp.Dimensions()
	levels := make([][]float64, len(dims))
	for i, d := range dims {
		levels[i] = d.Levels(resolution)
	}

	points := []space.Assignment{{}}
	for i, d := range dims {
		next := make([]space.Assignment, 0, len(points)*len(levels[i]))
		for _, base := range points {
			for _, v := range levels[i] {
				a := base.Clone()
				a[d.Name] = v
				next = append(next, a)
			}
		}
		points = next
	}

	return &Grid{points: points, seen: make(map[string]struct{})}, nil
}

// Suggest returns the next untried lattice points in enumeration order.
// Once every point has been proposed or appears in history it reports
// ErrExhausted.
func (g *Grid) Suggest(history []trial.Trial, n int) ([]space.Assignment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	taken := make(map[string]struct{}, len(history)+len(g.seen))
	for _, t := range history {
		taken[t.Params.Key()] = struct{}{}
	}
	for k := range g.seen {
		taken[k] = struct{}{}
	}

	out := make([]space.Assignment, 0, n)
	remaining := 0
	for _, p := range g.points {
		if _, dup := taken[p.Key()]; dup {
			continue
		}
		remaining++
		if len(out) < n {
			out = append(out, p.Clone())
		}
	}
	if remaining == 0 {
		return nil, ErrExhausted
	}
	return out, nil
}

// Observe marks the trial's point as tried.
func (g *Grid) Observe(t trial.Trial) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen[t.Params.Key()] = struct{}{}
}

// #endregion grid
