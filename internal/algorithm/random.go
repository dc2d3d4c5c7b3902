package algorithm

import (
	"math/rand"
	"sync"
	"time"

	"github.com/bouthilx/metaopt/space"
	"github.com/bouthilx/metaopt/trial"
)

// #region random

// Random is seeded random search. It avoids re-proposing points already
// present in the visible history, already observed, or already in the
// current batch.
type Random struct {
	sp *space.Space

	mu   sync.Mutex
	rng  *rand.Rand
	seen map[string]struct{}
}

func newRandom(sp *space.Space, cfg Config) (Adapter, error) {
	seed := cfg.Random.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Random{
		sp:   sp,
		rng:  rand.New(rand.NewSource(seed)),
		seen: make(map[string]struct{}),
	}, nil
}

// sampleAttempts bounds the draws spent dodging duplicates per
// requested candidate. Continuous dimensions almost never collide;
// the bound matters only for small discrete spaces.
const sampleAttempts = 64

// Suggest draws up to n fresh points. It may return fewer when the
// space is so small that fresh draws keep colliding.
func (r *Random) Suggest(history []trial.Trial, n int) ([]space.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	taken := make(map[string]struct{}, len(history)+len(r.seen))
	for _, t := range history {
		taken[t.Params.Key()] = struct{}{}
	}
	for k := range r.seen {
		taken[k] = struct{}{}
	}

	out := make([]space.Assignment, 0, n)
	for len(out) < n {
		var picked space.Assignment
		for attempt := 0; attempt < sampleAttempts; attempt++ {
			a := r.sp.Sample(r.rng)
			if _, dup := taken[a.Key()]; !dup {
				picked = a
				break
			}
		}
		if picked == nil {
			break
		}
		taken[picked.Key()] = struct{}{}
		out = append(out, picked)
	}
	return out, nil
}

// Observe records the trial's point so later batches skip it even when
// the caller's history snapshot lags.
func (r *Random) Observe(t trial.Trial) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[t.Params.Key()] = struct{}{}
}

// #endregion random
