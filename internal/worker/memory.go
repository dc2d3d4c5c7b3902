package worker

import "github.com/bouthilx/metaopt/space"

// #region candidate-memory

// Memory remembers points this worker recently lost acquisition races
// on, so the next suggestion batch does not re-propose them while
// another worker is still executing. Bounded ring: old losses age out
// and become proposable again, which is what expiry recovery needs.
type Memory struct {
	cap  int
	keys []string
	set  map[string]struct{}
}

// NewMemory builds a memory holding up to cap recent losses.
func NewMemory(cap int) *Memory {
	if cap < 1 {
		cap = 32
	}
	return &Memory{cap: cap, set: make(map[string]struct{}, cap)}
}

// Remember records a lost point.
func (m *Memory) Remember(a space.Assignment) {
	key := a.Key()
	if _, ok := m.set[key]; ok {
		return
	}
	if len(m.keys) == m.cap {
		oldest := m.keys[0]
		m.keys = m.keys[1:]
		delete(m.set, oldest)
	}
	m.keys = append(m.keys, key)
	m.set[key] = struct{}{}
}

// Contains reports whether a was recently lost.
func (m *Memory) Contains(a space.Assignment) bool {
	_, ok := m.set[a.Key()]
	return ok
}

// Filter drops remembered points from a batch. When everything is
// remembered the batch passes through unfiltered rather than starving
// the worker.
func (m *Memory) Filter(batch []space.Assignment) []space.Assignment {
	out := make([]space.Assignment, 0, len(batch))
	for _, a := range batch {
		if !m.Contains(a) {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return batch
	}
	return out
}

// #endregion candidate-memory
