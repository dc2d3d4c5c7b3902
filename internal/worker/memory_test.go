package worker

import (
	"testing"

	"github.com/bouthilx/metaopt/space"
)

func TestMemoryRememberAndFilter(t *testing.T) {
	m := NewMemory(4)
	lost := space.Assignment{"lr": 0.01}
	fresh := space.Assignment{"lr": 0.02}

	m.Remember(lost)
	if !m.Contains(lost) || m.Contains(fresh) {
		t.Fatal("membership wrong after Remember")
	}

	filtered := m.Filter([]space.Assignment{lost, fresh})
	if len(filtered) != 1 || !filtered[0].Equal(fresh) {
		t.Fatalf("filter kept the lost point: %v", filtered)
	}
}

func TestMemoryFilterNeverStarves(t *testing.T) {
	m := NewMemory(4)
	only := space.Assignment{"lr": 0.01}
	m.Remember(only)

	batch := []space.Assignment{only}
	if got := m.Filter(batch); len(got) != 1 {
		t.Fatalf("fully remembered batch filtered to nothing: %v", got)
	}
}

func TestMemoryEvictsOldest(t *testing.T) {
	m := NewMemory(2)
	a := space.Assignment{"lr": 0.01}
	b := space.Assignment{"lr": 0.02}
	c := space.Assignment{"lr": 0.03}

	m.Remember(a)
	m.Remember(b)
	m.Remember(c)

	if m.Contains(a) {
		t.Fatal("oldest loss not evicted")
	}
	if !m.Contains(b) || !m.Contains(c) {
		t.Fatal("recent losses evicted")
	}
}

func TestMemoryRememberIdempotent(t *testing.T) {
	m := NewMemory(2)
	a := space.Assignment{"lr": 0.01}
	b := space.Assignment{"lr": 0.02}

	m.Remember(a)
	m.Remember(a)
	m.Remember(b)

	if !m.Contains(a) || !m.Contains(b) {
		t.Fatal("duplicate Remember evicted a live entry")
	}
}
