package space

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
)

// #region space

// Space is an immutable ordered set of dimensions. Once an experiment
// version is fixed its Space never changes.
type Space struct {
	dims  []Dimension
	index map[string]int
}

// New builds a Space from dimensions, validating each and rejecting
// duplicate names. Declaration order is preserved.
func New(dims []Dimension) (*Space, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("space has no dimensions")
	}
	s := &Space{
		dims:  make([]Dimension, len(dims)),
		index: make(map[string]int, len(dims)),
	}
	copy(s.dims, dims)
	for i, d := range s.dims {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.index[d.Name]; dup {
			return nil, fmt.Errorf("duplicate dimension %q", d.Name)
		}
		s.index[d.Name] = i
	}
	return s, nil
}

// Parse builds a Space from "name~kind(a,b)" declarations.
func Parse(specs []string) (*Space, error) {
	dims := make([]Dimension, 0, len(specs))
	for _, spec := range specs {
		d, err := ParseDimension(spec)
		if err != nil {
			return nil, err
		}
		dims = append(dims, d)
	}
	return New(dims)
}

// Len returns the number of dimensions.
func (s *Space) Len() int { return len(s.dims) }

// Dimensions returns the dimensions in declaration order.
func (s *Space) Dimensions() []Dimension {
	out := make([]Dimension, len(s.dims))
	copy(out, s.dims)
	return out
}

// Dimension looks up one dimension by name.
func (s *Space) Dimension(name string) (Dimension, bool) {
	i, ok := s.index[name]
	if !ok {
		return Dimension{}, false
	}
	return s.dims[i], true
}

// Sample draws one full assignment from the space.
func (s *Space) Sample(rng *rand.Rand) Assignment {
	a := make(Assignment, len(s.dims))
	for _, d := range s.dims {
		a[d.Name] = d.Sample(rng)
	}
	return a
}

// Contains reports whether a names exactly the space's dimensions with each
// value inside its domain.
func (s *Space) Contains(a Assignment) bool {
	if len(a) != len(s.dims) {
		return false
	}
	for _, d := range s.dims {
		v, ok := a[d.Name]
		if !ok || !d.Contains(v) {
			return false
		}
	}
	return true
}

// Canonical renders the space as a normalized declaration string, sorted by
// dimension name so declaration order does not change identity.
func (s *Space) Canonical() string {
	parts := make([]string, len(s.dims))
	for i, d := range s.dims {
		parts[i] = d.String()
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// #endregion space

// #region assignment

// Assignment maps dimension names to concrete drawn values.
type Assignment map[string]float64

// Key renders the assignment as a canonical "name=value" list sorted by
// name. Two assignments with the same Key describe the same point.
func (a Assignment) Key() string {
	names := make([]string, 0, len(a))
	for n := range a {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + "=" + strconv.FormatFloat(a[n], 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// Equal reports whether two assignments describe the same point.
func (a Assignment) Equal(b Assignment) bool {
	if len(a) != len(b) {
		return false
	}
	for n, v := range a {
		w, ok := b[n]
		if !ok || v != w {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (a Assignment) Clone() Assignment {
	out := make(Assignment, len(a))
	for n, v := range a {
		out[n] = v
	}
	return out
}

// #endregion assignment
