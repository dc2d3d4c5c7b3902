package lineage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bouthilx/metaopt/space"
)

// #region change-kinds

// ChangeKind classifies how one dimension differs between two versions
// of an experiment's space.
type ChangeKind string

const (
	ChangeNew     ChangeKind = "new"
	ChangeChanged ChangeKind = "changed"
	ChangeMissing ChangeKind = "missing"
)

// #endregion change-kinds

// #region change

// Change records one classified dimension difference. Before and After
// hold declaration syntax; a new dimension has no Before, a missing one
// no After.
type Change struct {
	Name   string     `json:"name"`
	Kind   ChangeKind `json:"kind"`
	Before string     `json:"before,omitempty"`
	After  string     `json:"after,omitempty"`
}

func (c Change) String() string {
	switch c.Kind {
	case ChangeNew:
		return fmt.Sprintf("+ %s", c.After)
	case ChangeMissing:
		return fmt.Sprintf("- %s", c.Before)
	default:
		return fmt.Sprintf("~ %s -> %s", c.Before, c.After)
	}
}

// #endregion change

// #region classify

// Classify diffs two dimension sets, returning one Change per affected
// dimension sorted by name. Unchanged dimensions do not appear.
func Classify(before, after []space.Dimension) []Change {
	prior := make(map[string]space.Dimension, len(before))
	for _, d := range before {
		prior[d.Name] = d
	}
	next := make(map[string]space.Dimension, len(after))
	for _, d := range after {
		next[d.Name] = d
	}

	var changes []Change
	for _, d := range after {
		old, ok := prior[d.Name]
		if !ok {
			changes = append(changes, Change{Name: d.Name, Kind: ChangeNew, After: d.String()})
			continue
		}
		if old.String() != d.String() {
			changes = append(changes, Change{Name: d.Name, Kind: ChangeChanged, Before: old.String(), After: d.String()})
		}
	}
	for _, d := range before {
		if _, ok := next[d.Name]; !ok {
			changes = append(changes, Change{Name: d.Name, Kind: ChangeMissing, Before: d.String()})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Name < changes[j].Name })
	return changes
}

// Render joins changes into a one-line summary for logs and tables.
func Render(changes []Change) string {
	if len(changes) == 0 {
		return "(identical space)"
	}
	parts := make([]string, len(changes))
	for i, c := range changes {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

// #endregion classify
