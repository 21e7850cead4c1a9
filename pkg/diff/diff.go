// Package diff compares two finalized catalogs.
package diff

import (
	"fmt"
	"sort"

	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

// DiffInputError is returned when either catalog is missing or not finalized.
type DiffInputError struct {
	Side   string
	Reason string
}

func (e *DiffInputError) Error() string {
	return fmt.Sprintf("diff: %s catalog rejected: %s", e.Side, e.Reason)
}

// Compare reports entries added in next, removed since prev, and present in
// both with a different risk level, frequency or source set. Parameters and
// original values never make an entry changed.
func Compare(prev, next *types.Catalog) (*types.DiffResult, error) {
	if err := check("old", prev); err != nil {
		return nil, err
	}
	if err := check("new", next); err != nil {
		return nil, err
	}

	result := &types.DiffResult{
		Added:   []types.CatalogEntry{},
		Removed: []types.CatalogEntry{},
		Changed: []types.ChangedEntry{},
	}

	for sig, cur := range next.Entries {
		old, ok := prev.Entries[sig]
		switch {
		case !ok:
			result.Added = append(result.Added, cur)
		case Changed(old, cur):
			result.Changed = append(result.Changed, types.ChangedEntry{CatalogEntry: cur, Previous: old})
		default:
			result.Summary.Unchanged++
		}
	}
	for sig, old := range prev.Entries {
		if _, ok := next.Entries[sig]; !ok {
			result.Removed = append(result.Removed, old)
		}
	}

	sort.Slice(result.Added, func(i, j int) bool { return result.Added[i].Signature < result.Added[j].Signature })
	sort.Slice(result.Removed, func(i, j int) bool { return result.Removed[i].Signature < result.Removed[j].Signature })
	sort.Slice(result.Changed, func(i, j int) bool { return result.Changed[i].Signature < result.Changed[j].Signature })

	result.Summary.Added = len(result.Added)
	result.Summary.Removed = len(result.Removed)
	result.Summary.Changed = len(result.Changed)
	return result, nil
}

// Changed reports whether two entries with one signature differ in an
// identity-bearing field.
func Changed(old, cur types.CatalogEntry) bool {
	return old.RiskLevel != cur.RiskLevel ||
		old.Frequency != cur.Frequency ||
		!old.SameSources(cur)
}

func check(side string, c *types.Catalog) error {
	if c == nil {
		return &DiffInputError{Side: side, Reason: "missing"}
	}
	if !c.IsFinalized() {
		return &DiffInputError{Side: side, Reason: "not finalized"}
	}
	return nil
}
