package diff

import (
	"errors"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(sig string, risk types.RiskLevel, freq int, sources ...types.SourceKind) types.CatalogEntry {
	return types.CatalogEntry{
		Signature:    sig,
		RiskLevel:    risk,
		Frequency:    freq,
		Sources:      sources,
		OriginalURLs: []string{"https://x/" + sig},
	}
}

func finalized(entries ...types.CatalogEntry) *types.Catalog {
	c := types.NewCatalog(entries, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c.MarkFinalized()
	return c
}

func TestCompare(t *testing.T) {
	old := finalized(
		entry("GET a/keep", types.RiskLow, 1, types.SourceStatic),
		entry("GET a/gone", types.RiskLow, 1, types.SourceStatic),
		entry("GET a/risk", types.RiskLow, 1, types.SourceStatic),
		entry("GET a/freq", types.RiskLow, 1, types.SourceStatic),
		entry("GET a/src", types.RiskLow, 2, types.SourceStatic, types.SourceDynamic),
	)

	keep := entry("GET a/keep", types.RiskLow, 1, types.SourceStatic)
	keep.OriginalURLs = []string{"https://other"}
	keep.Parameters = []types.Parameter{{Type: "numeric_id", Value: "9"}}

	cur := finalized(
		keep,
		entry("GET a/new", types.RiskHigh, 1, types.SourceComponent),
		entry("GET a/risk", types.RiskHigh, 1, types.SourceStatic),
		entry("GET a/freq", types.RiskLow, 3, types.SourceStatic),
		entry("GET a/src", types.RiskLow, 2, types.SourceDynamic),
	)

	res, err := Compare(old, cur)
	require.NoError(t, err)

	require.Len(t, res.Added, 1)
	assert.Equal(t, "GET a/new", res.Added[0].Signature)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, "GET a/gone", res.Removed[0].Signature)

	require.Len(t, res.Changed, 3)
	assert.Equal(t, "GET a/freq", res.Changed[0].Signature)
	assert.Equal(t, 1, res.Changed[0].Previous.Frequency)
	assert.Equal(t, 3, res.Changed[0].Frequency)
	assert.Equal(t, "GET a/risk", res.Changed[1].Signature)
	assert.Equal(t, "GET a/src", res.Changed[2].Signature)

	assert.Equal(t, types.DiffSummary{Added: 1, Removed: 1, Changed: 3, Unchanged: 1}, res.Summary)
}

func TestCompareSymmetry(t *testing.T) {
	a := finalized(
		entry("GET a/1", types.RiskLow, 1, types.SourceStatic),
		entry("GET a/2", types.RiskLow, 1, types.SourceStatic),
	)
	b := finalized(
		entry("GET a/2", types.RiskMedium, 1, types.SourceStatic),
		entry("GET a/3", types.RiskLow, 1, types.SourceDynamic),
	)

	ab, err := Compare(a, b)
	require.NoError(t, err)
	ba, err := Compare(b, a)
	require.NoError(t, err)

	assert.Equal(t, ab.Added, ba.Removed)
	assert.Equal(t, ab.Removed, ba.Added)
	assert.Equal(t, len(ab.Changed), len(ba.Changed))
}

func TestCompareIdentical(t *testing.T) {
	a := finalized(entry("GET a/1", types.RiskLow, 1, types.SourceStatic))
	res, err := Compare(a, a)
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Empty(t, res.Removed)
	assert.Empty(t, res.Changed)
	assert.Equal(t, 1, res.Summary.Unchanged)
}

func TestCompareRejectsUnfinalized(t *testing.T) {
	good := finalized()
	draft := types.NewCatalog(nil, time.Now())

	tests := []struct {
		name      string
		old, next *types.Catalog
		side      string
	}{
		{"nil old", nil, good, "old"},
		{"nil new", good, nil, "new"},
		{"draft old", draft, good, "old"},
		{"zero value new", good, &types.Catalog{}, "new"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compare(tt.old, tt.next)
			var inputErr *DiffInputError
			require.True(t, errors.As(err, &inputErr))
			assert.Equal(t, tt.side, inputErr.Side)
		})
	}
}
