package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/consolidator"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/diff"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sample() *types.Catalog {
	loc := time.FixedZone("CEST", 2*3600)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, loc)
	entries := []types.CatalogEntry{
		{
			Signature:    "GET api.example.com/v1/users/{id}",
			Host:         "api.example.com",
			Path:         "/v1/users/{id}",
			Method:       "GET",
			Parameters:   []types.Parameter{{Type: "numeric_id", Value: "123"}},
			Sources:      []types.SourceKind{types.SourceDynamic, types.SourceStatic},
			OriginalURLs: []string{"https://api.example.com/v1/users/123"},
			RiskLevel:    types.RiskMedium,
			FirstSeen:    t0,
			LastSeen:     t0.Add(time.Minute),
			Frequency:    2,
		},
		{
			Signature:    "POST auth.example.com/login",
			Host:         "auth.example.com",
			Path:         "/login",
			Method:       "POST",
			Sources:      []types.SourceKind{types.SourceStatic},
			OriginalURLs: []string{"https://auth.example.com/login"},
			RiskLevel:    types.RiskHigh,
			FirstSeen:    t0,
			LastSeen:     t0,
			Frequency:    1,
		},
	}
	c := types.NewCatalog(entries, t0)
	c.Metadata.DroppedEvidence = 3
	c.Metadata.QuarantinedEvidence = 1
	c.Secrets = []string{"API_KEY=abc123"}
	c.MarkFinalized()
	return c
}

func TestRoundTrip(t *testing.T) {
	orig := sample()

	data, err := Marshal(orig)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.True(t, got.IsFinalized())
	require.Len(t, got.Entries, len(orig.Entries))

	for sig, want := range orig.Entries {
		e, ok := got.Entries[sig]
		require.True(t, ok, sig)
		assert.Equal(t, want.RiskLevel, e.RiskLevel)
		assert.Equal(t, want.Frequency, e.Frequency)
		assert.True(t, want.SameSources(e))
		assert.True(t, want.FirstSeen.Equal(e.FirstSeen))
	}
	assert.Equal(t, int64(3), got.Metadata.DroppedEvidence)
	assert.Equal(t, int64(1), got.Metadata.QuarantinedEvidence)
	assert.Equal(t, orig.Metadata.RiskDistribution, got.Metadata.RiskDistribution)
	assert.Equal(t, []string{"API_KEY=abc123"}, got.Secrets)

	again, err := Marshal(got)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestRoundTripKeepsEscapedSignatures(t *testing.T) {
	cons, err := consolidator.New("com.example", consolidator.DefaultConfig())
	require.NoError(t, err)
	for _, raw := range []string{
		"https://api.example.com/files/%ff",
		"https://api.example.com/caf%C3%A9",
	} {
		_, err := cons.Ingest(types.Evidence{Source: types.SourceDynamic, RawValue: raw, Method: "GET", ObservedAt: time.Now()})
		require.NoError(t, err)
	}
	live, err := cons.Finalize()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, live))
	stored, err := Decode(&buf)
	require.NoError(t, err)

	for sig := range live.Entries {
		assert.Contains(t, stored.Entries, sig)
	}
	assert.Contains(t, live.Entries, "GET api.example.com/files/%ff")

	result, err := diff.Compare(live, stored)
	require.NoError(t, err)
	assert.Empty(t, result.Added)
	assert.Empty(t, result.Removed)
	assert.Empty(t, result.Changed)
}

func TestEncodeLayout(t *testing.T) {
	data, err := Marshal(sample())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(data), "{\n  \"metadata\""))

	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Entries, 2)
	assert.Equal(t, "GET api.example.com/v1/users/{id}", doc.Entries[0].Signature)
	assert.Equal(t, []types.SourceKind{types.SourceStatic, types.SourceDynamic}, doc.Entries[0].Sources)
	assert.Equal(t, time.UTC, doc.Entries[0].FirstSeen.Location())
	assert.NotNil(t, doc.Entries[1].Parameters)
	assert.Equal(t, []string{"api.example.com", "auth.example.com"}, doc.Domains)
	assert.Contains(t, string(data), `"2026-03-01T08:00:00Z"`)
	assert.Contains(t, string(data), `"HIGH": 1`)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"missing entries", `{"metadata":{"generated_at":"2026-01-01T00:00:00Z","total_entries":0,"risk_distribution":{}}}`},
		{"bad risk", `{"metadata":{"generated_at":"2026-01-01T00:00:00Z","total_entries":1,"risk_distribution":{}},"entries":[
			{"signature":"GET a/x","host":"a","path":"/x","method":"GET","sources":["static"],"original_urls":["a/x"],
			 "risk_level":"CRITICAL","first_seen":"2026-01-01T00:00:00Z","last_seen":"2026-01-01T00:00:00Z","frequency":1}]}`},
		{"zero frequency", `{"metadata":{"generated_at":"2026-01-01T00:00:00Z","total_entries":1,"risk_distribution":{}},"entries":[
			{"signature":"GET a/x","host":"a","path":"/x","method":"GET","sources":["static"],"original_urls":["a/x"],
			 "risk_level":"LOW","first_seen":"2026-01-01T00:00:00Z","last_seen":"2026-01-01T00:00:00Z","frequency":0}]}`},
		{"no sources", `{"metadata":{"generated_at":"2026-01-01T00:00:00Z","total_entries":1,"risk_distribution":{}},"entries":[
			{"signature":"GET a/x","host":"a","path":"/x","method":"GET","sources":[],"original_urls":["a/x"],
			 "risk_level":"LOW","first_seen":"2026-01-01T00:00:00Z","last_seen":"2026-01-01T00:00:00Z","frequency":1}]}`},
		{"time order", `{"metadata":{"generated_at":"2026-01-01T00:00:00Z","total_entries":1,"risk_distribution":{}},"entries":[
			{"signature":"GET a/x","host":"a","path":"/x","method":"GET","sources":["static"],"original_urls":["a/x"],
			 "risk_level":"LOW","first_seen":"2026-01-02T00:00:00Z","last_seen":"2026-01-01T00:00:00Z","frequency":1}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.doc))
			require.Error(t, err)
		})
	}

	_, err := Unmarshal([]byte(tests[2].doc))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.NotEmpty(t, verr.Problems)
}

func TestDigest(t *testing.T) {
	a, err := Digest(sample())
	require.NoError(t, err)
	assert.Len(t, a, 64)

	later := sample()
	later.Metadata.GeneratedAt = later.Metadata.GeneratedAt.Add(time.Hour)
	later.Metadata.DroppedEvidence = 99
	later.Secrets = nil
	b, err := Digest(later)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	changed := sample()
	e := changed.Entries["POST auth.example.com/login"]
	e.Frequency = 5
	changed.Entries[e.Signature] = e
	c, err := Digest(changed)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"catalog.json", "catalog.json.gz", "catalog.json.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, Save(path, sample()))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Len(t, got.Entries, 2)
			assert.True(t, got.IsFinalized())
		})
	}
}

func TestEncodeYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeYAML(&buf, sample()))

	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Contains(t, doc, "metadata")
	assert.Contains(t, doc, "entries")
	assert.Contains(t, buf.String(), "signature: POST auth.example.com/login")
}

func TestEncodeDiff(t *testing.T) {
	res := &types.DiffResult{
		Added:   []types.CatalogEntry{},
		Removed: []types.CatalogEntry{},
		Changed: []types.ChangedEntry{},
		Summary: types.DiffSummary{Unchanged: 4},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeDiff(&buf, res, "json"))
	assert.Contains(t, buf.String(), `"unchanged_count": 4`)
	assert.Contains(t, buf.String(), `"added": []`)

	buf.Reset()
	require.NoError(t, EncodeDiff(&buf, res, "yaml"))
	assert.Contains(t, buf.String(), "unchanged_count: 4")
}
