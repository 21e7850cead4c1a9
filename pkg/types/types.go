package types

import (
	"sort"
	"time"
)

// SourceKind names the acquisition channel an observation came from.
type SourceKind string

const (
	SourceStatic    SourceKind = "static"
	SourceDynamic   SourceKind = "dynamic"
	SourceComponent SourceKind = "component"
)

// SourceOrder is the canonical order sources are listed in.
var SourceOrder = []SourceKind{SourceStatic, SourceDynamic, SourceComponent}

func (s SourceKind) Valid() bool {
	switch s {
	case SourceStatic, SourceDynamic, SourceComponent:
		return true
	}
	return false
}

func (s SourceKind) rank() int {
	for i, k := range SourceOrder {
		if k == s {
			return i
		}
	}
	return len(SourceOrder)
}

// SortSources orders a source list in SourceOrder and removes duplicates.
func SortSources(in []SourceKind) []SourceKind {
	seen := make(map[SourceKind]bool, len(in))
	out := make([]SourceKind, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].rank() < out[j].rank() })
	return out
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh}

// Rank orders risk levels; unknown levels rank below LOW.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	}
	return 0
}

func (r RiskLevel) Valid() bool { return r.Rank() > 0 }

// Well-known evidence hint keys.
const (
	HintAuthHeader = "auth_header"
	HintSecret     = "secret"
	HintStatus     = "status"
	HintTool       = "tool"
)

// MethodAny is how an absent or unknown method is rendered.
const MethodAny = "*"

// Evidence is one raw observation from a single channel. Treat as immutable.
type Evidence struct {
	Source     SourceKind        `json:"source" yaml:"source"`
	RawValue   string            `json:"raw_value" yaml:"raw_value"`
	Method     string            `json:"method,omitempty" yaml:"method,omitempty"`
	ObservedAt time.Time         `json:"observed_at" yaml:"observed_at"`
	Hints      map[string]string `json:"hints,omitempty" yaml:"hints,omitempty"`
}

// HasAuthHint reports whether the observation carried authentication material.
func (e Evidence) HasAuthHint() bool {
	v, ok := e.Hints[HintAuthHeader]
	return ok && v != "" && v != "false"
}

// Parameter is one example value recorded for a variable position or query key.
type Parameter struct {
	Type  string `json:"type" yaml:"type"`
	Value string `json:"value" yaml:"value"`
}

type CatalogEntry struct {
	Signature    string       `json:"signature" yaml:"signature" db:"signature"`
	Host         string       `json:"host" yaml:"host" db:"host"`
	Path         string       `json:"path" yaml:"path" db:"path"`
	Method       string       `json:"method" yaml:"method" db:"method"`
	Parameters   []Parameter  `json:"parameters" yaml:"parameters"`
	Sources      []SourceKind `json:"sources" yaml:"sources"`
	OriginalURLs []string     `json:"original_urls" yaml:"original_urls"`
	RiskLevel    RiskLevel    `json:"risk_level" yaml:"risk_level" db:"risk_level"`
	FirstSeen    time.Time    `json:"first_seen" yaml:"first_seen" db:"first_seen"`
	LastSeen     time.Time    `json:"last_seen" yaml:"last_seen" db:"last_seen"`
	Frequency    int          `json:"frequency" yaml:"frequency" db:"frequency"`
}

func (e CatalogEntry) HasSource(s SourceKind) bool {
	for _, k := range e.Sources {
		if k == s {
			return true
		}
	}
	return false
}

// SameSources compares source sets ignoring order.
func (e CatalogEntry) SameSources(other CatalogEntry) bool {
	a, b := SortSources(e.Sources), SortSources(other.Sources)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type CatalogMetadata struct {
	GeneratedAt         time.Time          `json:"generated_at" yaml:"generated_at"`
	TotalEntries        int                `json:"total_entries" yaml:"total_entries"`
	RiskDistribution    map[RiskLevel]int  `json:"risk_distribution" yaml:"risk_distribution"`
	SourceDistribution  map[SourceKind]int `json:"source_distribution" yaml:"source_distribution"`
	MethodDistribution  map[string]int     `json:"method_distribution" yaml:"method_distribution"`
	DroppedEvidence     int64              `json:"dropped_evidence" yaml:"dropped_evidence"`
	QuarantinedEvidence int64              `json:"quarantined_evidence" yaml:"quarantined_evidence"`
}

// Catalog maps signatures to entries. Only catalogs produced by a
// consolidator's Finalize or by decoding a stored document are finalized.
type Catalog struct {
	Metadata CatalogMetadata
	Entries  map[string]CatalogEntry

	// Secrets are findings the static extractor reported next to its URLs,
	// sorted and unique. They take no part in templating or diffing.
	Secrets   []string
	finalized bool
}

// NewCatalog builds a catalog from entries and recomputes the distributions.
func NewCatalog(entries []CatalogEntry, generatedAt time.Time) *Catalog {
	c := &Catalog{
		Entries: make(map[string]CatalogEntry, len(entries)),
	}
	for _, e := range entries {
		c.Entries[e.Signature] = e
	}
	c.Metadata.GeneratedAt = generatedAt
	c.RecomputeMetadata()
	return c
}

// RecomputeMetadata refreshes the counts derived from entries. Error counts are
// left untouched.
func (c *Catalog) RecomputeMetadata() {
	risk := make(map[RiskLevel]int, len(RiskLevels))
	for _, r := range RiskLevels {
		risk[r] = 0
	}
	sources := make(map[SourceKind]int)
	methods := make(map[string]int)
	for _, e := range c.Entries {
		risk[e.RiskLevel]++
		methods[e.Method]++
		for _, s := range e.Sources {
			sources[s]++
		}
	}
	c.Metadata.TotalEntries = len(c.Entries)
	c.Metadata.RiskDistribution = risk
	c.Metadata.SourceDistribution = sources
	c.Metadata.MethodDistribution = methods
}

func (c *Catalog) MarkFinalized() { c.finalized = true }

func (c *Catalog) IsFinalized() bool { return c != nil && c.finalized }

// Sorted returns entries ordered by signature.
func (c *Catalog) Sorted() []CatalogEntry {
	out := make([]CatalogEntry, 0, len(c.Entries))
	for _, e := range c.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out
}

// Domains returns the distinct non-empty hosts, sorted.
func (c *Catalog) Domains() []string {
	return c.distinct(func(e CatalogEntry) string { return e.Host })
}

// Endpoints returns the distinct templated paths, sorted.
func (c *Catalog) Endpoints() []string {
	return c.distinct(func(e CatalogEntry) string { return e.Path })
}

func (c *Catalog) distinct(field func(CatalogEntry) string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, e := range c.Entries {
		v := field(e)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// ChangedEntry carries the new state of an entry plus the prior one.
type ChangedEntry struct {
	CatalogEntry `yaml:",inline"`
	Previous     CatalogEntry `json:"previous" yaml:"previous"`
}

type DiffSummary struct {
	Added     int `json:"added_count" yaml:"added_count"`
	Removed   int `json:"removed_count" yaml:"removed_count"`
	Changed   int `json:"changed_count" yaml:"changed_count"`
	Unchanged int `json:"unchanged_count" yaml:"unchanged_count"`
}

type DiffResult struct {
	Added   []CatalogEntry `json:"added" yaml:"added"`
	Removed []CatalogEntry `json:"removed" yaml:"removed"`
	Changed []ChangedEntry `json:"changed" yaml:"changed"`
	Summary DiffSummary    `json:"summary" yaml:"summary"`
}

// ScanStatus tracks a stored consolidation run.
type ScanStatus string

const (
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// Snapshot describes a persisted catalog.
type Snapshot struct {
	ID           string     `json:"id" db:"id"`
	App          string     `json:"app" db:"app"`
	Label        string     `json:"label,omitempty" db:"label"`
	Digest       string     `json:"digest" db:"digest"`
	Status       ScanStatus `json:"status" db:"status"`
	TotalEntries int        `json:"total_entries" db:"total_entries"`
	Dropped      int64      `json:"dropped_evidence" db:"dropped_evidence"`
	Quarantined  int64      `json:"quarantined_evidence" db:"quarantined_evidence"`
	GeneratedAt  time.Time  `json:"generated_at" db:"generated_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}
