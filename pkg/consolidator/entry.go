package consolidator

import (
	"sort"
	"time"

	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/canonical"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/risk"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/signature"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/templating"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

// record is one accepted evidence item in canonical form.
type record struct {
	seq        uint64
	source     types.SourceKind
	method     string
	observedAt time.Time
	raw        string
	segments   []string
	query      []canonical.QueryParam
	authHint   bool

	// entry is the entry the record currently counts towards.
	entry *entryState
}

// groupState holds the records of one route group, ordered by seq.
type groupState struct {
	id      templating.GroupID
	host    string
	tpl     templating.Template
	records []*record
	entries map[string]*entryState

	// primary is the method of the earliest record that had one.
	primary    string
	primarySeq uint64
}

// resolve picks the entry method for a record. Records without a method join
// the route's primary method, or "*" while none is known.
func (g *groupState) resolve(r *record) string {
	if r.method != "" {
		return r.method
	}
	if g.primary != "" {
		return g.primary
	}
	return types.MethodAny
}

func (g *groupState) absorb(other *groupState) {
	merged := make([]*record, 0, len(g.records)+len(other.records))
	i, j := 0, 0
	for i < len(g.records) && j < len(other.records) {
		if g.records[i].seq < other.records[j].seq {
			merged = append(merged, g.records[i])
			i++
		} else {
			merged = append(merged, other.records[j])
			j++
		}
	}
	merged = append(merged, g.records[i:]...)
	merged = append(merged, other.records[j:]...)
	g.records = merged

	if other.primary != "" && (g.primary == "" || other.primarySeq < g.primarySeq) {
		g.primary = other.primary
		g.primarySeq = other.primarySeq
	}
}

type paramSlot struct {
	typ    string
	values []string
	seen   map[string]bool
}

func (p *paramSlot) add(v string, limit int) {
	if p.seen[v] || len(p.values) >= limit {
		return
	}
	p.seen[v] = true
	p.values = append(p.values, v)
}

type entryState struct {
	sig    string
	host   string
	method string
	group  *groupState

	frequency int
	firstSeen time.Time
	lastSeen  time.Time
	sources   map[types.SourceKind]bool
	originals []string
	authHint  bool

	pathParams  map[int]*paramSlot
	queryParams map[string]*paramSlot

	floor types.RiskLevel
	risk  types.RiskLevel
}

func newEntry(g *groupState, method string) *entryState {
	return &entryState{
		sig:         signature.Build(g.host, g.tpl.Path(), method),
		host:        g.host,
		method:      method,
		group:       g,
		sources:     make(map[types.SourceKind]bool),
		pathParams:  make(map[int]*paramSlot),
		queryParams: make(map[string]*paramSlot),
	}
}

// fold merges one record into the entry.
func (e *entryState) fold(r *record, tpl templating.Template, cfg Config) {
	if e.frequency == 0 || r.observedAt.Before(e.firstSeen) {
		e.firstSeen = r.observedAt
	}
	if e.frequency == 0 || r.observedAt.After(e.lastSeen) {
		e.lastSeen = r.observedAt
	}
	e.frequency++
	e.sources[r.source] = true
	e.authHint = e.authHint || r.authHint
	e.addOriginal(r.raw, cfg.MaxOriginalValues)

	for _, slot := range tpl.Slots {
		if slot.Position >= len(r.segments) {
			continue
		}
		v := r.segments[slot.Position]
		if templating.Classify(v) == templating.Wildcard {
			continue
		}
		p, ok := e.pathParams[slot.Position]
		if !ok {
			p = &paramSlot{seen: make(map[string]bool)}
			e.pathParams[slot.Position] = p
		}
		p.typ = string(slot.Type)
		p.add(v, cfg.MaxParamExamples)
	}
	for _, q := range r.query {
		p, ok := e.queryParams[q.Key]
		if !ok {
			p = &paramSlot{typ: "query", seen: make(map[string]bool)}
			e.queryParams[q.Key] = p
		}
		p.add(q.Key+"="+q.Value, cfg.MaxParamExamples)
	}

	r.entry = e
}

// addOriginal keeps a deduplicated, insertion-ordered window of raw values,
// evicting the oldest once the cap is reached.
func (e *entryState) addOriginal(raw string, limit int) {
	for _, v := range e.originals {
		if v == raw {
			return
		}
	}
	if len(e.originals) >= limit {
		e.originals = append(e.originals[:0], e.originals[1:]...)
	}
	e.originals = append(e.originals, raw)
}

func (e *entryState) sourceList() []types.SourceKind {
	out := make([]types.SourceKind, 0, len(e.sources))
	for _, s := range types.SourceOrder {
		if e.sources[s] {
			out = append(out, s)
		}
	}
	return out
}

// reclassify recomputes risk; the level never drops below what the entry or
// its predecessors already reached.
func (e *entryState) reclassify() {
	computed := risk.Classify(risk.Signals{
		Host:     e.host,
		Segments: e.group.tpl.Segments,
		Sources:  e.sourceList(),
		AuthHint: e.authHint,
	})
	e.risk = risk.Max(e.floor, computed)
	e.floor = e.risk
}

func (e *entryState) export() types.CatalogEntry {
	params := make([]types.Parameter, 0)

	positions := make([]int, 0, len(e.pathParams))
	for pos := range e.pathParams {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	for _, pos := range positions {
		p := e.pathParams[pos]
		for _, v := range p.values {
			params = append(params, types.Parameter{Type: p.typ, Value: v})
		}
	}

	keys := make([]string, 0, len(e.queryParams))
	for k := range e.queryParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range e.queryParams[k].values {
			params = append(params, types.Parameter{Type: "query", Value: v})
		}
	}

	return types.CatalogEntry{
		Signature:    e.sig,
		Host:         e.host,
		Path:         e.group.tpl.Path(),
		Method:       e.method,
		Parameters:   params,
		Sources:      e.sourceList(),
		OriginalURLs: append([]string(nil), e.originals...),
		RiskLevel:    e.risk,
		FirstSeen:    e.firstSeen,
		LastSeen:     e.lastSeen,
		Frequency:    e.frequency,
	}
}
