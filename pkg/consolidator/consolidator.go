// Package consolidator merges evidence for one application into a catalog.
package consolidator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/logger"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/canonical"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/evidence"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/risk"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/signature"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/templating"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config bounds the data kept per entry. Non-positive values select the
// defaults.
type Config struct {
	MaxOriginalValues  int
	MaxParamExamples   int
	MaxQuarantined     int
	CanonicalCacheSize int
}

func DefaultConfig() Config {
	return Config{
		MaxOriginalValues:  20,
		MaxParamExamples:   10,
		MaxQuarantined:     100,
		CanonicalCacheSize: 4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxOriginalValues <= 0 {
		c.MaxOriginalValues = d.MaxOriginalValues
	}
	if c.MaxParamExamples <= 0 {
		c.MaxParamExamples = d.MaxParamExamples
	}
	if c.MaxQuarantined <= 0 {
		c.MaxQuarantined = d.MaxQuarantined
	}
	if c.CanonicalCacheSize <= 0 {
		c.CanonicalCacheSize = d.CanonicalCacheSize
	}
	return c
}

type EventKind string

const (
	EventIngested    EventKind = "ingested"
	EventDropped     EventKind = "dropped"
	EventQuarantined EventKind = "quarantined"
	EventFinalized   EventKind = "finalized"
	EventAborted     EventKind = "aborted"
)

// Event is emitted after every state change, outside the lock.
type Event struct {
	App       string           `json:"app"`
	Kind      EventKind        `json:"kind"`
	Signature string           `json:"signature,omitempty"`
	Source    types.SourceKind `json:"source,omitempty"`
	RawValue  string           `json:"raw_value,omitempty"`
	Error     string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}

type Observer func(Event)

type Option func(*Consolidator)

func WithLogger(l *logger.Logger) Option {
	return func(c *Consolidator) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Consolidator) { c.now = now }
}

func WithObserver(o Observer) Option {
	return func(c *Consolidator) { c.observers = append(c.observers, o) }
}

// WithEntryCheck adds a constraint every entry must satisfy after each merge.
// A failing check aborts the consolidation like a broken invariant.
func WithEntryCheck(check func(types.CatalogEntry) error) Option {
	return func(c *Consolidator) { c.checks = append(c.checks, check) }
}

// Quarantined is evidence that failed canonicalization.
type Quarantined struct {
	Evidence types.Evidence `json:"evidence"`
	Reason   string         `json:"reason"`
}

type Stats struct {
	Ingested    int64 `json:"ingested"`
	Dropped     int64 `json:"dropped"`
	Quarantined int64 `json:"quarantined"`
	Entries     int   `json:"entries"`
	Finalized   bool  `json:"finalized"`
}

type cachedRef struct {
	ref canonical.Reference
	err error
}

// Consolidator owns the catalog of one application. All exported methods are
// safe for concurrent use; ingestion is serialized.
type Consolidator struct {
	mu sync.Mutex

	app       string
	cfg       Config
	log       *logger.Logger
	now       func() time.Time
	observers []Observer
	checks    []func(types.CatalogEntry) error

	engine  *templating.Engine
	groups  map[templating.GroupID]*groupState
	entries map[string]*entryState
	cache   *lru.Cache[string, cachedRef]

	errs       *ScanErrors
	quarantine []Quarantined
	secrets    map[string]bool

	seq       uint64
	ingested  int64
	finalized *types.Catalog
	fatal     error
}

func New(app string, cfg Config, opts ...Option) (*Consolidator, error) {
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, cachedRef](cfg.CanonicalCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create canonical cache: %w", err)
	}

	c := &Consolidator{
		app:     app,
		cfg:     cfg,
		log:     logger.NewNop(),
		now:     time.Now,
		engine:  templating.NewEngine(),
		groups:  make(map[templating.GroupID]*groupState),
		entries: make(map[string]*entryState),
		cache:   cache,
		errs:    NewScanErrors(cfg.MaxQuarantined),
		secrets: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithComponent("consolidator").WithApp(app)
	return c, nil
}

func (c *Consolidator) App() string { return c.app }

// Submit adapts a raw record and ingests it. Records the adapter rejects are
// counted as dropped.
func (c *Consolidator) Submit(rec evidence.Record) (string, error) {
	ev, err := evidence.Adapt(rec, c.now)
	if err != nil {
		c.mu.Lock()
		if stateErr := c.usable(); stateErr != nil {
			c.mu.Unlock()
			return "", stateErr
		}
		c.errs.Add(err)
		c.mu.Unlock()

		source := types.SourceKind("")
		if rec != nil {
			source = rec.Source()
		}
		c.log.LogEvidenceRejected(context.Background(), "dropped", string(source), "", err)
		c.emit(Event{Kind: EventDropped, Source: source, Error: err.Error()})
		return "", err
	}
	return c.Ingest(ev)
}

// AddSecrets records secret findings reported alongside the evidence. They
// are carried into the catalog verbatim.
func (c *Consolidator) AddSecrets(values ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return err
	}
	for _, v := range values {
		if v != "" {
			c.secrets[v] = true
		}
	}
	return nil
}

// Ingest merges one evidence item and returns the signature of the entry it
// landed in. Malformed values are quarantined and reported with a
// *canonical.MalformedInputError; the catalog is left untouched.
func (c *Consolidator) Ingest(ev types.Evidence) (string, error) {
	var events []Event
	defer func() { c.emit(events...) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return "", err
	}

	if !ev.Source.Valid() {
		err := &evidence.AdapterError{Source: ev.Source, Reason: fmt.Sprintf("unknown source %q", ev.Source)}
		c.errs.Add(err)
		events = append(events, Event{Kind: EventDropped, Source: ev.Source, RawValue: ev.RawValue, Error: err.Error()})
		return "", err
	}

	ref, err := c.canonicalize(ev.RawValue, ev.Method)
	if err != nil {
		c.errs.Add(err)
		if len(c.quarantine) < c.cfg.MaxQuarantined {
			c.quarantine = append(c.quarantine, Quarantined{Evidence: ev, Reason: err.Error()})
		}
		c.log.LogEvidenceRejected(context.Background(), "quarantined", string(ev.Source), ev.RawValue, err)
		events = append(events, Event{Kind: EventQuarantined, Source: ev.Source, RawValue: ev.RawValue, Error: err.Error()})
		return "", err
	}

	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = c.now().UTC()
	}

	c.seq++
	rec := &record{
		seq:        c.seq,
		source:     ev.Source,
		method:     ref.Method,
		observedAt: ev.ObservedAt,
		raw:        ev.RawValue,
		segments:   ref.Segments,
		query:      ref.Query,
		authHint:   ev.HasAuthHint(),
	}

	sig, err := c.merge(ref.Host, rec)
	if err != nil {
		c.abort(err)
		events = append(events, Event{Kind: EventAborted, Error: err.Error()})
		return "", err
	}
	c.ingested++

	events = append(events, Event{Kind: EventIngested, Signature: sig, Source: ev.Source, RawValue: ev.RawValue})
	return sig, nil
}

// Finalize re-classifies every entry and returns the finished catalog. Later
// calls return the same catalog; later ingestion fails with ErrFinalized.
func (c *Consolidator) Finalize() (*types.Catalog, error) {
	c.mu.Lock()
	if c.fatal != nil {
		c.mu.Unlock()
		return nil, c.fatal
	}
	if c.finalized != nil {
		cat := c.finalized
		c.mu.Unlock()
		return cat, nil
	}

	var total int64
	for _, e := range c.entries {
		e.reclassify()
		if err := c.checkEntry(e); err != nil {
			c.abort(err)
			c.mu.Unlock()
			return nil, err
		}
		total += int64(e.frequency)
	}
	if total != c.ingested {
		err := &StateInvariantError{
			App:    c.app,
			Reason: fmt.Sprintf("entry frequencies sum to %d but %d evidence items were merged", total, c.ingested),
		}
		c.abort(err)
		c.mu.Unlock()
		return nil, err
	}

	cat := c.snapshot()
	cat.MarkFinalized()
	c.finalized = cat
	summary := c.errs.Summary(c.ingested)
	c.mu.Unlock()

	c.log.LogCatalogSummary(context.Background(), c.app, cat.Metadata.TotalEntries,
		cat.Metadata.DroppedEvidence, cat.Metadata.QuarantinedEvidence, riskCounts(cat),
		"evidence", summary)
	c.emit(Event{Kind: EventFinalized})
	return cat, nil
}

// Preview returns the current state as a catalog that is not finalized and
// therefore not accepted by the differ.
func (c *Consolidator) Preview() *types.Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Consolidator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Ingested:    c.ingested,
		Dropped:     c.errs.Dropped(),
		Quarantined: c.errs.Quarantined(),
		Entries:     len(c.entries),
		Finalized:   c.finalized != nil,
	}
}

// Quarantine returns a copy of the retained quarantined evidence.
func (c *Consolidator) Quarantine() []Quarantined {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Quarantined, len(c.quarantine))
	copy(out, c.quarantine)
	return out
}

// Errors exposes the per-evidence error counts.
func (c *Consolidator) Errors() *ScanErrors { return c.errs }

// Err returns the invariant failure that aborted the consolidator, if any.
func (c *Consolidator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

func (c *Consolidator) usable() error {
	if c.fatal != nil {
		return c.fatal
	}
	if c.finalized != nil {
		return ErrFinalized
	}
	return nil
}

func (c *Consolidator) abort(err error) {
	c.fatal = err
	c.log.LogError(context.Background(), err, "consolidator.ingest")
}

func (c *Consolidator) canonicalize(raw, method string) (canonical.Reference, error) {
	if hit, ok := c.cache.Get(raw); ok {
		if hit.err != nil {
			return canonical.Reference{}, hit.err
		}
		ref := hit.ref
		ref.Method = canonical.NormalizeMethod(method)
		return ref, nil
	}
	ref, err := canonical.Parse(raw, "")
	c.cache.Add(raw, cachedRef{ref: ref, err: err})
	if err != nil {
		return canonical.Reference{}, err
	}
	ref.Method = canonical.NormalizeMethod(method)
	return ref, nil
}

// merge places rec into its route group and updates the affected entries.
// When the group's template, membership or primary method changed, every
// entry of the group is rebuilt from the group's records.
func (c *Consolidator) merge(host string, rec *record) (string, error) {
	obs := c.engine.Observe(host, rec.segments)

	g, ok := c.groups[obs.Group]
	if !ok {
		g = &groupState{id: obs.Group, host: host, entries: make(map[string]*entryState)}
		c.groups[obs.Group] = g
	}

	rebuild := false
	for _, id := range obs.Absorbed {
		other, ok := c.groups[id]
		if !ok {
			return "", &StateInvariantError{App: c.app, Reason: fmt.Sprintf("absorbed group %d is unknown", id)}
		}
		for _, e := range other.entries {
			delete(c.entries, e.sig)
		}
		g.absorb(other)
		delete(c.groups, id)
		rebuild = true
	}

	tpl, ok := c.engine.Template(g.id)
	if !ok {
		return "", &StateInvariantError{App: c.app, Reason: fmt.Sprintf("group %d has no template", g.id)}
	}
	if tpl.Path() != g.tpl.Path() || len(g.records) == 0 {
		rebuild = true
	}

	g.records = append(g.records, rec)
	if rec.method != "" && g.primary == "" {
		g.primary = rec.method
		g.primarySeq = rec.seq
		rebuild = true
	}
	g.tpl = tpl

	if rebuild {
		if err := c.rebuild(g); err != nil {
			return "", err
		}
	} else {
		e, err := c.entryFor(g, g.resolve(rec))
		if err != nil {
			return "", err
		}
		e.fold(rec, g.tpl, c.cfg)
		e.reclassify()
	}

	if err := c.checkGroup(g); err != nil {
		return "", err
	}
	return rec.entry.sig, nil
}

func (c *Consolidator) entryFor(g *groupState, method string) (*entryState, error) {
	if e, ok := g.entries[method]; ok {
		return e, nil
	}
	e := newEntry(g, method)
	if existing, ok := c.entries[e.sig]; ok && existing.group != g {
		return nil, &StateInvariantError{App: c.app, Signature: e.sig, Reason: "signature claimed by two route groups"}
	}
	g.entries[method] = e
	c.entries[e.sig] = e
	return e, nil
}

func (c *Consolidator) rebuild(g *groupState) error {
	for _, e := range g.entries {
		delete(c.entries, e.sig)
	}
	g.entries = make(map[string]*entryState)

	for _, r := range g.records {
		e, err := c.entryFor(g, g.resolve(r))
		if err != nil {
			return err
		}
		// risk never drops within a scan, including across entry merges
		if r.entry != nil {
			e.floor = risk.Max(e.floor, r.entry.risk)
		}
		e.fold(r, g.tpl, c.cfg)
	}
	for _, e := range g.entries {
		e.reclassify()
	}
	return nil
}

func (c *Consolidator) checkGroup(g *groupState) error {
	total := 0
	for _, e := range g.entries {
		if err := c.checkEntry(e); err != nil {
			return err
		}
		total += e.frequency
	}
	if total != len(g.records) {
		return &StateInvariantError{
			App:    c.app,
			Reason: fmt.Sprintf("route %s%s holds %d records but entries count %d", g.host, g.tpl.Path(), len(g.records), total),
		}
	}
	return nil
}

func (c *Consolidator) checkEntry(e *entryState) error {
	fail := func(reason string) error {
		return &StateInvariantError{App: c.app, Signature: e.sig, Reason: reason}
	}
	switch {
	case e.frequency <= 0:
		return fail(fmt.Sprintf("non-positive frequency %d", e.frequency))
	case e.firstSeen.After(e.lastSeen):
		return fail("first_seen after last_seen")
	case len(e.sources) == 0:
		return fail("no sources")
	case len(e.originals) == 0:
		return fail("no original values")
	case !e.risk.Valid():
		return fail(fmt.Sprintf("invalid risk level %q", e.risk))
	case e.sig != signature.Build(e.host, e.group.tpl.Path(), e.method):
		return fail("signature does not match template")
	}
	if len(c.checks) == 0 {
		return nil
	}
	exported := e.export()
	for _, check := range c.checks {
		if err := check(exported); err != nil {
			return fail(err.Error())
		}
	}
	return nil
}

func (c *Consolidator) snapshot() *types.Catalog {
	entries := make([]types.CatalogEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e.export())
	}
	cat := types.NewCatalog(entries, c.now().UTC())
	cat.Metadata.DroppedEvidence = c.errs.Dropped()
	cat.Metadata.QuarantinedEvidence = c.errs.Quarantined()
	if len(c.secrets) > 0 {
		cat.Secrets = make([]string, 0, len(c.secrets))
		for v := range c.secrets {
			cat.Secrets = append(cat.Secrets, v)
		}
		sort.Strings(cat.Secrets)
	}
	return cat
}

func (c *Consolidator) emit(events ...Event) {
	if len(c.observers) == 0 {
		return
	}
	now := c.now().UTC()
	for _, ev := range events {
		ev.App = c.app
		if ev.At.IsZero() {
			ev.At = now
		}
		for _, o := range c.observers {
			o(ev)
		}
	}
}

func riskCounts(cat *types.Catalog) map[string]int {
	out := make(map[string]int, len(cat.Metadata.RiskDistribution))
	for k, v := range cat.Metadata.RiskDistribution {
		out[string(k)] = v
	}
	return out
}

// IsRejection reports whether err is a per-evidence rejection that leaves the
// consolidator usable.
func IsRejection(err error) bool {
	var adapterErr *evidence.AdapterError
	var malformed *canonical.MalformedInputError
	return errors.As(err, &adapterErr) || errors.As(err, &malformed)
}

// sortedSignatures is used by tests and debugging output.
func (c *Consolidator) sortedSignatures() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for sig := range c.entries {
		out = append(out, sig)
	}
	sort.Strings(out)
	return out
}
