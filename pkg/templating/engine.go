package templating

import (
	"sort"
	"strings"
)

// GroupID identifies a set of mutually compatible paths. IDs are assigned in
// creation order, so when groups merge the oldest ID survives.
type GroupID uint64

// Path is a literal path with per-segment types.
type Path struct {
	Segments []string
	Types    []SegmentType
}

func NewPath(segments []string) Path {
	p := Path{
		Segments: append([]string(nil), segments...),
		Types:    make([]SegmentType, len(segments)),
	}
	for i, s := range segments {
		p.Types[i] = Classify(s)
	}
	return p
}

func (p Path) key() string { return strings.Join(p.Segments, "/") }

// Compatible reports whether two paths of one host may describe the same
// route: same length, and at each position either the same literal or two
// variable values of one type. A wildcard matches any variable value.
func Compatible(a, b Path) bool {
	if len(a.Segments) != len(b.Segments) {
		return false
	}
	for i := range a.Segments {
		if a.Segments[i] == b.Segments[i] {
			continue
		}
		ta, tb := a.Types[i], b.Types[i]
		if !ta.Variable() || !tb.Variable() {
			return false
		}
		if ta == Wildcard || tb == Wildcard {
			continue
		}
		if ta != tb {
			return false
		}
	}
	return true
}

// Slot describes one promoted position of a template.
type Slot struct {
	Position int
	Type     SegmentType
}

// Template is the derived route for a group.
type Template struct {
	Segments []string
	Slots    []Slot
}

func (t Template) Path() string {
	if len(t.Segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(t.Segments, "/")
}

// IsSlot reports whether position i is a placeholder.
func (t Template) IsSlot(i int) bool {
	for _, s := range t.Slots {
		if s.Position == i {
			return true
		}
	}
	return false
}

// Derive computes the template for a set of same-length paths. A position
// becomes a placeholder when it holds a wildcard or at least two distinct
// values. The result depends only on the set of paths, not their order.
func Derive(paths []Path) Template {
	if len(paths) == 0 {
		return Template{}
	}
	n := len(paths[0].Segments)
	tpl := Template{Segments: make([]string, n)}

	for i := 0; i < n; i++ {
		distinct := make(map[string]bool)
		kinds := make(map[SegmentType]bool)
		wildcard := false
		for _, p := range paths {
			distinct[p.Segments[i]] = true
			switch t := p.Types[i]; t {
			case Wildcard:
				wildcard = true
				if hint := wildcardHint(p.Segments[i]); hint != "" {
					kinds[hint] = true
				}
			default:
				kinds[t] = true
			}
		}

		if !wildcard && len(distinct) == 1 {
			tpl.Segments[i] = paths[0].Segments[i]
			continue
		}

		typ := Mixed
		if len(kinds) == 1 {
			for k := range kinds {
				if k.Identifier() {
					typ = k
				}
			}
		}
		tpl.Segments[i] = typ.Placeholder()
		tpl.Slots = append(tpl.Slots, Slot{Position: i, Type: typ})
	}
	return tpl
}

type bucketKey struct {
	host  string
	depth int
}

type group struct {
	id    GroupID
	paths []Path
	// tpl is cached until the path set changes.
	tpl   *Template
	alive bool
}

// Observation is the result of feeding one path to the Engine.
type Observation struct {
	Group GroupID
	// Absorbed lists groups merged into Group by this observation.
	Absorbed []GroupID
	// New is true when the literal path had not been seen before.
	New bool
}

// Engine groups paths per host and depth. Groups only grow and merge; a path
// never leaves its group. Engine is not safe for concurrent use.
type Engine struct {
	buckets map[bucketKey][]*group
	members map[bucketKey]map[string]*group
	groups  map[GroupID]*group
	nextID  GroupID
}

func NewEngine() *Engine {
	return &Engine{
		buckets: make(map[bucketKey][]*group),
		members: make(map[bucketKey]map[string]*group),
		groups:  make(map[GroupID]*group),
	}
}

// Observe records a literal path and returns the group it now belongs to.
func (e *Engine) Observe(host string, segments []string) Observation {
	bk := bucketKey{host: host, depth: len(segments)}
	p := NewPath(segments)
	key := p.key()

	members := e.members[bk]
	if members == nil {
		members = make(map[string]*group)
		e.members[bk] = members
	}
	if g, ok := members[key]; ok {
		return Observation{Group: g.id}
	}

	var matched []*group
	for _, g := range e.buckets[bk] {
		for _, q := range g.paths {
			if Compatible(p, q) {
				matched = append(matched, g)
				break
			}
		}
	}

	if len(matched) == 0 {
		e.nextID++
		g := &group{id: e.nextID, paths: []Path{p}, alive: true}
		e.groups[g.id] = g
		e.buckets[bk] = append(e.buckets[bk], g)
		members[key] = g
		return Observation{Group: g.id, New: true}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	survivor := matched[0]
	obs := Observation{Group: survivor.id, New: true}
	for _, g := range matched[1:] {
		for _, q := range g.paths {
			members[q.key()] = survivor
		}
		survivor.paths = append(survivor.paths, g.paths...)
		g.alive = false
		g.paths = nil
		delete(e.groups, g.id)
		obs.Absorbed = append(obs.Absorbed, g.id)
	}
	survivor.paths = append(survivor.paths, p)
	survivor.tpl = nil
	members[key] = survivor

	live := e.buckets[bk][:0]
	for _, g := range e.buckets[bk] {
		if g.alive {
			live = append(live, g)
		}
	}
	e.buckets[bk] = live
	return obs
}

// Template returns the current template of a live group.
func (e *Engine) Template(id GroupID) (Template, bool) {
	g, ok := e.groups[id]
	if !ok {
		return Template{}, false
	}
	if g.tpl == nil {
		t := Derive(g.paths)
		g.tpl = &t
	}
	return *g.tpl, true
}

// Groups returns the number of live groups.
func (e *Engine) Groups() int { return len(e.groups) }
