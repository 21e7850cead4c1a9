package templating

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		seg  string
		want SegmentType
	}{
		{"123", NumericID},
		{"0", NumericID},
		{"550e8400-e29b-41d4-a716-446655440000", UUID},
		{"550e8400e29b41d4a716446655440000", UUID},
		{"12345678901234567890123456789012", NumericID},
		{"deadbeef01", HexToken},
		{"deadbeef", Literal},
		{"a1b2c3d4e5f6", HexToken},
		{"Xk9pQz7mLw", Token},
		{"abcdefghij", Literal},
		{"v1", Literal},
		{"users", Literal},
		{"user-profile", Literal},
		{"%s", Wildcard},
		{"%d", Wildcard},
		{"{userId}", Wildcard},
		{":id", Wildcard},
	}
	for _, tt := range tests {
		t.Run(tt.seg, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.seg))
		})
	}
}

func TestCompatible(t *testing.T) {
	p := func(s string) Path { return NewPath(strings.Split(s, "/")) }

	assert.True(t, Compatible(p("v1/users/123"), p("v1/users/456")))
	assert.True(t, Compatible(p("v1/users/123"), p("v1/users/123")))
	assert.True(t, Compatible(p("v1/users/123"), p("v1/users/%s")))
	assert.False(t, Compatible(p("v1/users/123"), p("v1/users/me")))
	assert.False(t, Compatible(p("v1/users/123"), p("v1/items/456")))
	assert.False(t, Compatible(p("v1/users/123"), p("v1/users/123/orders")))
	assert.False(t, Compatible(p("v1/users/123"), p("v1/users/550e8400-e29b-41d4-a716-446655440000")))
}

func TestDerive(t *testing.T) {
	p := func(s string) Path { return NewPath(strings.Split(s, "/")) }

	tests := []struct {
		name  string
		paths []Path
		want  string
		slots []Slot
	}{
		{
			name:  "single literal path stays literal",
			paths: []Path{p("v1/users/123")},
			want:  "/v1/users/123",
		},
		{
			name:  "numeric values promote to id",
			paths: []Path{p("v1/users/123"), p("v1/users/456")},
			want:  "/v1/users/{id}",
			slots: []Slot{{Position: 2, Type: NumericID}},
		},
		{
			name:  "uuid values promote to uuid",
			paths: []Path{p("items/550e8400-e29b-41d4-a716-446655440000"), p("items/6ba7b810-9dad-11d1-80b4-00c04fd430c8")},
			want:  "/items/{uuid}",
			slots: []Slot{{Position: 1, Type: UUID}},
		},
		{
			name:  "lone wildcard becomes segment",
			paths: []Path{p("users/%s")},
			want:  "/users/{segment}",
			slots: []Slot{{Position: 1, Type: Mixed}},
		},
		{
			name:  "numeric wildcard hint",
			paths: []Path{p("users/%d")},
			want:  "/users/{id}",
			slots: []Slot{{Position: 1, Type: NumericID}},
		},
		{
			name:  "wildcard joined by numeric value",
			paths: []Path{p("users/%s"), p("users/42")},
			want:  "/users/{id}",
			slots: []Slot{{Position: 1, Type: NumericID}},
		},
		{
			name:  "mixed types fall back to segment",
			paths: []Path{p("users/%s"), p("users/42"), p("users/550e8400-e29b-41d4-a716-446655440000")},
			want:  "/users/{segment}",
			slots: []Slot{{Position: 1, Type: Mixed}},
		},
		{
			name:  "placeholder input round-trips",
			paths: []Path{p("v1/users/{id}"), p("v1/users/7")},
			want:  "/v1/users/{id}",
			slots: []Slot{{Position: 2, Type: NumericID}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := Derive(tt.paths)
			assert.Equal(t, tt.want, tpl.Path())
			assert.Equal(t, tt.slots, tpl.Slots)
		})
	}
}

func TestEngineObserve(t *testing.T) {
	e := NewEngine()

	first := e.Observe("api.example.com", []string{"v1", "users", "123"})
	assert.True(t, first.New)
	tpl, ok := e.Template(first.Group)
	require.True(t, ok)
	assert.Equal(t, "/v1/users/123", tpl.Path())

	again := e.Observe("api.example.com", []string{"v1", "users", "123"})
	assert.False(t, again.New)
	assert.Equal(t, first.Group, again.Group)

	second := e.Observe("api.example.com", []string{"v1", "users", "456"})
	assert.Equal(t, first.Group, second.Group)
	tpl, _ = e.Template(second.Group)
	assert.Equal(t, "/v1/users/{id}", tpl.Path())

	other := e.Observe("cdn.example.com", []string{"v1", "users", "789"})
	assert.NotEqual(t, first.Group, other.Group)
	assert.Equal(t, 2, e.Groups())
}

func TestEngineMergesGroups(t *testing.T) {
	e := NewEngine()

	a := e.Observe("h", []string{"users", "42"})
	b := e.Observe("h", []string{"users", "550e8400-e29b-41d4-a716-446655440000"})
	require.NotEqual(t, a.Group, b.Group)
	assert.Equal(t, 2, e.Groups())

	bridge := e.Observe("h", []string{"users", "%s"})
	assert.Equal(t, a.Group, bridge.Group)
	assert.Equal(t, []GroupID{b.Group}, bridge.Absorbed)
	assert.Equal(t, 1, e.Groups())

	_, ok := e.Template(b.Group)
	assert.False(t, ok)

	tpl, _ := e.Template(a.Group)
	assert.Equal(t, "/users/{segment}", tpl.Path())

	// later observation of an absorbed literal resolves to the survivor
	again := e.Observe("h", []string{"users", "550e8400-e29b-41d4-a716-446655440000"})
	assert.Equal(t, a.Group, again.Group)
}

func TestEngineOrderIndependent(t *testing.T) {
	paths := [][]string{
		{"v1", "users", "1"},
		{"v1", "users", "2"},
		{"v1", "users", "me"},
		{"v1", "orders", "a1b2c3d4e5"},
		{"v1", "orders", "f6e5d4c3b2"},
	}

	templates := func(order []int) []string {
		e := NewEngine()
		seen := map[GroupID]bool{}
		var ids []GroupID
		for _, i := range order {
			obs := e.Observe("h", paths[i])
			if !seen[obs.Group] {
				seen[obs.Group] = true
				ids = append(ids, obs.Group)
			}
		}
		var out []string
		for _, id := range ids {
			if tpl, ok := e.Template(id); ok {
				out = append(out, tpl.Path())
			}
		}
		sortStrings(out)
		return out
	}

	forward := templates([]int{0, 1, 2, 3, 4})
	backward := templates([]int{4, 3, 2, 1, 0})
	assert.Equal(t, forward, backward)
	assert.Equal(t, []string{"/v1/orders/{hex}", "/v1/users/me", "/v1/users/{id}"}, forward)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
