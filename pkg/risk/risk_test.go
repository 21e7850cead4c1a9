package risk

import (
	"strings"
	"testing"

	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
	"github.com/stretchr/testify/assert"
)

func segs(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

func TestClassify(t *testing.T) {
	static := []types.SourceKind{types.SourceStatic}
	component := []types.SourceKind{types.SourceComponent}
	corroborated := []types.SourceKind{types.SourceStatic, types.SourceDynamic}

	tests := []struct {
		name string
		in   Signals
		want types.RiskLevel
	}{
		{
			name: "keyword in path, static only",
			in:   Signals{Host: "api.example.com", Segments: segs("/v1/admin/users"), Sources: static},
			want: types.RiskHigh,
		},
		{
			name: "keyword in host, component only",
			in:   Signals{Host: "auth.example.com", Segments: segs("/login"), Sources: component},
			want: types.RiskHigh,
		},
		{
			name: "keyword corroborated by dynamic falls through",
			in:   Signals{Host: "api.example.com", Segments: segs("/v1/admin/users"), Sources: corroborated},
			want: types.RiskLow,
		},
		{
			name: "keyword corroborated but identifier without auth",
			in:   Signals{Host: "api.example.com", Segments: segs("/v1/admin/users/{id}"), Sources: corroborated},
			want: types.RiskMedium,
		},
		{
			name: "identifier placeholder without auth hint",
			in:   Signals{Host: "api.example.com", Segments: segs("/v1/users/{id}"), Sources: corroborated},
			want: types.RiskMedium,
		},
		{
			name: "identifier placeholder with auth hint",
			in:   Signals{Host: "api.example.com", Segments: segs("/v1/users/{id}"), Sources: corroborated, AuthHint: true},
			want: types.RiskLow,
		},
		{
			name: "identifier-shaped literal from a content provider",
			in:   Signals{Host: "com.app.provider", Segments: segs("/items/42"), Sources: component},
			want: types.RiskMedium,
		},
		{
			name: "segment placeholder is not an identifier",
			in:   Signals{Host: "api.example.com", Segments: segs("/v1/files/{segment}"), Sources: static},
			want: types.RiskLow,
		},
		{
			name: "placeholder text does not count as keyword",
			in:   Signals{Host: "api.example.com", Segments: segs("/v1/{token}"), Sources: static},
			want: types.RiskMedium,
		},
		{
			name: "plain endpoint",
			in:   Signals{Host: "api.example.com", Segments: segs("/v1/products"), Sources: static},
			want: types.RiskLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.in))
		})
	}
}

func TestMax(t *testing.T) {
	assert.Equal(t, types.RiskHigh, Max(types.RiskLow, types.RiskHigh))
	assert.Equal(t, types.RiskHigh, Max(types.RiskHigh, types.RiskMedium))
	assert.Equal(t, types.RiskLow, Max("", types.RiskLow))
}
