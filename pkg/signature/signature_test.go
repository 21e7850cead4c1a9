package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		host, path, method string
		want               string
	}{
		{"api.example.com", "/v1/users/{id}", "GET", "GET api.example.com/v1/users/{id}"},
		{"com.app.provider", "/items/42", "", "* com.app.provider/items/42"},
		{"api.example.com", "", "POST", "POST api.example.com/"},
		{"", "/api/v1/login", "POST", "POST /api/v1/login"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Build(tt.host, tt.path, tt.method))
		})
	}
}

func TestHashStable(t *testing.T) {
	sig := Build("api.example.com", "/v1/users/{id}", "GET")
	assert.Equal(t, Hash(sig), Hash(sig))
	assert.NotEqual(t, Hash(sig), Hash(Build("api.example.com", "/v1/users/{id}", "POST")))
}
