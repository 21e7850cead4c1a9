package canonical

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		method   string
		host     string
		path     string
		wantMeth string
		query    []QueryParam
	}{
		{
			name:     "host lower-cased",
			raw:      "https://API.Example.com/v1/users/123",
			method:   "get",
			host:     "api.example.com",
			path:     "/v1/users/123",
			wantMeth: "GET",
		},
		{
			name: "default https port stripped",
			raw:  "https://api.example.com:443/v1",
			host: "api.example.com",
			path: "/v1",
		},
		{
			name: "default http port stripped",
			raw:  "http://api.example.com:80/v1",
			host: "api.example.com",
			path: "/v1",
		},
		{
			name: "non-default port kept",
			raw:  "http://api.example.com:8443/v1",
			host: "api.example.com:8443",
			path: "/v1",
		},
		{
			name: "duplicate and trailing slashes collapse",
			raw:  "https://api.example.com//v1///users/",
			host: "api.example.com",
			path: "/v1/users",
		},
		{
			name: "root path kept",
			raw:  "https://api.example.com/",
			host: "api.example.com",
			path: "/",
		},
		{
			name: "no path is root",
			raw:  "https://api.example.com",
			host: "api.example.com",
			path: "/",
		},
		{
			name: "percent decoding",
			raw:  "https://api.example.com/caf%C3%A9/a%20b",
			host: "api.example.com",
			path: "/café/a b",
		},
		{
			name: "encoded slash stays encoded",
			raw:  "https://api.example.com/files/a%2Fb",
			host: "api.example.com",
			path: "/files/a%2Fb",
		},
		{
			name: "invalid utf-8 stays encoded",
			raw:  "https://api.example.com/files/%ff",
			host: "api.example.com",
			path: "/files/%ff",
		},
		{
			name: "format placeholder survives",
			raw:  "https://api.example.com/users/%s/orders/{orderId}",
			host: "api.example.com",
			path: "/users/%s/orders/{orderId}",
		},
		{
			name: "dot segments resolved",
			raw:  "https://api.example.com/v1/./users/../items",
			host: "api.example.com",
			path: "/v1/items",
		},
		{
			name: "trailing dot on host",
			raw:  "https://api.example.com./v1",
			host: "api.example.com",
			path: "/v1",
		},
		{
			name: "query sorted and fragment dropped",
			raw:  "https://api.example.com/search?z=1&a=2&a=3#frag",
			host: "api.example.com",
			path: "/search",
			query: []QueryParam{
				{Key: "a", Value: "2"},
				{Key: "a", Value: "3"},
				{Key: "z", Value: "1"},
			},
		},
		{
			name: "content uri",
			raw:  "content://com.app.provider/items/42",
			host: "com.app.provider",
			path: "/items/42",
		},
		{
			name:     "relative path",
			raw:      "/api/v1/login",
			method:   "POST",
			host:     "",
			path:     "/api/v1/login",
			wantMeth: "POST",
		},
		{
			name:     "unknown method is absent",
			raw:      "https://api.example.com/v1",
			method:   "UNKNOWN",
			host:     "api.example.com",
			path:     "/v1",
			wantMeth: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := Parse(tt.raw, tt.method)
			require.NoError(t, err)
			assert.Equal(t, tt.host, ref.Host)
			assert.Equal(t, tt.path, ref.Path())
			assert.Equal(t, tt.wantMeth, ref.Method)
			assert.Equal(t, tt.query, ref.Query)
		})
	}
}

func TestParseMalformed(t *testing.T) {
	for _, raw := range []string{
		"not a url",
		"",
		"   ",
		"mailto:someone",
		"api.example.com/v1",
		"http://exa mple.com/",
		"https:///nohost",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := Parse(raw, "")
			require.Error(t, err)
			var malformed *MalformedInputError
			assert.True(t, errors.As(err, &malformed))
		})
	}
}

func TestNormalizeMethod(t *testing.T) {
	assert.Equal(t, "", NormalizeMethod(""))
	assert.Equal(t, "", NormalizeMethod("*"))
	assert.Equal(t, "", NormalizeMethod("unknown"))
	assert.Equal(t, "PATCH", NormalizeMethod(" patch "))
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "/", JoinPath(nil))
	assert.Equal(t, "/v1/users/{id}", JoinPath([]string{"v1", "users", "{id}"}))
}
