// Package signature derives the dedup key of a catalog entry.
package signature

import (
	"strings"

	"github.com/twmb/murmur3"
)

// Build joins method, host and templated path into the entry key, e.g.
// "GET api.example.com/v1/users/{id}". An absent method renders as "*".
func Build(host, templatedPath, method string) string {
	if method == "" {
		method = "*"
	}
	if templatedPath == "" {
		templatedPath = "/"
	}
	var b strings.Builder
	b.Grow(len(method) + 1 + len(host) + len(templatedPath))
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(host)
	b.WriteString(templatedPath)
	return b.String()
}

// Hash is a compact 64-bit key for a signature, used for indexing in storage.
func Hash(sig string) uint64 {
	return murmur3.Sum64([]byte(sig))
}
