// Package canonical turns raw URL and URI strings into comparable references.
package canonical

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// MalformedInputError is returned for strings that cannot be read as a URL,
// a content URI or an absolute path.
type MalformedInputError struct {
	Raw    string
	Reason string
	Err    error
}

func (e *MalformedInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed input %q: %s: %v", e.Raw, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed input %q: %s", e.Raw, e.Reason)
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

type QueryParam struct {
	Key   string
	Value string
}

// Reference is the normalized form of one raw value.
type Reference struct {
	Scheme   string
	Host     string
	Segments []string
	// Method is upper-case, or empty when the observation carried none.
	Method string
	// Query is sorted by key; values of a repeated key keep their order.
	Query []QueryParam
}

// Path renders the segments as a slash-joined absolute path.
func (r Reference) Path() string {
	return JoinPath(r.Segments)
}

func JoinPath(segments []string) string {
	if len(segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(segments, "/")
}

var defaultPorts = map[string]string{
	"http":  "80",
	"ws":    "80",
	"https": "443",
	"wss":   "443",
}

// NormalizeMethod upper-cases a method and maps the "no method" spellings to
// the empty string.
func NormalizeMethod(m string) string {
	m = strings.ToUpper(strings.TrimSpace(m))
	switch m {
	case "", "UNKNOWN", "*":
		return ""
	}
	return m
}

// Parse canonicalizes raw together with an optional method hint.
func Parse(raw, methodHint string) (Reference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reference{}, &MalformedInputError{Raw: raw, Reason: "empty value"}
	}

	u, err := url.Parse(escapeStrayPercent(trimmed))
	if err != nil {
		return Reference{}, &MalformedInputError{Raw: raw, Reason: "unparsable", Err: err}
	}
	if u.Opaque != "" {
		return Reference{}, &MalformedInputError{Raw: raw, Reason: "opaque uri has no path"}
	}

	ref := Reference{
		Scheme: strings.ToLower(u.Scheme),
		Method: NormalizeMethod(methodHint),
	}

	switch {
	case u.Host != "":
		host, err := normalizeHost(u.Hostname())
		if err != nil {
			return Reference{}, &MalformedInputError{Raw: raw, Reason: "invalid host", Err: err}
		}
		if host == "" {
			return Reference{}, &MalformedInputError{Raw: raw, Reason: "empty host"}
		}
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		if port := u.Port(); port != "" && defaultPorts[ref.Scheme] != port {
			host = host + ":" + port
		}
		ref.Host = host
	case u.Scheme == "" && strings.HasPrefix(trimmed, "/"):
		// relative path, host unknown
	default:
		return Reference{}, &MalformedInputError{Raw: raw, Reason: "missing scheme or host"}
	}

	ref.Segments = normalizeSegments(u.EscapedPath())
	ref.Query = sortedQuery(u.RawQuery)
	return ref, nil
}

// escapeStrayPercent escapes a '%' that does not start a valid escape, so
// printf-style placeholders found in decompiled strings ("/users/%s") survive
// parsing as literal segments.
func escapeStrayPercent(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && !(i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2])) {
			b.WriteString("%25")
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", nil
	}
	ascii, err := idna.Punycode.ToASCII(host)
	if err != nil {
		return "", err
	}
	return strings.ToLower(ascii), nil
}

// normalizeSegments splits an escaped path, drops empty and "." segments,
// resolves ".." and percent-decodes each segment unless decoding would
// introduce a separator or produce invalid UTF-8.
func normalizeSegments(escaped string) []string {
	out := []string{}
	for _, seg := range strings.Split(escaped, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			continue
		}
		decoded, err := url.PathUnescape(seg)
		if err != nil || strings.Contains(decoded, "/") || decoded == "" || !utf8.ValidString(decoded) {
			out = append(out, seg)
			continue
		}
		out = append(out, decoded)
	}
	return out
}

func sortedQuery(rawQuery string) []QueryParam {
	if rawQuery == "" {
		return nil
	}
	// ParseQuery returns what it could decode alongside the first error.
	values, _ := url.ParseQuery(rawQuery)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []QueryParam
	for _, k := range keys {
		for _, v := range values[k] {
			out = append(out, QueryParam{Key: k, Value: v})
		}
	}
	return out
}
