// Package evidence converts channel-specific observations into evidence.
package evidence

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

// AdapterError is returned for observations without a usable URL or URI.
type AdapterError struct {
	Source types.SourceKind
	Reason string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter: %s record rejected: %s", e.Source, e.Reason)
}

// Record is one raw observation. The set of implementations is closed:
// StaticRecord, DynamicRecord, ComponentRecord and NormalizedRecord.
type Record interface {
	Source() types.SourceKind
	isRecord()
}

// StaticRecord is a string extracted from decompiled code.
type StaticRecord struct {
	URL        string
	Tool       string
	ObservedAt time.Time
	// Secret marks records from an extraction run that also reported secrets.
	Secret bool
}

// DynamicRecord is a request seen on intercepted traffic.
type DynamicRecord struct {
	Method     string
	URL        string
	Headers    map[string]string
	Status     int
	ObservedAt time.Time
}

// ComponentRecord is an exported component discovered by enumeration.
type ComponentRecord struct {
	URI        string
	Kind       string
	Accessible bool
	ObservedAt time.Time
}

// NormalizedRecord carries evidence already in the common shape, as read from
// record streams, queues and the bus.
type NormalizedRecord struct {
	Evidence types.Evidence
}

func (StaticRecord) Source() types.SourceKind    { return types.SourceStatic }
func (DynamicRecord) Source() types.SourceKind   { return types.SourceDynamic }
func (ComponentRecord) Source() types.SourceKind { return types.SourceComponent }
func (r NormalizedRecord) Source() types.SourceKind {
	return r.Evidence.Source
}

func (StaticRecord) isRecord()     {}
func (DynamicRecord) isRecord()    {}
func (ComponentRecord) isRecord()  {}
func (NormalizedRecord) isRecord() {}

// authHeaders are request headers whose presence counts as an auth hint.
var authHeaders = []string{"Authorization", "Cookie", "X-Api-Key", "X-Auth-Token"}

// Adapt converts one record. It fails only when the record has no URL or URI
// to work with; parsing the value is left to the canonicalizer.
func Adapt(rec Record, now func() time.Time) (types.Evidence, error) {
	if now == nil {
		now = time.Now
	}

	switch r := rec.(type) {
	case StaticRecord:
		raw := strings.TrimSpace(r.URL)
		if raw == "" {
			return types.Evidence{}, &AdapterError{Source: types.SourceStatic, Reason: "missing url"}
		}
		hints := map[string]string{}
		if r.Tool != "" {
			hints[types.HintTool] = r.Tool
		}
		if r.Secret {
			hints[types.HintSecret] = "true"
		}
		return types.Evidence{
			Source:     types.SourceStatic,
			RawValue:   raw,
			ObservedAt: stamp(r.ObservedAt, now),
			Hints:      nilIfEmpty(hints),
		}, nil

	case DynamicRecord:
		raw := strings.TrimSpace(r.URL)
		if raw == "" {
			return types.Evidence{}, &AdapterError{Source: types.SourceDynamic, Reason: "missing url"}
		}
		hints := map[string]string{}
		for _, h := range authHeaders {
			if headerValue(r.Headers, h) != "" {
				hints[types.HintAuthHeader] = "true"
				break
			}
		}
		if r.Status > 0 {
			hints[types.HintStatus] = strconv.Itoa(r.Status)
		}
		return types.Evidence{
			Source:     types.SourceDynamic,
			RawValue:   raw,
			Method:     strings.ToUpper(strings.TrimSpace(r.Method)),
			ObservedAt: stamp(r.ObservedAt, now),
			Hints:      nilIfEmpty(hints),
		}, nil

	case ComponentRecord:
		uri := strings.TrimSpace(r.URI)
		if uri == "" {
			return types.Evidence{}, &AdapterError{Source: types.SourceComponent, Reason: "missing uri"}
		}
		if !strings.Contains(uri, "://") {
			uri = "content://" + uri
		}
		var hints map[string]string
		if r.Kind != "" {
			hints = map[string]string{"component": r.Kind}
		}
		return types.Evidence{
			Source:     types.SourceComponent,
			RawValue:   uri,
			ObservedAt: stamp(r.ObservedAt, now),
			Hints:      hints,
		}, nil

	case NormalizedRecord:
		ev := r.Evidence
		if !ev.Source.Valid() {
			return types.Evidence{}, &AdapterError{Source: ev.Source, Reason: fmt.Sprintf("unknown source %q", ev.Source)}
		}
		ev.RawValue = strings.TrimSpace(ev.RawValue)
		if ev.RawValue == "" {
			return types.Evidence{}, &AdapterError{Source: ev.Source, Reason: "missing raw_value"}
		}
		ev.ObservedAt = stamp(ev.ObservedAt, now)
		return ev, nil

	case nil:
		return types.Evidence{}, &AdapterError{Reason: "nil record"}
	}

	return types.Evidence{}, &AdapterError{Source: rec.Source(), Reason: fmt.Sprintf("unsupported record %T", rec)}
}

func stamp(t time.Time, now func() time.Time) time.Time {
	if t.IsZero() {
		return now().UTC()
	}
	return t.UTC()
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	canonical := http.CanonicalHeaderKey(name)
	for k, v := range headers {
		if http.CanonicalHeaderKey(k) == canonical {
			return v
		}
	}
	return ""
}

func nilIfEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}
