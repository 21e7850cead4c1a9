package evidence

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
	"gopkg.in/yaml.v3"
)

// Kind names an input document layout.
type Kind string

const (
	KindStatic     Kind = "static"
	KindDynamic    Kind = "dynamic"
	KindComponents Kind = "components"
	// KindRecords is a stream of already-normalized evidence, JSON lines or
	// YAML documents.
	KindRecords Kind = "records"
)

// Batch is one decoded input document.
type Batch struct {
	Records []Record
	// Secrets holds the static extractor's secret findings as reported.
	// Object findings are kept as compact JSON.
	Secrets []string
}

type staticResults struct {
	URLs      []json.RawMessage `json:"urls"`
	Endpoints []json.RawMessage `json:"endpoints"`
	Secrets   []json.RawMessage `json:"secrets"`
	Tool      string            `json:"tool"`
	Timestamp flexTime          `json:"timestamp"`
}

type staticURL struct {
	URL         string `json:"url"`
	OriginalURL string `json:"original_url"`
}

type dynamicFlow struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	ResponseStatus int               `json:"response_status"`
	Timestamp      flexTime          `json:"timestamp"`
}

type componentResults struct {
	Providers []struct {
		URI        string `json:"uri"`
		Accessible bool   `json:"accessible"`
	} `json:"providers"`
	Timestamp flexTime `json:"timestamp"`
}

// DecodeStatic reads a static extraction document. Every entry of "urls" and
// "endpoints" becomes one record; entries without a usable string are kept
// so the adapter can count them. "secrets" is passed through unchanged.
func DecodeStatic(r io.Reader) (Batch, error) {
	var doc staticResults
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Batch{}, fmt.Errorf("decode static results: %w", err)
	}

	secret := len(doc.Secrets) > 0
	observed := time.Time(doc.Timestamp)
	records := make([]Record, 0, len(doc.URLs)+len(doc.Endpoints))
	for _, raw := range append(doc.URLs, doc.Endpoints...) {
		records = append(records, StaticRecord{
			URL:        staticValue(raw),
			Tool:       doc.Tool,
			ObservedAt: observed,
			Secret:     secret,
		})
	}

	var secrets []string
	for _, raw := range doc.Secrets {
		if v := secretValue(raw); v != "" {
			secrets = append(secrets, v)
		}
	}
	return Batch{Records: records, Secrets: secrets}, nil
}

func secretValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil || buf.String() == "null" {
		return ""
	}
	return buf.String()
}

func staticValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj staticURL
	if err := json.Unmarshal(raw, &obj); err == nil {
		// the tool's "url" may already carry its own placeholders
		if obj.OriginalURL != "" {
			return obj.OriginalURL
		}
		return obj.URL
	}
	return ""
}

// DecodeDynamic reads a list of intercepted flows.
func DecodeDynamic(r io.Reader) ([]Record, error) {
	var flows []dynamicFlow
	if err := json.NewDecoder(r).Decode(&flows); err != nil {
		return nil, fmt.Errorf("decode dynamic flows: %w", err)
	}

	records := make([]Record, 0, len(flows))
	for _, f := range flows {
		records = append(records, DynamicRecord{
			Method:     f.Method,
			URL:        f.URL,
			Headers:    f.Headers,
			Status:     f.ResponseStatus,
			ObservedAt: time.Time(f.Timestamp),
		})
	}
	return records, nil
}

// DecodeComponents reads a component enumeration document. Only accessible
// providers are reachable, so only they become records.
func DecodeComponents(r io.Reader) ([]Record, error) {
	var doc componentResults
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode component results: %w", err)
	}

	var records []Record
	for _, p := range doc.Providers {
		if !p.Accessible {
			continue
		}
		records = append(records, ComponentRecord{
			URI:        p.URI,
			Kind:       "provider",
			Accessible: true,
			ObservedAt: time.Time(doc.Timestamp),
		})
	}
	return records, nil
}

// DecodeJSONLines reads one evidence object per line. Lines that fail to
// decode are returned as empty records so they are counted as dropped.
func DecodeJSONLines(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var ev types.Evidence
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			records = append(records, NormalizedRecord{})
			continue
		}
		records = append(records, NormalizedRecord{Evidence: ev})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read evidence lines: %w", err)
	}
	return records, nil
}

// DecodeYAML reads a YAML stream where each document is an evidence object or
// a list of them.
func DecodeYAML(r io.Reader) ([]Record, error) {
	var records []Record
	dec := yaml.NewDecoder(r)
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode evidence yaml: %w", err)
		}

		var list []types.Evidence
		if err := node.Decode(&list); err == nil {
			for _, ev := range list {
				records = append(records, NormalizedRecord{Evidence: ev})
			}
			continue
		}
		var ev types.Evidence
		if err := node.Decode(&ev); err != nil {
			records = append(records, NormalizedRecord{})
			continue
		}
		records = append(records, NormalizedRecord{Evidence: ev})
	}
	return records, nil
}

// Decode dispatches on kind. Record streams are read as YAML when format is
// "yaml", JSON lines otherwise.
func Decode(r io.Reader, kind Kind, format string) (Batch, error) {
	var records []Record
	var err error
	switch kind {
	case KindStatic:
		return DecodeStatic(r)
	case KindDynamic:
		records, err = DecodeDynamic(r)
	case KindComponents:
		records, err = DecodeComponents(r)
	case KindRecords:
		if format == "yaml" {
			records, err = DecodeYAML(r)
		} else {
			records, err = DecodeJSONLines(r)
		}
	default:
		return Batch{}, fmt.Errorf("unknown input kind %q", kind)
	}
	return Batch{Records: records}, err
}

// LoadFile opens path and decodes it as kind. YAML is picked by extension.
func LoadFile(path string, kind Kind) (Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return Batch{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}
	return Decode(f, kind, format)
}

// flexTime accepts RFC 3339 strings and Unix seconds (integer or fractional).
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return err
		}
		*t = flexTime(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return err
	}
	whole := int64(secs)
	*t = flexTime(time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC())
	return nil
}
