// Package catalog encodes catalogs and diffs as documents and files.
package catalog

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// Document is the external catalog shape.
type Document struct {
	Metadata  types.CatalogMetadata `json:"metadata" yaml:"metadata"`
	Entries   []types.CatalogEntry  `json:"entries" yaml:"entries"`
	Domains   []string              `json:"domains" yaml:"domains"`
	Endpoints []string              `json:"endpoints" yaml:"endpoints"`
	Secrets   []string              `json:"secrets,omitempty" yaml:"secrets,omitempty"`
}

// FromCatalog lays a catalog out in document order: entries by signature,
// timestamps in UTC.
func FromCatalog(c *types.Catalog) Document {
	entries := c.Sorted()
	for i := range entries {
		entries[i].FirstSeen = entries[i].FirstSeen.UTC()
		entries[i].LastSeen = entries[i].LastSeen.UTC()
		entries[i].Sources = types.SortSources(entries[i].Sources)
		if entries[i].Parameters == nil {
			entries[i].Parameters = []types.Parameter{}
		}
	}
	meta := c.Metadata
	meta.GeneratedAt = meta.GeneratedAt.UTC()
	return Document{
		Metadata:  meta,
		Entries:   entries,
		Domains:   c.Domains(),
		Endpoints: c.Endpoints(),
		Secrets:   c.Secrets,
	}
}

// Catalog rebuilds a finalized catalog. Error counts come from the document;
// distributions are recomputed from the entries.
func (d Document) Catalog() *types.Catalog {
	c := types.NewCatalog(d.Entries, d.Metadata.GeneratedAt)
	c.Metadata.DroppedEvidence = d.Metadata.DroppedEvidence
	c.Metadata.QuarantinedEvidence = d.Metadata.QuarantinedEvidence
	c.Secrets = d.Secrets
	c.MarkFinalized()
	return c
}

// Encode writes the catalog as indented JSON.
func Encode(w io.Writer, c *types.Catalog) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(FromCatalog(c)); err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	return nil
}

// EncodeYAML writes the catalog document as YAML.
func EncodeYAML(w io.Writer, c *types.Catalog) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(FromCatalog(c)); err != nil {
		return fmt.Errorf("encode catalog yaml: %w", err)
	}
	return enc.Close()
}

// Decode reads and validates a JSON catalog document.
func Decode(r io.Reader) (*types.Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Unmarshal(data)
}

func Unmarshal(data []byte) (*types.Catalog, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	seen := make(map[string]bool, len(doc.Entries))
	for _, e := range doc.Entries {
		if seen[e.Signature] {
			return nil, &ValidationError{Problems: []string{fmt.Sprintf("duplicate signature %q", e.Signature)}}
		}
		seen[e.Signature] = true
		if e.FirstSeen.After(e.LastSeen) {
			return nil, &ValidationError{Problems: []string{fmt.Sprintf("%q: first_seen after last_seen", e.Signature)}}
		}
	}
	return doc.Catalog(), nil
}

// Marshal returns the JSON document bytes.
func Marshal(c *types.Catalog) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest is a content hash over the entries, independent of generation time
// and error counts. Two scans that produced the same map share a digest.
func Digest(c *types.Catalog) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	doc := FromCatalog(c)
	if err := json.NewEncoder(h).Encode(doc.Entries); err != nil {
		return "", fmt.Errorf("digest catalog: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// EncodeDiff writes a diff result as JSON or YAML.
func EncodeDiff(w io.Writer, d *types.DiffResult, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("encode diff yaml: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("encode diff: %w", err)
	}
	return nil
}

// Save writes c to path. The extension picks the encoding: ".yaml"/".yml"
// for YAML, and a trailing ".gz" or ".zst" compresses the JSON.
func Save(path string, c *types.Catalog) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return EncodeYAML(f, c)
	case ".gz":
		zw := gzip.NewWriter(f)
		if err := Encode(zw, c); err != nil {
			return err
		}
		return zw.Close()
	case ".zst":
		zw, err := zstd.NewWriter(f)
		if err != nil {
			return fmt.Errorf("create zstd writer: %w", err)
		}
		if err := Encode(zw, c); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	}
	return Encode(f, c)
}

// Load reads a JSON catalog file, transparently decompressing ".gz" and
// ".zst" files.
func Load(path string) (*types.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	case ".zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open zstd %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	case ".yaml", ".yml":
		return nil, fmt.Errorf("load %s: catalogs are read from JSON documents", path)
	}
	return Decode(r)
}
