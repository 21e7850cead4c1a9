package catalog

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["metadata", "entries"],
  "properties": {
    "metadata": {
      "type": "object",
      "required": ["generated_at", "total_entries", "risk_distribution"],
      "properties": {
        "generated_at": {"type": "string", "format": "date-time"},
        "total_entries": {"type": "integer", "minimum": 0},
        "risk_distribution": {
          "type": "object",
          "additionalProperties": {"type": "integer", "minimum": 0},
          "propertyNames": {"enum": ["LOW", "MEDIUM", "HIGH"]}
        },
        "source_distribution": {"type": "object"},
        "method_distribution": {"type": "object"},
        "dropped_evidence": {"type": "integer", "minimum": 0},
        "quarantined_evidence": {"type": "integer", "minimum": 0}
      }
    },
    "entries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["signature", "host", "path", "method", "sources", "original_urls", "risk_level", "first_seen", "last_seen", "frequency"],
        "properties": {
          "signature": {"type": "string", "minLength": 1},
          "host": {"type": "string"},
          "path": {"type": "string", "pattern": "^/"},
          "method": {"type": "string", "minLength": 1},
          "parameters": {
            "type": ["array", "null"],
            "items": {
              "type": "object",
              "required": ["type", "value"],
              "properties": {
                "type": {"type": "string"},
                "value": {"type": "string"}
              }
            }
          },
          "sources": {
            "type": "array",
            "minItems": 1,
            "items": {"enum": ["static", "dynamic", "component"]}
          },
          "original_urls": {"type": "array", "minItems": 1, "items": {"type": "string"}},
          "risk_level": {"enum": ["LOW", "MEDIUM", "HIGH"]},
          "first_seen": {"type": "string", "format": "date-time"},
          "last_seen": {"type": "string", "format": "date-time"},
          "frequency": {"type": "integer", "minimum": 1}
        }
      }
    },
    "domains": {"type": ["array", "null"], "items": {"type": "string"}},
    "endpoints": {"type": ["array", "null"], "items": {"type": "string"}},
    "secrets": {"type": ["array", "null"], "items": {"type": "string"}}
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	})
	return schema, schemaErr
}

// ValidationError lists every schema violation of a document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("catalog document invalid: %s", strings.Join(e.Problems, "; "))
}

// Validate checks raw JSON against the catalog document schema.
func Validate(data []byte) error {
	s, err := loadSchema()
	if err != nil {
		return fmt.Errorf("failed to load schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return &ValidationError{Problems: problems}
	}
	return nil
}
