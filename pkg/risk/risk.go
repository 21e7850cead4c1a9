// Package risk assigns heuristic risk levels to catalog entries.
package risk

import (
	"strings"

	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/templating"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

// SensitiveKeywords are matched case-insensitively against the host and the
// literal path segments.
var SensitiveKeywords = []string{"auth", "admin", "token", "payment", "internal"}

// Signals is everything the classifier looks at.
type Signals struct {
	Host string
	// Segments is the templated path split on "/".
	Segments []string
	Sources  []types.SourceKind
	// AuthHint is true when any contributing evidence carried auth material.
	AuthHint bool
}

// Classify applies the ordered rules, first match wins:
//
//	HIGH   sensitive keyword in host or a literal segment, and no dynamic source
//	MEDIUM identifier in the path, and no auth hint
//	LOW    otherwise
func Classify(s Signals) types.RiskLevel {
	if hasSensitiveKeyword(s) && len(s.Sources) > 0 && !hasSource(s.Sources, types.SourceDynamic) {
		return types.RiskHigh
	}
	if hasIdentifier(s.Segments) && !s.AuthHint {
		return types.RiskMedium
	}
	return types.RiskLow
}

// Max returns the higher of two levels.
func Max(a, b types.RiskLevel) types.RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

func hasSensitiveKeyword(s Signals) bool {
	if containsKeyword(s.Host) {
		return true
	}
	for _, seg := range s.Segments {
		if templating.IsPlaceholder(seg) {
			continue
		}
		if containsKeyword(seg) {
			return true
		}
	}
	return false
}

func containsKeyword(v string) bool {
	v = strings.ToLower(v)
	for _, kw := range SensitiveKeywords {
		if strings.Contains(v, kw) {
			return true
		}
	}
	return false
}

// hasIdentifier is true for identifier placeholders and for literal segments
// that look like identifiers but were never promoted.
func hasIdentifier(segments []string) bool {
	for _, seg := range segments {
		if templating.IsPlaceholder(seg) {
			if templating.PlaceholderType(seg).Identifier() {
				return true
			}
			continue
		}
		if templating.Classify(seg).Identifier() {
			return true
		}
	}
	return false
}

func hasSource(sources []types.SourceKind, want types.SourceKind) bool {
	for _, s := range sources {
		if s == want {
			return true
		}
	}
	return false
}
