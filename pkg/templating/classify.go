// Package templating detects variable path segments and groups observed paths
// into route templates.
package templating

import (
	"regexp"
	"strings"
)

// SegmentType is the inferred class of a single path segment.
type SegmentType string

const (
	Literal   SegmentType = "literal"
	UUID      SegmentType = "uuid"
	HexToken  SegmentType = "hex_token"
	NumericID SegmentType = "numeric_id"
	Token     SegmentType = "token"
	// Wildcard marks a format placeholder from decompiled code such as %s,
	// {id} or :id. It stands for any variable value.
	Wildcard SegmentType = "wildcard"
	// Mixed is used for a promoted position whose values disagree on type.
	Mixed SegmentType = "segment"
)

var (
	uuidDashed  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	uuidCompact = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	hexToken    = regexp.MustCompile(`^[0-9a-fA-F]{8,}$`)
	numericID   = regexp.MustCompile(`^[0-9]+$`)
	opaqueToken = regexp.MustCompile(`^[A-Za-z0-9]{8,}$`)

	printfVerb  = regexp.MustCompile(`^%[0-9]*[a-zA-Z]$`)
	bracedName  = regexp.MustCompile(`^\{[A-Za-z_][A-Za-z0-9_]*\}$`)
	colonName   = regexp.MustCompile(`^:[A-Za-z_][A-Za-z0-9_]*$`)
	hasDigit    = regexp.MustCompile(`[0-9]`)
	hasHexAlpha = regexp.MustCompile(`[a-fA-F]`)
	hasAlpha    = regexp.MustCompile(`[A-Za-z]`)
)

// Classify assigns a type to a segment seen in isolation. When several
// identifier patterns match, the most specific wins: uuid, hex token,
// numeric id, generic token.
func Classify(seg string) SegmentType {
	switch {
	case isWildcard(seg):
		return Wildcard
	case uuidDashed.MatchString(seg):
		return UUID
	case uuidCompact.MatchString(seg) && hasHexAlpha.MatchString(seg):
		return UUID
	case hexToken.MatchString(seg) && hasDigit.MatchString(seg) && hasHexAlpha.MatchString(seg):
		return HexToken
	case numericID.MatchString(seg):
		return NumericID
	case opaqueToken.MatchString(seg) && hasDigit.MatchString(seg) && hasAlpha.MatchString(seg):
		return Token
	}
	return Literal
}

func isWildcard(seg string) bool {
	return printfVerb.MatchString(seg) || bracedName.MatchString(seg) || colonName.MatchString(seg)
}

// wildcardHint maps a format placeholder to the identifier type it names, if
// any. "%d" and "{id}" say numeric; unnamed or free-form placeholders say
// nothing.
func wildcardHint(seg string) SegmentType {
	name := strings.ToLower(strings.Trim(seg, "{}:%"))
	switch name {
	case "d", "i", "u", "id":
		return NumericID
	case "uuid", "guid":
		return UUID
	case "hex":
		return HexToken
	case "token":
		return Token
	}
	return ""
}

// Variable reports whether segments of this type may be generalized.
func (t SegmentType) Variable() bool {
	switch t {
	case UUID, HexToken, NumericID, Token, Wildcard, Mixed:
		return true
	}
	return false
}

// Identifier reports whether the type names a concrete identifier class.
func (t SegmentType) Identifier() bool {
	switch t {
	case UUID, HexToken, NumericID, Token:
		return true
	}
	return false
}

// Placeholder returns the path token used for a promoted position.
func (t SegmentType) Placeholder() string {
	switch t {
	case UUID:
		return "{uuid}"
	case HexToken:
		return "{hex}"
	case NumericID:
		return "{id}"
	case Token:
		return "{token}"
	}
	return "{segment}"
}

// IsPlaceholder reports whether seg is one of the tokens produced by
// Placeholder.
func IsPlaceholder(seg string) bool {
	switch seg {
	case "{uuid}", "{hex}", "{id}", "{token}", "{segment}":
		return true
	}
	return false
}

// PlaceholderType maps a placeholder token back to its type.
func PlaceholderType(seg string) SegmentType {
	switch seg {
	case "{uuid}":
		return UUID
	case "{hex}":
		return HexToken
	case "{id}":
		return NumericID
	case "{token}":
		return Token
	case "{segment}":
		return Mixed
	}
	return Literal
}
