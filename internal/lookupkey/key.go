// Package lookupkey turns raw input lines into canonical registry lookup keys.
package lookupkey

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/joseph-ayodele/vat-checker/constants"
)

// Reason explains why a line could not be normalized.
type Reason string

const (
	ReasonEmptyOrTooShort     Reason = "EmptyOrTooShort"
	ReasonInvalidJurisdiction Reason = "MissingOrInvalidJurisdictionPrefix"
	ReasonMissingBody         Reason = "MissingIdentifierBody"
)

// MalformedError is returned by Parse for lines that never reach a lane.
type MalformedError struct {
	Input  string
	Reason Reason
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed input %q: %s", e.Input, e.Reason)
}

// Key is the canonical (jurisdiction, identifier) pair.
type Key struct {
	Jurisdiction string
	Body         string
}

// String renders the key as used for caching and dedup, e.g. "NL123456789B01".
func (k Key) String() string {
	return k.Jurisdiction + k.Body
}

// Parse normalizes raw: trims, uppercases, strips non-alphanumerics and
// remaps jurisdiction aliases.
func Parse(raw string) (Key, error) {
	clean := strings.Map(func(r rune) rune {
		r = unicode.ToUpper(r)
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, strings.TrimSpace(raw))

	if len(clean) < 2 {
		return Key{}, &MalformedError{Input: raw, Reason: ReasonEmptyOrTooShort}
	}
	prefix := clean[:2]
	if !isLetter(prefix[0]) || !isLetter(prefix[1]) {
		return Key{}, &MalformedError{Input: raw, Reason: ReasonInvalidJurisdiction}
	}
	jurisdiction := constants.NormalizeJurisdiction(prefix)
	if !constants.IsJurisdiction(jurisdiction) {
		return Key{}, &MalformedError{Input: raw, Reason: ReasonInvalidJurisdiction}
	}
	body := clean[2:]
	if body == "" {
		return Key{}, &MalformedError{Input: raw, Reason: ReasonMissingBody}
	}
	return Key{Jurisdiction: jurisdiction, Body: body}, nil
}

// FromString rebuilds a key persisted with Key.String.
func FromString(s string) Key {
	if len(s) < 2 {
		return Key{Body: s}
	}
	return Key{Jurisdiction: s[:2], Body: s[2:]}
}

func isLetter(b byte) bool {
	return b >= 'A' && b <= 'Z'
}
