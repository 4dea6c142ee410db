package domain

import (
	"regexp"
	"strings"

	dErrors "nip05/pkg/domain-errors"
)

// MaxIdentifierLength bounds the NIP-05 local part accepted at registration.
const MaxIdentifierLength = 30

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,30}$`)

// Identifier is the local part of a NIP-05 address (the "alice" in alice@example.com).
// Invariant: matches identifierPattern. The case given at registration is preserved;
// Key returns the folded form used for uniqueness.
//
// Usage: construct via ParseIdentifier at trust boundaries; direct casting bypasses
// validation.
type Identifier string

// ParseIdentifier trims surrounding whitespace and validates the charset and length.
//
// Errors: returns CodeInvalidInput when the value is empty or contains characters
// outside [a-zA-Z0-9_-].
func ParseIdentifier(s string) (Identifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "username cannot be empty")
	}
	if !identifierPattern.MatchString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput,
			"username must be 1-30 characters, letters, numbers, underscores or hyphens only")
	}
	return Identifier(s), nil
}

// Key is the case-folded form. Two identifiers with the same Key are the same name
// as far as a NIP-05 lookup is concerned.
func (i Identifier) Key() string {
	return strings.ToLower(string(i))
}

func (i Identifier) String() string {
	return string(i)
}

func (i Identifier) IsNil() bool {
	return i == ""
}

// Address renders the full NIP-05 address for a domain.
func (i Identifier) Address(domain string) string {
	return string(i) + "@" + domain
}
