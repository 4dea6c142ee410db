package models

import (
	"strings"
	"time"

	"nip05/pkg/domain"
)

// Entry binds an identifier to a public key in the published registry.
//
// Invariants:
//   - Identifier is unique by its folded Key across the registry
//   - PublicKey is canonical 64-character lowercase hex
//   - entries are never mutated once committed; removal is the only change
//
// Reference is the invoice that paid for the entry, empty for direct registrations.
type Entry struct {
	Identifier   domain.Identifier
	PublicKey    string
	RegisteredAt time.Time
	Reference    domain.InvoiceReference
}

// Key is the folded identifier used for uniqueness.
func (e *Entry) Key() string {
	return e.Identifier.Key()
}

func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// Document is the NIP-05 lookup file served at /.well-known/nostr.json.
type Document struct {
	Names map[string]string `json:"names"`
}

// MaskedEntry is the public view of a recent registration.
type MaskedEntry struct {
	Address      string    `json:"nip05"`
	Npub         string    `json:"npub"`
	RegisteredAt time.Time `json:"registered_at"`
}

// MaskIdentifier hides the first three characters of a name: "alice" -> "***ce".
func MaskIdentifier(name string) string {
	runes := []rune(name)
	if len(runes) <= 3 {
		return "***"
	}
	return "***" + string(runes[3:])
}

// MaskNpub keeps the middle of an npub and stars out both ends.
func MaskNpub(npub string) string {
	if len(npub) <= 20 {
		return npub
	}
	stars := strings.Repeat("*", 8)
	return "npub1" + stars + npub[8:len(npub)-8] + stars
}
