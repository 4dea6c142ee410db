// Package identity converts Nostr public keys between their bech32 "npub" display
// form and the canonical lowercase hex form stored in the registry.
package identity

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"

	dErrors "nip05/pkg/domain-errors"
)

const (
	// NpubPrefix is the bech32 human-readable part for public keys (NIP-19).
	NpubPrefix = "npub"
	KeySize    = 32
	HexLength  = KeySize * 2
)

// PublicKey is a 32-byte x-only secp256k1 public key.
type PublicKey [KeySize]byte

// Hex returns the canonical 64-character lowercase hex form.
func (k PublicKey) Hex() string {
	return hex.EncodeToString(k[:])
}

func (k PublicKey) String() string {
	return k.Hex()
}

func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// ToCanonicalHex is the persisted form of a key. Only this form is compared.
func ToCanonicalHex(k PublicKey) string {
	return k.Hex()
}

// Decode accepts an npub1... string or a 64-character hex key in any case.
// Every failure is CodeInvalidEncoding and the zero key is returned.
func Decode(encoded string) (PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	switch {
	case encoded == "":
		return PublicKey{}, dErrors.New(dErrors.CodeInvalidEncoding, "key must be npub or 64-character hex")
	case strings.HasPrefix(strings.ToLower(encoded), NpubPrefix):
		return decodeNpub(encoded)
	case len(encoded) == HexLength:
		return ParseHex(encoded)
	default:
		return PublicKey{}, dErrors.New(dErrors.CodeInvalidEncoding, "key must be npub or 64-character hex")
	}
}

func decodeNpub(encoded string) (PublicKey, error) {
	hrp, data, err := bech32.Decode(encoded)
	if err != nil {
		return PublicKey{}, dErrors.Wrap(err, dErrors.CodeInvalidEncoding, "invalid npub format")
	}
	if hrp != NpubPrefix {
		return PublicKey{}, dErrors.New(dErrors.CodeInvalidEncoding, "invalid npub format: unexpected prefix "+hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return PublicKey{}, dErrors.Wrap(err, dErrors.CodeInvalidEncoding, "invalid npub conversion")
	}
	if len(raw) != KeySize {
		return PublicKey{}, dErrors.New(dErrors.CodeInvalidEncoding, "invalid npub: key must be 32 bytes")
	}
	var k PublicKey
	copy(k[:], raw)
	return k, nil
}

// ParseHex parses exactly 64 hex characters (any case).
func ParseHex(s string) (PublicKey, error) {
	if len(s) != HexLength {
		return PublicKey{}, dErrors.New(dErrors.CodeInvalidEncoding, "hex key must be 64 characters")
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, dErrors.Wrap(err, dErrors.CodeInvalidEncoding, "hex key contains non-hex characters")
	}
	var k PublicKey
	copy(k[:], raw)
	return k, nil
}

// Encode renders the npub display form. Decode(Encode(k)) == k for every key.
func Encode(k PublicKey) string {
	conv, err := bech32.ConvertBits(k[:], 8, 5, true)
	if err != nil {
		// 8->5 regrouping with padding cannot fail on a fixed-size input
		panic("identity: convert bits: " + err.Error())
	}
	s, err := bech32.Encode(NpubPrefix, conv)
	if err != nil {
		panic("identity: bech32 encode: " + err.Error())
	}
	return s
}

// Canonicalize decodes any accepted form and returns the canonical hex.
func Canonicalize(encoded string) (string, error) {
	k, err := Decode(encoded)
	if err != nil {
		return "", err
	}
	return k.Hex(), nil
}
