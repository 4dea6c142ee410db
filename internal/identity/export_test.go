package identity

import "github.com/btcsuite/btcd/btcutil/bech32"

// Encode31ForTest builds a checksum-valid npub whose payload is one byte short.
func Encode31ForTest() (string, error) {
	conv, err := bech32.ConvertBits(make([]byte, KeySize-1), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(NpubPrefix, conv)
}
