package identity

import (
	"testing"

	dErrors "nip05/pkg/domain-errors"
)

func FuzzDecode(f *testing.F) {
	f.Add(vectorNpub)
	f.Add(vectorHex)
	f.Add("npub1")
	f.Add("")
	f.Fuzz(func(t *testing.T, input string) {
		k, err := Decode(input)
		if err != nil {
			if !dErrors.HasCode(err, dErrors.CodeInvalidEncoding) {
				t.Fatalf("unexpected error code for %q: %v", input, err)
			}
			if !k.IsZero() {
				t.Fatalf("partial key returned for %q", input)
			}
			return
		}
		back, err := Decode(Encode(k))
		if err != nil || back != k {
			t.Fatalf("round trip failed for %q: %v", input, err)
		}
		if again, err := Decode(k.Hex()); err != nil || again != k {
			t.Fatalf("hex round trip failed for %q: %v", input, err)
		}
	})
}
