package domain

import (
	"encoding/hex"
	"strings"

	dErrors "nip05/pkg/domain-errors"
)

// InvoiceReference identifies an invoice at the payment provider. For Lightning
// providers this is the payment hash: 32 bytes, rendered as lowercase hex.
type InvoiceReference string

// ParseInvoiceReference validates a 64-character hex payment hash and lowercases it.
func ParseInvoiceReference(s string) (InvoiceReference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "payment hash cannot be empty")
	}
	if len(s) != 64 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid payment hash format")
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid payment hash format")
	}
	return InvoiceReference(strings.ToLower(s)), nil
}

func (r InvoiceReference) String() string {
	return string(r)
}

// Short is a log-friendly prefix of the reference.
func (r InvoiceReference) Short() string {
	if len(r) <= 16 {
		return string(r)
	}
	return string(r[:16])
}
