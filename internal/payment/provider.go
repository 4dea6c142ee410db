// Package payment defines the contract between registration and a Lightning
// payment provider.
package payment

import (
	"context"
	"time"

	"nip05/pkg/domain"
)

// Invoice is what a provider hands back when asked to bill a registration.
type Invoice struct {
	Reference      domain.InvoiceReference
	PaymentRequest string
	AmountSats     int64
	ExpiresAt      time.Time
}

// Status is the provider's view of a single invoice.
type Status struct {
	Settled bool
	Expired bool
}

// Provider is implemented by every payment backend.
//
// CreateInvoice must not be assumed idempotent. Status must be safe to call
// any number of times for the same reference.
type Provider interface {
	// ID names the backend for logs and metrics.
	ID() string
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error)
	Status(ctx context.Context, ref domain.InvoiceReference) (*Status, error)
}
