// Package memprovider is an in-process payment.Provider for development and tests.
// Invoices settle only when Settle is called.
package memprovider

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"nip05/internal/payment"
	"nip05/pkg/domain"
)

const ProviderID = "memory"

type invoice struct {
	amountSats int64
	memo       string
	settled    bool
	expiresAt  time.Time
}

type Provider struct {
	mu       sync.Mutex
	invoices map[domain.InvoiceReference]*invoice
	expiry   time.Duration
	now      func() time.Time
	failWith error
}

type Option func(*Provider)

func WithInvoiceExpiry(d time.Duration) Option {
	return func(p *Provider) {
		p.expiry = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

func New(opts ...Option) *Provider {
	p := &Provider{
		invoices: make(map[domain.InvoiceReference]*invoice),
		expiry:   5 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ID() string {
	return ProviderID
}

func (p *Provider) CreateInvoice(_ context.Context, amountSats int64, memo string) (*payment.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return nil, p.failWith
	}

	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, payment.NewProviderError(payment.ErrorInternal, ProviderID, "generate preimage", err)
	}
	sum := sha256.Sum256(preimage)
	ref := domain.InvoiceReference(hex.EncodeToString(sum[:]))
	expiresAt := p.now().Add(p.expiry)
	p.invoices[ref] = &invoice{amountSats: amountSats, memo: memo, expiresAt: expiresAt}

	return &payment.Invoice{
		Reference:      ref,
		PaymentRequest: fmt.Sprintf("lnbcrt%dn1%s", amountSats*10, hex.EncodeToString(preimage[:20])),
		AmountSats:     amountSats,
		ExpiresAt:      expiresAt,
	}, nil
}

func (p *Provider) Status(_ context.Context, ref domain.InvoiceReference) (*payment.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return nil, p.failWith
	}
	inv, ok := p.invoices[ref]
	if !ok {
		return nil, payment.NewProviderError(payment.ErrorNotFound, ProviderID, "invoice not found", nil)
	}
	return &payment.Status{
		Settled: inv.settled,
		Expired: !inv.settled && !p.now().Before(inv.expiresAt),
	}, nil
}

// Settle marks an invoice paid. Paying an expired invoice fails, as it would
// on a Lightning node.
func (p *Provider) Settle(ref domain.InvoiceReference) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invoices[ref]
	if !ok {
		return payment.NewProviderError(payment.ErrorNotFound, ProviderID, "invoice not found", nil)
	}
	if !inv.settled && !p.now().Before(inv.expiresAt) {
		return payment.NewProviderError(payment.ErrorBadData, ProviderID, "invoice expired", nil)
	}
	inv.settled = true
	return nil
}

// Memo returns the description the invoice was created with.
func (p *Provider) Memo(ref domain.InvoiceReference) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inv, ok := p.invoices[ref]; ok {
		return inv.memo
	}
	return ""
}

// FailWith makes every subsequent call return err; nil restores normal behavior.
func (p *Provider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}
