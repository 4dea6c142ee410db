// Package contract holds the behavioral checks every payment.Provider must pass.
package contract

import (
	"context"
	"fmt"
	"testing"

	"nip05/internal/payment"
	"nip05/pkg/domain"
)

// ProviderSuite runs the contract against one provider. Settle must make the
// provider report the invoice as paid, as a wallet paying it would.
type ProviderSuite struct {
	Provider   payment.Provider
	Settle     func(t *testing.T, ref domain.InvoiceReference)
	AmountSats int64
}

// Run executes every contract test.
func (s *ProviderSuite) Run(t *testing.T) {
	amount := s.AmountSats
	if amount == 0 {
		amount = 1000
	}
	ctx := context.Background()

	t.Run("created invoice is well formed", func(t *testing.T) {
		inv, err := s.Provider.CreateInvoice(ctx, amount, "NIP-05: alice@example.com")
		if err != nil {
			t.Fatalf("create invoice: %v", err)
		}
		if _, err := domain.ParseInvoiceReference(inv.Reference.String()); err != nil {
			t.Errorf("reference %q is not a payment hash: %v", inv.Reference, err)
		}
		if inv.PaymentRequest == "" {
			t.Error("payment request not set")
		}
		if inv.AmountSats != amount {
			t.Errorf("expected amount %d, got %d", amount, inv.AmountSats)
		}
	})

	t.Run("invoice settles only after payment", func(t *testing.T) {
		inv, err := s.Provider.CreateInvoice(ctx, amount, "NIP-05: bob@example.com")
		if err != nil {
			t.Fatalf("create invoice: %v", err)
		}
		st, err := s.Provider.Status(ctx, inv.Reference)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st.Settled {
			t.Fatal("fresh invoice reported settled")
		}

		s.Settle(t, inv.Reference)

		for i := range 2 {
			st, err = s.Provider.Status(ctx, inv.Reference)
			if err != nil {
				t.Fatalf("status call %d: %v", i, err)
			}
			if !st.Settled {
				t.Fatalf("status call %d: settled invoice reported unpaid", i)
			}
		}
	})

	t.Run("distinct invoices have distinct references", func(t *testing.T) {
		seen := make(map[domain.InvoiceReference]bool)
		for i := range 3 {
			inv, err := s.Provider.CreateInvoice(ctx, amount, fmt.Sprintf("NIP-05: user%d@example.com", i))
			if err != nil {
				t.Fatalf("create invoice: %v", err)
			}
			if seen[inv.Reference] {
				t.Fatalf("reference %s issued twice", inv.Reference)
			}
			seen[inv.Reference] = true
		}
	})
}

// ErrorContractTest validates that provider errors follow the taxonomy.
type ErrorContractTest struct {
	Name          string
	Call          func(ctx context.Context) error
	ExpectedError payment.ErrorCategory
	ExpectedRetry bool
}

func (ect *ErrorContractTest) Run(t *testing.T) {
	t.Run(ect.Name, func(t *testing.T) {
		err := ect.Call(context.Background())
		if err == nil {
			t.Fatal("expected error but got none")
		}
		if category := payment.GetCategory(err); category != ect.ExpectedError {
			t.Errorf("expected error category %s, got %s", ect.ExpectedError, category)
		}
		if retry := payment.IsRetryable(err); retry != ect.ExpectedRetry {
			t.Errorf("expected retryable=%v, got %v", ect.ExpectedRetry, retry)
		}
	})
}
