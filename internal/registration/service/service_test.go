package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nip05/internal/audit"
	"nip05/internal/identity"
	ledgerservice "nip05/internal/ledger/service"
	"nip05/internal/ledger/store/memory"
	"nip05/internal/payment"
	"nip05/internal/payment/memprovider"
	"nip05/internal/reconciler"
	regstore "nip05/internal/registry/store"
	"nip05/pkg/domain"
	dErrors "nip05/pkg/domain-errors"
	"nip05/pkg/testutil"
)

const (
	testDomain  = "example.com"
	alicePubkey = "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"
	aliceNpub   = "npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg"
	bobPubkey   = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	retention   = 15 * time.Minute
)

// harness wires the real components with an in-process payment provider.
type harness struct {
	now      time.Time
	registry *regstore.Store
	provider *memprovider.Provider
	audit    *audit.MemoryStore
	svc      *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h.registry = regstore.NewInMemory(regstore.WithClock(clock))
	h.provider = memprovider.New(memprovider.WithClock(clock), memprovider.WithInvoiceExpiry(5*time.Minute))
	h.audit = audit.NewMemoryStore()
	publisher := audit.NewPublisher(h.audit, audit.WithLogger(logger))

	ledger := ledgerservice.New(memory.New(), h.registry, ledgerservice.WithClock(clock))
	rec, err := reconciler.New(ledger, h.registry, h.provider,
		reconciler.WithRetention(retention),
		reconciler.WithClock(clock),
		reconciler.WithAuditPublisher(publisher),
		reconciler.WithLogger(logger),
	)
	require.NoError(t, err)

	h.svc, err = New(h.registry, ledger, rec, h.provider,
		Config{Domain: testDomain, AmountSats: 1000, Retention: retention},
		WithLogger(logger),
		WithAuditPublisher(publisher),
	)
	require.NoError(t, err)
	return h
}

func TestAliceRegistersByPaying(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var inv *Invoice

	testutil.Given(t, "a free name and a valid npub", func(t *testing.T) {
		available, err := h.svc.CheckAvailability(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, available)

		check, err := h.svc.CheckPublicKey(ctx, aliceNpub)
		require.NoError(t, err)
		assert.Equal(t, alicePubkey, check.Hex)
		assert.False(t, check.AlreadyRegistered)
	})

	testutil.When(t, "alice requests an invoice", func(t *testing.T) {
		var err error
		inv, err = h.svc.CreateInvoice(ctx, "alice", aliceNpub)
		require.NoError(t, err)
		assert.Equal(t, InvoiceCreated, inv.Status)
		assert.Equal(t, int64(1000), inv.AmountSats)
		assert.Equal(t, alicePubkey, inv.PublicKey)
		assert.Equal(t, "NIP-05: alice@example.com", h.provider.Memo(inv.Reference))

		available, err := h.svc.CheckAvailability(ctx, "ALICE")
		require.NoError(t, err)
		assert.False(t, available, "a pending invoice holds the name")
	})

	testutil.Then(t, "polling before payment reports pending", func(t *testing.T) {
		res, err := h.svc.CheckPayment(ctx, inv.Reference.String(), "alice", "")
		require.NoError(t, err)
		assert.Equal(t, reconciler.OutcomePending, res.Status)
		assert.False(t, res.Paid())
	})

	testutil.Then(t, "polling after payment commits the name", func(t *testing.T) {
		require.NoError(t, h.provider.Settle(inv.Reference))

		res, err := h.svc.CheckPayment(ctx, inv.Reference.String(), "alice", aliceNpub)
		require.NoError(t, err)
		assert.True(t, res.Paid())
		assert.Equal(t, "alice@example.com", res.Address)

		assert.Equal(t, map[string]string{"alice": alicePubkey}, h.svc.Document(ctx, "").Names)
		assert.Len(t, h.audit.ByAction(audit.ActionRegistrationCommitted), 1)

		check, err := h.svc.CheckPublicKey(ctx, alicePubkey)
		require.NoError(t, err)
		assert.True(t, check.AlreadyRegistered)
	})

	testutil.Then(t, "the name appears masked in the latest feed", func(t *testing.T) {
		latest := h.svc.LatestRegistrations(ctx, 5)
		require.Len(t, latest, 1)
		assert.Equal(t, "***ce@example.com", latest[0].Address)
		assert.Contains(t, latest[0].Npub, "********")
	})
}

func TestBobLosesRaceToDirectRegistration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bobNpub := npubOf(t, bobPubkey)

	inv, err := h.svc.CreateInvoice(ctx, "bob", bobNpub)
	require.NoError(t, err)
	require.NoError(t, h.provider.Settle(inv.Reference))

	testutil.Given(t, "an admin binds bob to another key before bob polls", func(t *testing.T) {
		_, err := h.svc.RegisterDirect(ctx, "Bob", aliceNpub)
		require.NoError(t, err)
	})

	testutil.Then(t, "every poll reports the conflict", func(t *testing.T) {
		for range 3 {
			_, err := h.svc.CheckPayment(ctx, inv.Reference.String(), "", "")
			assert.True(t, dErrors.HasCode(err, dErrors.CodeRegistrationConflict))
		}
	})

	testutil.Then(t, "the conflict is audited exactly once", func(t *testing.T) {
		events := h.audit.ByAction(audit.ActionRegistrationConflict)
		require.Len(t, events, 1)
		assert.Equal(t, inv.Reference.String(), events[0].Reference)
		assert.Equal(t, bobPubkey, events[0].PublicKey)
	})

	testutil.Then(t, "the registry keeps the direct binding", func(t *testing.T) {
		assert.Equal(t, map[string]string{"Bob": alicePubkey}, h.svc.Document(ctx, "").Names)
	})
}

// raceDirectAgainstPaidPoll settles an invoice for bob, then runs an admin
// direct registration and the payer's poll at the same moment.
func raceDirectAgainstPaidPoll(t *testing.T, directKey string) {
	t.Helper()
	const rounds = 50
	ctx := context.Background()
	bobNpub := npubOf(t, bobPubkey)

	for range rounds {
		h := newHarness(t)
		inv, err := h.svc.CreateInvoice(ctx, "bob", bobNpub)
		require.NoError(t, err)
		require.NoError(t, h.provider.Settle(inv.Reference))

		var (
			wg        sync.WaitGroup
			start     = make(chan struct{})
			directErr error
			pollErr   error
			poll      *PaymentCheck
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, directErr = h.svc.RegisterDirect(ctx, "bob", directKey)
		}()
		go func() {
			defer wg.Done()
			<-start
			poll, pollErr = h.svc.CheckPayment(ctx, inv.Reference.String(), "", "")
		}()
		close(start)
		wg.Wait()

		switch {
		case directErr == nil:
			assert.True(t, dErrors.HasCode(pollErr, dErrors.CodeRegistrationConflict), "poll after direct win: %v", pollErr)
		case pollErr == nil:
			assert.True(t, poll.Paid())
			assert.True(t, dErrors.HasCode(directErr, dErrors.CodeIdentifierTaken), "direct after paid win: %v", directErr)
		default:
			t.Fatalf("both callers failed: direct=%v poll=%v", directErr, pollErr)
		}
		assert.Equal(t, 1, h.registry.Count(ctx))
	}
}

func TestDirectRegistrationRacesPaidInvoice(t *testing.T) {
	t.Run("different key", func(t *testing.T) {
		raceDirectAgainstPaidPoll(t, aliceNpub)
	})
	t.Run("same key as the payer", func(t *testing.T) {
		raceDirectAgainstPaidPoll(t, bobPubkey)
	})
}

func TestDaveSettlesInTimeButPollsLate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	daveNpub := npubOf(t, bobPubkey)

	inv, err := h.svc.CreateInvoice(ctx, "dave", daveNpub)
	require.NoError(t, err)

	testutil.Given(t, "dave pays four minutes in", func(t *testing.T) {
		h.now = h.now.Add(4 * time.Minute)
		require.NoError(t, h.provider.Settle(inv.Reference))
	})

	testutil.When(t, "dave first polls after retention has passed", func(t *testing.T) {
		h.now = h.now.Add(12 * time.Minute)
		res, err := h.svc.CheckPayment(ctx, inv.Reference.String(), "dave", "")
		require.NoError(t, err)
		assert.Equal(t, reconciler.OutcomeCommitted, res.Status)
	})

	testutil.Then(t, "the name is registered to dave", func(t *testing.T) {
		entry, err := h.registry.LookupByIdentifier(ctx, "dave")
		require.NoError(t, err)
		assert.Equal(t, bobPubkey, entry.PublicKey)
	})
}

func TestExpireStaleAsksProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	unpaid, err := h.svc.CreateInvoice(ctx, "erin", aliceNpub)
	require.NoError(t, err)
	paid, err := h.svc.CreateInvoice(ctx, "frank", bobPubkey)
	require.NoError(t, err)
	fresh, err := h.svc.CreateInvoice(ctx, "gina", bobPubkey)
	require.NoError(t, err)
	h.now = h.now.Add(4 * time.Minute)
	require.NoError(t, h.provider.Settle(paid.Reference))

	h.now = h.now.Add(retention)
	freshAgain, err := h.svc.CreateInvoice(ctx, "gina", bobPubkey)
	require.NoError(t, err)
	require.NotEqual(t, fresh.Reference, freshAgain.Reference, "gina's first invoice expired at the provider")

	n, err := h.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the unpaid invoice is expired")

	available, err := h.svc.CheckAvailability(ctx, "erin")
	require.NoError(t, err)
	assert.True(t, available)

	entry, err := h.registry.LookupByIdentifier(ctx, "frank")
	require.NoError(t, err, "the settled invoice is committed, not expired")
	assert.Equal(t, bobPubkey, entry.PublicKey)

	res, err := h.svc.CheckPayment(ctx, unpaid.Reference.String(), "", "")
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeExpired, res.Status)

	n, err = h.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpireStaleLeavesInvoiceWhenProviderDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.CreateInvoice(ctx, "erin", aliceNpub)
	require.NoError(t, err)

	h.now = h.now.Add(retention)
	h.provider.FailWith(payment.NewProviderError(payment.ErrorProviderOutage, "memory", "down", nil))
	n, err := h.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	available, err := h.svc.CheckAvailability(ctx, "erin")
	require.NoError(t, err)
	assert.False(t, available, "the claim stands until the provider answers")
}

func TestCarolInvoiceExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	carolNpub := npubOf(t, bobPubkey)

	inv, err := h.svc.CreateInvoice(ctx, "carol", carolNpub)
	require.NoError(t, err)

	testutil.When(t, "carol never pays and retention passes", func(t *testing.T) {
		h.now = h.now.Add(retention)

		res, err := h.svc.CheckPayment(ctx, inv.Reference.String(), "carol", "")
		require.NoError(t, err)
		assert.Equal(t, reconciler.OutcomeExpired, res.Status)
	})

	testutil.Then(t, "the provider refuses late payment", func(t *testing.T) {
		assert.Equal(t, payment.ErrorBadData, payment.GetCategory(h.provider.Settle(inv.Reference)))
	})

	testutil.Then(t, "the name is free again", func(t *testing.T) {
		available, err := h.svc.CheckAvailability(ctx, "carol")
		require.NoError(t, err)
		assert.True(t, available)

		again, err := h.svc.CreateInvoice(ctx, "carol", carolNpub)
		require.NoError(t, err)
		assert.NotEqual(t, inv.Reference, again.Reference)
		assert.Equal(t, 0, h.registry.Count(ctx))
	})
}

func TestCreateInvoice(t *testing.T) {
	ctx := context.Background()

	t.Run("same name and key reuse the open invoice", func(t *testing.T) {
		h := newHarness(t)
		first, err := h.svc.CreateInvoice(ctx, "alice", aliceNpub)
		require.NoError(t, err)
		second, err := h.svc.CreateInvoice(ctx, "alice", alicePubkey)
		require.NoError(t, err)
		assert.Equal(t, first.Reference, second.Reference)
		assert.Equal(t, InvoicePending, second.Status)
	})

	t.Run("same name and key learn the open invoice was paid", func(t *testing.T) {
		h := newHarness(t)
		first, err := h.svc.CreateInvoice(ctx, "alice", aliceNpub)
		require.NoError(t, err)
		require.NoError(t, h.provider.Settle(first.Reference))

		second, err := h.svc.CreateInvoice(ctx, "alice", aliceNpub)
		require.NoError(t, err)
		assert.Equal(t, first.Reference, second.Reference)
		assert.Equal(t, InvoiceAlreadyPaid, second.Status)
		assert.Equal(t, 1, h.registry.Count(ctx), "the settled invoice was committed on the way")
		assert.False(t, second.PublicKeyInUse, "the key is bound to this very name")
	})

	t.Run("provider outage answers from the ledger", func(t *testing.T) {
		h := newHarness(t)
		first, err := h.svc.CreateInvoice(ctx, "alice", aliceNpub)
		require.NoError(t, err)
		h.provider.FailWith(payment.NewProviderError(payment.ErrorProviderOutage, "memory", "down", nil))

		second, err := h.svc.CreateInvoice(ctx, "alice", aliceNpub)
		require.NoError(t, err)
		assert.Equal(t, first.Reference, second.Reference)
		assert.Equal(t, InvoicePending, second.Status)
	})

	t.Run("an unpaid invoice past retention releases the name", func(t *testing.T) {
		h := newHarness(t)
		first, err := h.svc.CreateInvoice(ctx, "alice", aliceNpub)
		require.NoError(t, err)
		h.now = h.now.Add(retention)

		second, err := h.svc.CreateInvoice(ctx, "alice", bobPubkey)
		require.NoError(t, err)
		assert.Equal(t, InvoiceCreated, second.Status)
		assert.NotEqual(t, first.Reference, second.Reference)
	})

	t.Run("another key is told the name is taken once the open invoice is paid", func(t *testing.T) {
		h := newHarness(t)
		first, err := h.svc.CreateInvoice(ctx, "alice", aliceNpub)
		require.NoError(t, err)
		require.NoError(t, h.provider.Settle(first.Reference))

		_, err = h.svc.CreateInvoice(ctx, "alice", bobPubkey)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeIdentifierTaken))
	})

	t.Run("another key is told the name is pending", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.CreateInvoice(ctx, "alice", aliceNpub)
		require.NoError(t, err)
		_, err = h.svc.CreateInvoice(ctx, "Alice", bobPubkey)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAlreadyPending))
	})

	t.Run("registered name never reaches the provider", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.RegisterDirect(ctx, "alice", aliceNpub)
		require.NoError(t, err)
		h.provider.FailWith(payment.NewProviderError(payment.ErrorInternal, "memory", "must not be called", nil))

		_, err = h.svc.CreateInvoice(ctx, "alice", bobPubkey)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeIdentifierTaken))
	})

	t.Run("key already bound elsewhere is flagged", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.RegisterDirect(ctx, "alice", aliceNpub)
		require.NoError(t, err)

		inv, err := h.svc.CreateInvoice(ctx, "alice2", aliceNpub)
		require.NoError(t, err)
		assert.True(t, inv.PublicKeyInUse)
	})

	t.Run("provider outage", func(t *testing.T) {
		h := newHarness(t)
		h.provider.FailWith(payment.NewProviderError(payment.ErrorProviderOutage, "memory", "down", nil))
		_, err := h.svc.CreateInvoice(ctx, "alice", aliceNpub)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeProviderUnavailable))

		available, err := h.svc.CheckAvailability(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, available, "a failed provider call leaves no claim behind")
	})

	t.Run("input validation", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.CreateInvoice(ctx, "al ice", aliceNpub)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))

		corrupted := aliceNpub[:len(aliceNpub)-1] + "q"
		_, err = h.svc.CreateInvoice(ctx, "alice", corrupted)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidEncoding))
	})
}

func TestCheckPaymentOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv, err := h.svc.CreateInvoice(ctx, "alice", aliceNpub)
	require.NoError(t, err)

	_, err = h.svc.CheckPayment(ctx, inv.Reference.String(), "mallory", "")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))

	_, err = h.svc.CheckPayment(ctx, inv.Reference.String(), "alice", bobPubkey)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))

	_, err = h.svc.CheckPayment(ctx, "not-a-hash", "", "")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))

	_, err = h.svc.CheckPayment(ctx, domain.InvoiceReference(alicePubkey).String(), "", "")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestAdminOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entry, err := h.svc.RegisterDirect(ctx, "alice", aliceNpub)
	require.NoError(t, err)
	assert.Equal(t, alicePubkey, entry.PublicKey)

	_, err = h.svc.RegisterDirect(ctx, "ALICE", bobPubkey)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeIdentifierTaken))

	require.NoError(t, h.svc.RemoveName(ctx, "Alice"))
	assert.True(t, dErrors.HasCode(h.svc.RemoveName(ctx, "alice"), dErrors.CodeNotFound))

	assert.Len(t, h.audit.ByAction(audit.ActionDirectRegistration), 1)
	assert.Len(t, h.audit.ByAction(audit.ActionNameRemoved), 1)
}

func TestDocumentFilter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.RegisterDirect(ctx, "Alice", aliceNpub)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"alice": alicePubkey}, h.svc.Document(ctx, "alice").Names)
	assert.Empty(t, h.svc.Document(ctx, "bob").Names)
	assert.Empty(t, h.svc.Document(ctx, "../etc").Names)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.RegisterDirect(ctx, "alice", aliceNpub)
	require.NoError(t, err)

	health := h.svc.Health(ctx)
	assert.True(t, health.Healthy)
	assert.Equal(t, 1, health.Registered)
	assert.Equal(t, testDomain, health.Domain)
}

func TestNewValidatesConfig(t *testing.T) {
	h := newHarness(t)
	_, err := New(h.registry, nil, nil, h.provider, Config{Domain: testDomain, AmountSats: 1, Retention: time.Minute})
	assert.Error(t, err)
}

func npubOf(t *testing.T, hexKey string) string {
	t.Helper()
	pk, err := identity.ParseHex(hexKey)
	require.NoError(t, err)
	return identity.Encode(pk)
}
