package reconciler

//go:generate mockgen -source=reconciler.go -destination=mocks/mocks.go -package=mocks PaymentProvider,AuditPublisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"nip05/internal/audit"
	ledgermodels "nip05/internal/ledger/models"
	ledgerservice "nip05/internal/ledger/service"
	"nip05/internal/ledger/store/memory"
	"nip05/internal/payment"
	"nip05/internal/reconciler/mocks"
	regmodels "nip05/internal/registry/models"
	regstore "nip05/internal/registry/store"
	"nip05/pkg/domain"
	dErrors "nip05/pkg/domain-errors"
)

const (
	alicePubkey = "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"
	otherPubkey = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	retention   = 15 * time.Minute
)

// =============================================================================
// Reconciler Test Suite
// =============================================================================
// The ledger and registry are the real in-memory implementations: the
// properties under test are their interleavings. Only the payment provider and
// the audit sink are mocked.

type ReconcilerSuite struct {
	suite.Suite
	ctx          context.Context
	now          time.Time
	seq          int
	ctrl         *gomock.Controller
	mockProvider *mocks.MockPaymentProvider
	mockAudit    *mocks.MockAuditPublisher
	registry     *regstore.Store
	ledger       *ledgerservice.Service
	reconciler   *Reconciler
}

func TestReconcilerSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}

func (s *ReconcilerSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s.ctrl = gomock.NewController(s.T())
	s.mockProvider = mocks.NewMockPaymentProvider(s.ctrl)
	s.mockAudit = mocks.NewMockAuditPublisher(s.ctrl)
	clock := func() time.Time { return s.now }
	s.registry = regstore.NewInMemory(regstore.WithClock(clock))
	s.ledger = ledgerservice.New(memory.New(), s.registry, ledgerservice.WithClock(clock))
	s.reconciler = s.newReconciler(s.registry)
}

func (s *ReconcilerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ReconcilerSuite) newReconciler(registry Registry) *Reconciler {
	r, err := New(s.ledger, registry, s.mockProvider,
		WithAuditPublisher(s.mockAudit),
		WithRetention(retention),
		WithClock(func() time.Time { return s.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.Require().NoError(err)
	return r
}

func (s *ReconcilerSuite) invoice(name domain.Identifier, pubkey string) *ledgermodels.PendingInvoice {
	s.seq++
	inv, err := s.ledger.Create(s.ctx, domain.InvoiceReference(fmt.Sprintf("%064x", s.seq)), name, pubkey, 1000, "lnbc10u1test")
	s.Require().NoError(err)
	return inv
}

func (s *ReconcilerSuite) state(ref domain.InvoiceReference) ledgermodels.State {
	inv, err := s.ledger.Get(s.ctx, ref)
	s.Require().NoError(err)
	return inv.State
}

func (s *ReconcilerSuite) expectStatus(ref domain.InvoiceReference, settled bool) *gomock.Call {
	return s.mockProvider.EXPECT().Status(gomock.Any(), ref).Return(&payment.Status{Settled: settled}, nil)
}

type actionMatcher audit.Action

func (m actionMatcher) Matches(x any) bool {
	e, ok := x.(audit.Event)
	return ok && e.Action == audit.Action(m)
}

func (m actionMatcher) String() string {
	return "audit event with action " + string(m)
}

func actionIs(action audit.Action) gomock.Matcher {
	return actionMatcher(action)
}

func (s *ReconcilerSuite) TestNew() {
	s.Run("nil ledger returns error", func() {
		_, err := New(nil, s.registry, s.mockProvider)
		s.ErrorContains(err, "ledger is required")
	})
	s.Run("nil registry returns error", func() {
		_, err := New(s.ledger, nil, s.mockProvider)
		s.ErrorContains(err, "registry is required")
	})
	s.Run("nil provider returns error", func() {
		_, err := New(s.ledger, s.registry, nil)
		s.ErrorContains(err, "payment provider is required")
	})
}

func (s *ReconcilerSuite) TestUnpaidInvoiceStaysPending() {
	inv := s.invoice("alice", alicePubkey)
	s.expectStatus(inv.Reference, false)

	res, err := s.reconciler.Reconcile(s.ctx, inv.Reference)
	s.Require().NoError(err)
	s.Equal(OutcomePending, res.Outcome)
	s.Equal(ledgermodels.StateAwaitingPayment, s.state(inv.Reference))
	s.Equal(0, s.registry.Count(s.ctx))
}

func (s *ReconcilerSuite) TestSettledInvoiceCommits() {
	inv := s.invoice("alice", alicePubkey)
	s.expectStatus(inv.Reference, true).Times(1)
	s.mockAudit.EXPECT().Emit(gomock.Any(), actionIs(audit.ActionRegistrationCommitted)).Return(nil).Times(1)

	res, err := s.reconciler.Reconcile(s.ctx, inv.Reference)
	s.Require().NoError(err)
	s.Equal(OutcomeCommitted, res.Outcome)
	s.Require().NotNil(res.Entry)
	s.Equal(alicePubkey, res.Entry.PublicKey)
	s.Equal(ledgermodels.StateCommitted, s.state(inv.Reference))

	s.Run("repeat polls are idempotent", func() {
		for range 3 {
			res, err := s.reconciler.Reconcile(s.ctx, inv.Reference)
			s.Require().NoError(err)
			s.Equal(OutcomeCommitted, res.Outcome)
		}
		s.Equal(1, s.registry.Count(s.ctx))
	})
}

func (s *ReconcilerSuite) TestProviderFailureLeavesInvoiceUntouched() {
	inv := s.invoice("alice", alicePubkey)
	s.mockProvider.EXPECT().Status(gomock.Any(), inv.Reference).
		Return(nil, payment.NewProviderError(payment.ErrorProviderOutage, "stub", "down", nil))

	_, err := s.reconciler.Reconcile(s.ctx, inv.Reference)
	s.True(dErrors.HasCode(err, dErrors.CodeProviderUnavailable))
	s.Equal(ledgermodels.StateAwaitingPayment, s.state(inv.Reference))
}

func (s *ReconcilerSuite) TestSettledInvoiceCommitsPastRetention() {
	inv := s.invoice("dave", alicePubkey)
	s.now = s.now.Add(retention + time.Minute)
	s.expectStatus(inv.Reference, true).Times(1)
	s.mockAudit.EXPECT().Emit(gomock.Any(), actionIs(audit.ActionRegistrationCommitted)).Return(nil)

	res, err := s.reconciler.Reconcile(s.ctx, inv.Reference)
	s.Require().NoError(err)
	s.Equal(OutcomeCommitted, res.Outcome, "a paid invoice is never expired")
	s.Equal(ledgermodels.StateCommitted, s.state(inv.Reference))

	entry, err := s.registry.LookupByIdentifier(s.ctx, "dave")
	s.Require().NoError(err)
	s.Equal(alicePubkey, entry.PublicKey)
}

func (s *ReconcilerSuite) TestUnpaidInvoiceExpiresPastRetention() {
	inv := s.invoice("carol", alicePubkey)
	s.now = s.now.Add(retention)
	s.expectStatus(inv.Reference, false).Times(1)

	res, err := s.reconciler.Reconcile(s.ctx, inv.Reference)
	s.Require().NoError(err)
	s.Equal(OutcomeExpired, res.Outcome)
	s.Equal(ledgermodels.StateExpired, s.state(inv.Reference))

	res, err = s.reconciler.Reconcile(s.ctx, inv.Reference)
	s.Require().NoError(err)
	s.Equal(OutcomeExpired, res.Outcome, "expired invoices are answered from the ledger")
}

func (s *ReconcilerSuite) TestProviderExpiryEndsInvoiceEarly() {
	inv := s.invoice("carol", alicePubkey)
	s.mockProvider.EXPECT().Status(gomock.Any(), inv.Reference).Return(&payment.Status{Expired: true}, nil)

	res, err := s.reconciler.Reconcile(s.ctx, inv.Reference)
	s.Require().NoError(err)
	s.Equal(OutcomeExpired, res.Outcome)
	s.Equal(ledgermodels.StateExpired, s.state(inv.Reference))
}

func (s *ReconcilerSuite) TestProviderFailurePastRetentionDoesNotExpire() {
	inv := s.invoice("carol", alicePubkey)
	s.now = s.now.Add(2 * retention)
	s.mockProvider.EXPECT().Status(gomock.Any(), inv.Reference).
		Return(nil, payment.NewProviderError(payment.ErrorTimeout, "stub", "slow", nil))

	_, err := s.reconciler.Reconcile(s.ctx, inv.Reference)
	s.True(dErrors.HasCode(err, dErrors.CodeProviderUnavailable))
	s.Equal(ledgermodels.StateAwaitingPayment, s.state(inv.Reference), "expiry waits for an unsettled answer")
}

func (s *ReconcilerSuite) TestLostRaceReportsConflictOnce() {
	inv := s.invoice("bob", alicePubkey)
	_, err := s.registry.Commit(s.ctx, "bob", otherPubkey)
	s.Require().NoError(err)

	s.expectStatus(inv.Reference, true).Times(1)
	s.mockAudit.EXPECT().Emit(gomock.Any(), actionIs(audit.ActionRegistrationConflict)).
		DoAndReturn(func(_ context.Context, e audit.Event) error {
			s.Equal("bob", e.Identifier)
			s.Equal(inv.Reference.String(), e.Reference)
			s.Equal(int64(1000), e.AmountSats)
			return nil
		}).Times(1)

	for range 3 {
		_, err := s.reconciler.Reconcile(s.ctx, inv.Reference)
		s.True(dErrors.HasCode(err, dErrors.CodeRegistrationConflict))
	}
	s.Equal(ledgermodels.StateConflicted, s.state(inv.Reference))

	entry, err := s.registry.LookupByIdentifier(s.ctx, "bob")
	s.Require().NoError(err)
	s.Equal(otherPubkey, entry.PublicKey, "the registry keeps the earlier binding")
}

func (s *ReconcilerSuite) TestResumesCommitInterruptedBeforeMark() {
	inv := s.invoice("alice", alicePubkey)
	s.Require().NoError(s.ledger.MarkPaid(s.ctx, inv.Reference))
	_, err := s.registry.CommitPaid(s.ctx, "alice", alicePubkey, inv.Reference)
	s.Require().NoError(err)
	s.mockAudit.EXPECT().Emit(gomock.Any(), actionIs(audit.ActionRegistrationCommitted)).Return(nil)

	res, err := s.reconciler.Reconcile(s.ctx, inv.Reference)
	s.Require().NoError(err)
	s.Equal(OutcomeCommitted, res.Outcome)
	s.Equal(ledgermodels.StateCommitted, s.state(inv.Reference))
	s.Equal(1, s.registry.Count(s.ctx))
}

func (s *ReconcilerSuite) TestDirectRegistrationWithPayerKeyIsConflict() {
	inv := s.invoice("bob", alicePubkey)
	s.Require().NoError(s.ledger.MarkPaid(s.ctx, inv.Reference))
	_, err := s.registry.Commit(s.ctx, "bob", alicePubkey)
	s.Require().NoError(err)
	s.mockAudit.EXPECT().Emit(gomock.Any(), actionIs(audit.ActionRegistrationConflict)).Return(nil)

	_, err = s.reconciler.Reconcile(s.ctx, inv.Reference)
	s.True(dErrors.HasCode(err, dErrors.CodeRegistrationConflict), "same key does not make the direct entry ours")
	s.Equal(ledgermodels.StateConflicted, s.state(inv.Reference))
}

// flakyRegistry fails the first n commits.
type flakyRegistry struct {
	*regstore.Store
	failures atomic.Int32
}

func (f *flakyRegistry) CommitPaid(ctx context.Context, name domain.Identifier, hexKey string, ref domain.InvoiceReference) (*regmodels.Entry, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: disk full", regstore.ErrStorage)
	}
	return f.Store.CommitPaid(ctx, name, hexKey, ref)
}

func (s *ReconcilerSuite) TestStorageFailureIsRetryable() {
	flaky := &flakyRegistry{Store: s.registry}
	flaky.failures.Store(1)
	r := s.newReconciler(flaky)

	inv := s.invoice("alice", alicePubkey)
	s.expectStatus(inv.Reference, true).Times(1)

	_, err := r.Reconcile(s.ctx, inv.Reference)
	s.True(dErrors.HasCode(err, dErrors.CodeStorageFailure))
	s.ErrorIs(err, regstore.ErrStorage)
	s.Equal(ledgermodels.StatePaid, s.state(inv.Reference), "payment is recorded even though the commit failed")

	s.mockAudit.EXPECT().Emit(gomock.Any(), actionIs(audit.ActionRegistrationCommitted)).Return(nil)
	res, err := r.Reconcile(s.ctx, inv.Reference)
	s.Require().NoError(err)
	s.Equal(OutcomeCommitted, res.Outcome)
}

func (s *ReconcilerSuite) TestConcurrentPollsCommitOnce() {
	inv := s.invoice("alice", alicePubkey)
	s.mockProvider.EXPECT().Status(gomock.Any(), inv.Reference).Return(&payment.Status{Settled: true}, nil).MinTimes(1)
	s.mockAudit.EXPECT().Emit(gomock.Any(), actionIs(audit.ActionRegistrationCommitted)).Return(nil).Times(1)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.reconciler.Reconcile(s.ctx, inv.Reference)
			if err == nil && res.Outcome != OutcomeCommitted {
				err = fmt.Errorf("unexpected outcome %s", res.Outcome)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}
	s.Equal(1, s.registry.Count(s.ctx))
}

func (s *ReconcilerSuite) TestAuditFailureDoesNotFailCommit() {
	inv := s.invoice("alice", alicePubkey)
	s.expectStatus(inv.Reference, true)
	s.mockAudit.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))

	res, err := s.reconciler.Reconcile(s.ctx, inv.Reference)
	s.Require().NoError(err)
	s.Equal(OutcomeCommitted, res.Outcome)
}

func (s *ReconcilerSuite) TestUnknownReference() {
	_, err := s.reconciler.Reconcile(s.ctx, domain.InvoiceReference(fmt.Sprintf("%064x", 999)))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ReconcilerSuite) TestCanceledCallerDoesNotAbortReconcile() {
	inv := s.invoice("alice", alicePubkey)
	s.expectStatus(inv.Reference, true)
	s.mockAudit.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(nil)

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	res, err := s.reconciler.Reconcile(ctx, inv.Reference)
	s.Require().NoError(err)
	s.Equal(OutcomeCommitted, res.Outcome)
}
