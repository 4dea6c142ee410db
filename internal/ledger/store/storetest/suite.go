// Package storetest is the behavioral suite every ledger store must pass.
package storetest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"

	"nip05/internal/ledger/models"
	"nip05/pkg/domain"
	"nip05/pkg/platform/sentinel"
)

// Store mirrors the ledger service's store contract.
type Store interface {
	InsertIfNoActive(ctx context.Context, inv *models.PendingInvoice) error
	FindByReference(ctx context.Context, ref domain.InvoiceReference) (*models.PendingInvoice, error)
	FindActiveByKey(ctx context.Context, key string) (*models.PendingInvoice, error)
	CompareAndSwapState(ctx context.Context, ref domain.InvoiceReference, from, to models.State, now time.Time) (bool, error)
	ListAwaitingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.InvoiceReference, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

const PublicKey = "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"

// Suite runs against the store returned by NewStore, called once per test.
type Suite struct {
	suite.Suite
	NewStore func() Store

	Store Store
	Ctx   context.Context
	Now   time.Time
	seq   atomic.Int64
}

func (s *Suite) SetupTest() {
	s.Store = s.NewStore()
	s.Ctx = context.Background()
	s.Now = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
}

// Ref returns a fresh, valid payment hash.
func (s *Suite) Ref() domain.InvoiceReference {
	sum := sha256.Sum256(fmt.Appendf(nil, "ref-%d-%d", time.Now().UnixNano(), s.seq.Add(1)))
	return domain.InvoiceReference(hex.EncodeToString(sum[:]))
}

func (s *Suite) Invoice(name domain.Identifier, createdAt time.Time) *models.PendingInvoice {
	inv, err := models.NewPendingInvoice(s.Ref(), name, PublicKey, 100, "lnbc1000n1test", createdAt)
	s.Require().NoError(err)
	return inv
}

func (s *Suite) TestInsertAndFind() {
	inv := s.Invoice("alice", s.Now)
	s.Require().NoError(s.Store.InsertIfNoActive(s.Ctx, inv))

	found, err := s.Store.FindByReference(s.Ctx, inv.Reference)
	s.Require().NoError(err)
	s.Equal(inv.Identifier, found.Identifier)
	s.Equal(inv.PublicKey, found.PublicKey)
	s.Equal(inv.AmountSats, found.AmountSats)
	s.Equal(inv.PaymentRequest, found.PaymentRequest)
	s.Equal(models.StateAwaitingPayment, found.State)
	s.True(inv.CreatedAt.Equal(found.CreatedAt))

	active, err := s.Store.FindActiveByKey(s.Ctx, "alice")
	s.Require().NoError(err)
	s.Equal(inv.Reference, active.Reference)

	_, err = s.Store.FindByReference(s.Ctx, s.Ref())
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.Store.FindActiveByKey(s.Ctx, "nobody")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *Suite) TestOneActiveInvoicePerIdentifier() {
	first := s.Invoice("Bob", s.Now)
	s.Require().NoError(s.Store.InsertIfNoActive(s.Ctx, first))

	s.Run("same key rejected while active", func() {
		err := s.Store.InsertIfNoActive(s.Ctx, s.Invoice("bob", s.Now))
		s.ErrorIs(err, sentinel.ErrAlreadyExists)
	})

	s.Run("duplicate reference rejected", func() {
		dup := s.Invoice("someone", s.Now)
		dup.Reference = first.Reference
		s.ErrorIs(s.Store.InsertIfNoActive(s.Ctx, dup), sentinel.ErrAlreadyExists)
	})

	s.Run("still blocked while PAID", func() {
		ok, err := s.Store.CompareAndSwapState(s.Ctx, first.Reference, models.StateAwaitingPayment, models.StatePaid, s.Now)
		s.Require().NoError(err)
		s.Require().True(ok)
		s.ErrorIs(s.Store.InsertIfNoActive(s.Ctx, s.Invoice("bob", s.Now)), sentinel.ErrAlreadyExists)
	})

	s.Run("free again once terminal", func() {
		ok, err := s.Store.CompareAndSwapState(s.Ctx, first.Reference, models.StatePaid, models.StateConflicted, s.Now)
		s.Require().NoError(err)
		s.Require().True(ok)
		s.NoError(s.Store.InsertIfNoActive(s.Ctx, s.Invoice("BOB", s.Now)))
	})
}

func (s *Suite) TestConcurrentInsertExactlyOneWins() {
	const writers = 16
	var (
		wg      sync.WaitGroup
		wins    atomic.Int32
		pending atomic.Int32
	)
	invoices := make([]*models.PendingInvoice, writers)
	for i := range invoices {
		invoices[i] = s.Invoice("carol", s.Now)
	}
	start := make(chan struct{})
	for _, inv := range invoices {
		wg.Add(1)
		go func(inv *models.PendingInvoice) {
			defer wg.Done()
			<-start
			err := s.Store.InsertIfNoActive(s.Ctx, inv)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, sentinel.ErrAlreadyExists):
				pending.Add(1)
			}
		}(inv)
	}
	close(start)
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(writers-1), pending.Load())
}

func (s *Suite) TestCompareAndSwapState() {
	inv := s.Invoice("dave", s.Now)
	s.Require().NoError(s.Store.InsertIfNoActive(s.Ctx, inv))
	later := s.Now.Add(time.Minute)

	ok, err := s.Store.CompareAndSwapState(s.Ctx, inv.Reference, models.StateAwaitingPayment, models.StatePaid, later)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.Store.CompareAndSwapState(s.Ctx, inv.Reference, models.StateAwaitingPayment, models.StateExpired, later)
	s.Require().NoError(err)
	s.False(ok, "stale expected state loses")

	found, err := s.Store.FindByReference(s.Ctx, inv.Reference)
	s.Require().NoError(err)
	s.Equal(models.StatePaid, found.State)
	s.True(later.Equal(found.UpdatedAt))

	_, err = s.Store.CompareAndSwapState(s.Ctx, s.Ref(), models.StatePaid, models.StateCommitted, later)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *Suite) TestConcurrentSwapSingleWinner() {
	inv := s.Invoice("erin", s.Now)
	s.Require().NoError(s.Store.InsertIfNoActive(s.Ctx, inv))
	_, err := s.Store.CompareAndSwapState(s.Ctx, inv.Reference, models.StateAwaitingPayment, models.StatePaid, s.Now)
	s.Require().NoError(err)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Store.CompareAndSwapState(s.Ctx, inv.Reference, models.StatePaid, models.StateConflicted, s.Now)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
}

func (s *Suite) TestListAwaitingBefore() {
	older := s.Invoice("older", s.Now.Add(-3*time.Hour))
	old := s.Invoice("old", s.Now.Add(-2*time.Hour))
	paid := s.Invoice("paidold", s.Now.Add(-2*time.Hour))
	fresh := s.Invoice("fresh", s.Now)
	for _, inv := range []*models.PendingInvoice{old, older, paid, fresh} {
		s.Require().NoError(s.Store.InsertIfNoActive(s.Ctx, inv))
	}
	_, err := s.Store.CompareAndSwapState(s.Ctx, paid.Reference, models.StateAwaitingPayment, models.StatePaid, s.Now)
	s.Require().NoError(err)

	refs, err := s.Store.ListAwaitingBefore(s.Ctx, s.Now.Add(-time.Hour), 10)
	s.Require().NoError(err)
	s.Equal([]domain.InvoiceReference{older.Reference, old.Reference}, refs, "oldest first, paid and fresh excluded")

	refs, err = s.Store.ListAwaitingBefore(s.Ctx, s.Now.Add(-time.Hour), 1)
	s.Require().NoError(err)
	s.Equal([]domain.InvoiceReference{older.Reference}, refs)

	for _, inv := range []*models.PendingInvoice{older, old, fresh} {
		found, err := s.Store.FindByReference(s.Ctx, inv.Reference)
		s.Require().NoError(err)
		s.Equal(models.StateAwaitingPayment, found.State, "listing never changes state")
	}

	_, err = s.Store.CompareAndSwapState(s.Ctx, older.Reference, models.StateAwaitingPayment, models.StateExpired, s.Now)
	s.Require().NoError(err)
	refs, err = s.Store.ListAwaitingBefore(s.Ctx, s.Now.Add(-time.Hour), 10)
	s.Require().NoError(err)
	s.Equal([]domain.InvoiceReference{old.Reference}, refs)
	s.NoError(s.Store.InsertIfNoActive(s.Ctx, s.Invoice("older", s.Now)), "expired invoice releases the identifier")
}

func (s *Suite) TestDeleteTerminalBefore() {
	done := s.Invoice("done", s.Now.Add(-48*time.Hour))
	open := s.Invoice("open", s.Now.Add(-48*time.Hour))
	s.Require().NoError(s.Store.InsertIfNoActive(s.Ctx, done))
	s.Require().NoError(s.Store.InsertIfNoActive(s.Ctx, open))
	_, err := s.Store.CompareAndSwapState(s.Ctx, done.Reference, models.StateAwaitingPayment, models.StateExpired, s.Now.Add(-47*time.Hour))
	s.Require().NoError(err)

	n, err := s.Store.DeleteTerminalBefore(s.Ctx, s.Now.Add(-24*time.Hour))
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.Store.FindByReference(s.Ctx, done.Reference)
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.Store.FindByReference(s.Ctx, open.Reference)
	s.NoError(err, "active invoices are never purged")
}
