// Package service owns the invoice ledger: every pending invoice and every state
// change of one goes through here.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nip05/internal/ledger/models"
	"nip05/internal/platform/metrics"
	regmodels "nip05/internal/registry/models"
	"nip05/pkg/domain"
	dErrors "nip05/pkg/domain-errors"
	"nip05/pkg/platform/sentinel"
	"nip05/pkg/requestcontext"
)

// ErrAlreadyTerminal is returned when a transition targets an invoice that has
// already reached COMMITTED, EXPIRED or CONFLICTED.
var ErrAlreadyTerminal = fmt.Errorf("%w: invoice already terminal", sentinel.ErrInvalidState)

// Store persists invoices. InsertIfNoActive must be atomic: it fails with
// sentinel.ErrAlreadyExists when an active invoice holds the identifier Key.
// ListAwaitingBefore returns awaiting invoices with created_at <= cutoff, oldest first.
type Store interface {
	InsertIfNoActive(ctx context.Context, inv *models.PendingInvoice) error
	FindByReference(ctx context.Context, ref domain.InvoiceReference) (*models.PendingInvoice, error)
	FindActiveByKey(ctx context.Context, key string) (*models.PendingInvoice, error)
	CompareAndSwapState(ctx context.Context, ref domain.InvoiceReference, from, to models.State, now time.Time) (bool, error)
	ListAwaitingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.InvoiceReference, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// RegistryReader is the read side of the name registry.
type RegistryReader interface {
	LookupByIdentifier(ctx context.Context, name domain.Identifier) (*regmodels.Entry, error)
}

type Service struct {
	store    Store
	registry RegistryReader
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock pins the time source. Without it the request time from context is used.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.clock = now
	}
}

func New(store Store, registry RegistryReader, opts ...Option) *Service {
	s := &Service{store: store, registry: registry, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) now(ctx context.Context) time.Time {
	if s.clock != nil {
		return s.clock().UTC()
	}
	return requestcontext.Now(ctx).UTC()
}

// CheckCreatable runs the Create preconditions without inserting, so a doomed
// request never reaches the payment provider.
func (s *Service) CheckCreatable(ctx context.Context, identifier domain.Identifier) error {
	if _, err := s.registry.LookupByIdentifier(ctx, identifier); err == nil {
		return dErrors.New(dErrors.CodeIdentifierTaken, "this NIP-05 identifier is already registered")
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to read registry")
	}

	if _, err := s.store.FindActiveByKey(ctx, identifier.Key()); err == nil {
		return dErrors.New(dErrors.CodeAlreadyPending, "a registration for this identifier is already in progress")
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to read invoice ledger")
	}
	return nil
}

// Create records a new AWAITING_PAYMENT invoice.
func (s *Service) Create(
	ctx context.Context,
	ref domain.InvoiceReference,
	identifier domain.Identifier,
	publicKey string,
	amountSats int64,
	paymentRequest string,
) (*models.PendingInvoice, error) {
	if _, err := s.registry.LookupByIdentifier(ctx, identifier); err == nil {
		return nil, dErrors.New(dErrors.CodeIdentifierTaken, "this NIP-05 identifier is already registered")
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to read registry")
	}

	inv, err := models.NewPendingInvoice(ref, identifier, publicKey, amountSats, paymentRequest, s.now(ctx))
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertIfNoActive(ctx, inv); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyExists) {
			return nil, dErrors.New(dErrors.CodeAlreadyPending, "a registration for this identifier is already in progress")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to record invoice")
	}

	s.metrics.IncInvoicesCreated()
	s.logger.InfoContext(ctx, "invoice created",
		"request_id", requestcontext.RequestID(ctx),
		"reference", ref.Short(),
		"identifier", identifier.String(),
	)
	return inv, nil
}

func (s *Service) Get(ctx context.Context, ref domain.InvoiceReference) (*models.PendingInvoice, error) {
	inv, err := s.store.FindByReference(ctx, ref)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "invoice not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to load invoice")
	}
	return inv, nil
}

// FindActive returns the AWAITING_PAYMENT or PAID invoice holding identifier.
func (s *Service) FindActive(ctx context.Context, identifier domain.Identifier) (*models.PendingInvoice, error) {
	inv, err := s.store.FindActiveByKey(ctx, identifier.Key())
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "no registration in progress")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to read invoice ledger")
	}
	return inv, nil
}

// MarkPaid moves AWAITING_PAYMENT -> PAID. Calling it on a PAID invoice is a
// no-op so a poll that failed after the swap can be retried; on a terminal
// invoice it returns ErrAlreadyTerminal.
func (s *Service) MarkPaid(ctx context.Context, ref domain.InvoiceReference) error {
	return s.transition(ctx, ref, models.StateAwaitingPayment, models.StatePaid)
}

// MarkCommitted moves PAID -> COMMITTED. Idempotent on COMMITTED.
func (s *Service) MarkCommitted(ctx context.Context, ref domain.InvoiceReference) error {
	return s.transition(ctx, ref, models.StatePaid, models.StateCommitted)
}

// MarkConflicted moves PAID -> CONFLICTED. won is true only for the caller whose
// swap took effect, so the conflict is reported once.
func (s *Service) MarkConflicted(ctx context.Context, ref domain.InvoiceReference) (won bool, err error) {
	swapped, err := s.store.CompareAndSwapState(ctx, ref, models.StatePaid, models.StateConflicted, s.now(ctx))
	if err != nil {
		return false, s.translate(err)
	}
	if swapped {
		return true, nil
	}
	return false, s.settled(ctx, ref, models.StateConflicted)
}

// Expire moves a single AWAITING_PAYMENT invoice to EXPIRED. swapped is false
// when the invoice was no longer awaiting payment.
func (s *Service) Expire(ctx context.Context, ref domain.InvoiceReference) (bool, error) {
	swapped, err := s.store.CompareAndSwapState(ctx, ref, models.StateAwaitingPayment, models.StateExpired, s.now(ctx))
	if err != nil {
		return false, s.translate(err)
	}
	if swapped {
		s.metrics.AddInvoicesExpired(1)
	}
	return swapped, nil
}

func (s *Service) transition(ctx context.Context, ref domain.InvoiceReference, from, to models.State) error {
	swapped, err := s.store.CompareAndSwapState(ctx, ref, from, to, s.now(ctx))
	if err != nil {
		return s.translate(err)
	}
	if swapped {
		return nil
	}
	return s.settled(ctx, ref, to)
}

// settled explains a failed swap by reloading: nil when the invoice already sits
// in target, ErrAlreadyTerminal when it went elsewhere.
func (s *Service) settled(ctx context.Context, ref domain.InvoiceReference, target models.State) error {
	cur, err := s.Get(ctx, ref)
	if err != nil {
		return err
	}
	if cur.State == target {
		return nil
	}
	if cur.State.IsTerminal() {
		return dErrors.Wrap(ErrAlreadyTerminal, dErrors.CodeConflict, "invoice is already "+string(cur.State))
	}
	return dErrors.Wrap(sentinel.ErrInvalidState, dErrors.CodeInvariantViolation,
		fmt.Sprintf("invoice is %s, cannot move to %s", cur.State, target))
}

func (s *Service) translate(err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "invoice not found")
	}
	return dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to update invoice")
}

// StaleAwaiting lists up to limit AWAITING_PAYMENT invoices created at least
// retention ago. It changes nothing: an invoice is only expired after the
// provider confirms it was never settled, see Expire.
func (s *Service) StaleAwaiting(ctx context.Context, retention time.Duration, limit int) ([]domain.InvoiceReference, error) {
	if limit <= 0 {
		return nil, nil
	}
	refs, err := s.store.ListAwaitingBefore(ctx, s.now(ctx).Add(-retention), limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to list stale invoices")
	}
	return refs, nil
}

// PurgeTerminalOlderThan deletes terminal invoices last updated before now - horizon.
func (s *Service) PurgeTerminalOlderThan(ctx context.Context, horizon time.Duration) (int, error) {
	n, err := s.store.DeleteTerminalBefore(ctx, s.now(ctx).Add(-horizon))
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to purge invoices")
	}
	if n > 0 {
		s.metrics.AddInvoicesPurged(n)
		s.logger.InfoContext(ctx, "purged terminal invoices", "count", n)
	}
	return n, nil
}
