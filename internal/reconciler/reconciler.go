// Package reconciler turns a paid invoice into a registry entry.
//
// Reconciliation is pull based: it runs when a client polls for payment or when
// the sweeper revisits a stale invoice. Every step is a compare-and-swap on the
// ledger or a uniqueness check under the registry lock, so a poll interrupted
// at any point can simply be repeated.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"nip05/internal/audit"
	ledgermodels "nip05/internal/ledger/models"
	ledgerservice "nip05/internal/ledger/service"
	"nip05/internal/payment"
	"nip05/internal/platform/metrics"
	regmodels "nip05/internal/registry/models"
	"nip05/pkg/domain"
	dErrors "nip05/pkg/domain-errors"
	"nip05/pkg/platform/sentinel"
	"nip05/pkg/requestcontext"
)

// Outcome is what a poll reports to the client.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCommitted Outcome = "committed"
	OutcomeConflict  Outcome = "conflict"
	OutcomeExpired   Outcome = "expired"
)

// maxReloads bounds how often a reconcile re-reads an invoice that another
// caller moved underneath it. Each reload follows a state change, and the
// lifecycle has at most two.
const maxReloads = 3

type Result struct {
	Outcome Outcome
	Invoice *ledgermodels.PendingInvoice
	// Entry is set when Outcome is OutcomeCommitted and the entry is still present.
	Entry *regmodels.Entry
}

// Ledger is the slice of the invoice ledger the reconciler drives.
type Ledger interface {
	Get(ctx context.Context, ref domain.InvoiceReference) (*ledgermodels.PendingInvoice, error)
	MarkPaid(ctx context.Context, ref domain.InvoiceReference) error
	MarkCommitted(ctx context.Context, ref domain.InvoiceReference) error
	MarkConflicted(ctx context.Context, ref domain.InvoiceReference) (bool, error)
	Expire(ctx context.Context, ref domain.InvoiceReference) (bool, error)
}

// Registry is the write side of the name registry. CommitPaid records ref on
// the entry.
type Registry interface {
	CommitPaid(ctx context.Context, name domain.Identifier, hexKey string, ref domain.InvoiceReference) (*regmodels.Entry, error)
	LookupByIdentifier(ctx context.Context, name domain.Identifier) (*regmodels.Entry, error)
}

// PaymentProvider reports settlement.
type PaymentProvider interface {
	Status(ctx context.Context, ref domain.InvoiceReference) (*payment.Status, error)
}

// AuditPublisher records outcomes that outlive the request.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Reconciler struct {
	ledger    Ledger
	registry  Registry
	provider  PaymentProvider
	auditor   AuditPublisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	retention time.Duration
	clock     func() time.Time
	tracer    trace.Tracer
	group     singleflight.Group
}

type Option func(*Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(r *Reconciler) {
		r.auditor = p
	}
}

// WithRetention sets how long an unpaid invoice stays claimable.
func WithRetention(d time.Duration) Option {
	return func(r *Reconciler) {
		r.retention = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.clock = now
	}
}

func New(ledger Ledger, registry Registry, provider PaymentProvider, opts ...Option) (*Reconciler, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if provider == nil {
		return nil, errors.New("payment provider is required")
	}
	r := &Reconciler{
		ledger:    ledger,
		registry:  registry,
		provider:  provider,
		logger:    slog.Default(),
		retention: 15 * time.Minute,
		tracer:    otel.Tracer("nip05/internal/reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Reconciler) now(ctx context.Context) time.Time {
	if r.clock != nil {
		return r.clock().UTC()
	}
	return requestcontext.Now(ctx).UTC()
}

// Reconcile advances one invoice as far as the provider and the registry allow.
//
// Concurrent calls for the same reference share one execution. The shared run
// is detached from the first caller's cancellation so a client hanging up
// cannot abort a commit that other pollers are waiting on.
//
// A lost race returns a CodeRegistrationConflict error, on the first poll and
// every poll after it.
func (r *Reconciler) Reconcile(ctx context.Context, ref domain.InvoiceReference) (*Result, error) {
	v, err, _ := r.group.Do(ref.String(), func() (any, error) {
		return r.reconcile(context.WithoutCancel(ctx), ref)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (r *Reconciler) reconcile(ctx context.Context, ref domain.InvoiceReference) (res *Result, err error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.Reconcile",
		trace.WithAttributes(attribute.String("payment.reference", ref.Short())))
	defer func() {
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
			if dErrors.HasCode(err, dErrors.CodeRegistrationConflict) {
				r.metrics.IncReconcileOutcome(string(OutcomeConflict))
			}
		default:
			span.SetAttributes(attribute.String("reconcile.outcome", string(res.Outcome)))
			r.metrics.IncReconcileOutcome(string(res.Outcome))
		}
		span.End()
	}()

	for range maxReloads {
		inv, err := r.ledger.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.String("invoice.state", string(inv.State)))

		switch inv.State {
		case ledgermodels.StateCommitted:
			return r.committedResult(ctx, inv), nil
		case ledgermodels.StateExpired:
			return &Result{Outcome: OutcomeExpired, Invoice: inv}, nil
		case ledgermodels.StateConflicted:
			return nil, conflictError()
		case ledgermodels.StatePaid:
			return r.commit(ctx, inv)
		}

		res, moved, err := r.awaiting(ctx, inv)
		if err != nil || !moved {
			return res, err
		}
	}
	return nil, dErrors.New(dErrors.CodeInternal, "invoice state kept changing during reconciliation")
}

// awaiting handles an AWAITING_PAYMENT invoice. moved reports that the invoice
// changed state under us and must be reloaded.
//
// The provider is asked first, even past retention: a settled invoice is never
// expired. Expiry needs an unsettled answer plus either the provider's own
// expiry or the retention window running out. A provider error leaves the
// invoice untouched.
func (r *Reconciler) awaiting(ctx context.Context, inv *ledgermodels.PendingInvoice) (res *Result, moved bool, err error) {
	st, err := r.provider.Status(ctx, inv.Reference)
	if err != nil {
		r.logger.WarnContext(ctx, "payment status check failed",
			"request_id", requestcontext.RequestID(ctx),
			"reference", inv.Reference.Short(),
			"category", string(payment.GetCategory(err)),
			"error", err,
		)
		return nil, false, dErrors.Wrap(err, dErrors.CodeProviderUnavailable, "payment provider unavailable, try again shortly")
	}

	if st.Settled {
		if err := r.ledger.MarkPaid(ctx, inv.Reference); err != nil {
			if errors.Is(err, ledgerservice.ErrAlreadyTerminal) {
				return nil, true, nil
			}
			return nil, false, err
		}
		r.logger.InfoContext(ctx, "invoice paid",
			"request_id", requestcontext.RequestID(ctx),
			"reference", inv.Reference.Short(),
			"identifier", inv.Identifier.String(),
		)
		// PAID is handled on the next pass.
		return nil, true, nil
	}

	if !st.Expired && !inv.ExpiredAt(r.now(ctx), r.retention) {
		return &Result{Outcome: OutcomePending, Invoice: inv}, false, nil
	}

	swapped, err := r.ledger.Expire(ctx, inv.Reference)
	if err != nil {
		return nil, false, err
	}
	if !swapped {
		return nil, true, nil
	}
	r.logger.InfoContext(ctx, "invoice expired",
		"request_id", requestcontext.RequestID(ctx),
		"reference", inv.Reference.Short(),
		"identifier", inv.Identifier.String(),
		"provider_expired", st.Expired,
	)
	inv.State = ledgermodels.StateExpired
	return &Result{Outcome: OutcomeExpired, Invoice: inv}, false, nil
}

func (r *Reconciler) commit(ctx context.Context, inv *ledgermodels.PendingInvoice) (*Result, error) {
	start := time.Now()
	entry, err := r.registry.CommitPaid(ctx, inv.Identifier, inv.PublicKey, inv.Reference)
	switch {
	case err == nil:
		r.metrics.ObserveCommit("payment", "ok", start)
	case errors.Is(err, sentinel.ErrAlreadyExists):
		existing, lookupErr := r.registry.LookupByIdentifier(ctx, inv.Identifier)
		if lookupErr == nil && existing.Reference == inv.Reference {
			// Our own commit from an earlier poll that died before MarkCommitted.
			// A direct registration of the same key is still a lost race.
			r.metrics.ObserveCommit("payment", "recovered", start)
			entry = existing
			break
		}
		r.metrics.ObserveCommit("payment", "conflict", start)
		return nil, r.conflict(ctx, inv)
	default:
		r.metrics.ObserveCommit("payment", "error", start)
		r.logger.ErrorContext(ctx, "registry commit failed",
			"request_id", requestcontext.RequestID(ctx),
			"reference", inv.Reference.Short(),
			"identifier", inv.Identifier.String(),
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to save registration, payment is safe, try again")
	}

	if err := r.ledger.MarkCommitted(ctx, inv.Reference); err != nil {
		if errors.Is(err, ledgerservice.ErrAlreadyTerminal) {
			return r.settledElsewhere(ctx, inv.Reference)
		}
		return nil, err
	}

	r.logger.InfoContext(ctx, "registration committed",
		"request_id", requestcontext.RequestID(ctx),
		"reference", inv.Reference.Short(),
		"identifier", inv.Identifier.String(),
	)
	r.emit(ctx, audit.Event{
		Action:     audit.ActionRegistrationCommitted,
		Identifier: inv.Identifier.String(),
		PublicKey:  inv.PublicKey,
		Reference:  inv.Reference.String(),
		AmountSats: inv.AmountSats,
	})

	inv.State = ledgermodels.StateCommitted
	return &Result{Outcome: OutcomeCommitted, Invoice: inv, Entry: entry}, nil
}

func (r *Reconciler) conflict(ctx context.Context, inv *ledgermodels.PendingInvoice) error {
	won, err := r.ledger.MarkConflicted(ctx, inv.Reference)
	if err != nil {
		if errors.Is(err, ledgerservice.ErrAlreadyTerminal) {
			_, err = r.settledElsewhere(ctx, inv.Reference)
		}
		return err
	}
	if won {
		r.logger.WarnContext(ctx, "paid registration lost identifier to another commit",
			"request_id", requestcontext.RequestID(ctx),
			"reference", inv.Reference.Short(),
			"identifier", inv.Identifier.String(),
			"amount_sats", inv.AmountSats,
		)
		r.emit(ctx, audit.Event{
			Action:     audit.ActionRegistrationConflict,
			Identifier: inv.Identifier.String(),
			PublicKey:  inv.PublicKey,
			Reference:  inv.Reference.String(),
			AmountSats: inv.AmountSats,
			Reason:     "identifier registered by another party before commit",
		})
	}
	return conflictError()
}

// settledElsewhere reports the terminal state another caller moved the invoice to.
func (r *Reconciler) settledElsewhere(ctx context.Context, ref domain.InvoiceReference) (*Result, error) {
	inv, err := r.ledger.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch inv.State {
	case ledgermodels.StateCommitted:
		return r.committedResult(ctx, inv), nil
	case ledgermodels.StateConflicted:
		return nil, conflictError()
	case ledgermodels.StateExpired:
		return &Result{Outcome: OutcomeExpired, Invoice: inv}, nil
	}
	return nil, dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("invoice unexpectedly %s", inv.State))
}

func (r *Reconciler) committedResult(ctx context.Context, inv *ledgermodels.PendingInvoice) *Result {
	res := &Result{Outcome: OutcomeCommitted, Invoice: inv}
	if entry, err := r.registry.LookupByIdentifier(ctx, inv.Identifier); err == nil {
		res.Entry = entry
	}
	return res
}

func (r *Reconciler) emit(ctx context.Context, event audit.Event) {
	if r.auditor == nil {
		return
	}
	if err := r.auditor.Emit(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "audit emit failed",
			"request_id", requestcontext.RequestID(ctx),
			"action", string(event.Action),
			"reference", event.Reference,
			"error", err,
		)
	}
}

func conflictError() error {
	return dErrors.New(dErrors.CodeRegistrationConflict,
		"this identifier was registered by someone else before your payment was processed")
}
