// Package service is the registration façade: every client-facing operation
// starts here and fans out to the codec, the registry, the ledger, the payment
// provider and the reconciler. It holds no state of its own.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"nip05/internal/audit"
	"nip05/internal/identity"
	ledgermodels "nip05/internal/ledger/models"
	"nip05/internal/payment"
	"nip05/internal/platform/metrics"
	"nip05/internal/reconciler"
	regmodels "nip05/internal/registry/models"
	"nip05/pkg/domain"
	dErrors "nip05/pkg/domain-errors"
	"nip05/pkg/platform/sentinel"
	"nip05/pkg/requestcontext"
)

// Registry is the published name registry.
type Registry interface {
	LookupByIdentifier(ctx context.Context, name domain.Identifier) (*regmodels.Entry, error)
	LookupByPublicKey(ctx context.Context, hexKey string) (*regmodels.Entry, error)
	Commit(ctx context.Context, name domain.Identifier, hexKey string) (*regmodels.Entry, error)
	Remove(ctx context.Context, name domain.Identifier) error
	Latest(ctx context.Context, n int) []*regmodels.Entry
	Count(ctx context.Context) int
	Document() regmodels.Document
	Check(ctx context.Context) error
}

// Ledger is the invoice ledger.
type Ledger interface {
	CheckCreatable(ctx context.Context, identifier domain.Identifier) error
	Create(ctx context.Context, ref domain.InvoiceReference, identifier domain.Identifier, publicKey string, amountSats int64, paymentRequest string) (*ledgermodels.PendingInvoice, error)
	FindActive(ctx context.Context, identifier domain.Identifier) (*ledgermodels.PendingInvoice, error)
	Get(ctx context.Context, ref domain.InvoiceReference) (*ledgermodels.PendingInvoice, error)
	StaleAwaiting(ctx context.Context, retention time.Duration, limit int) ([]domain.InvoiceReference, error)
}

// Reconciler settles paid invoices into the registry.
type Reconciler interface {
	Reconcile(ctx context.Context, ref domain.InvoiceReference) (*reconciler.Result, error)
}

// InvoiceIssuer creates invoices at the payment provider.
type InvoiceIssuer interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (*payment.Invoice, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Config carries the business settings the façade needs.
type Config struct {
	Domain     string
	AmountSats int64
	// Retention is how long an unpaid invoice holds its identifier.
	Retention time.Duration
}

type Service struct {
	registry   Registry
	ledger     Ledger
	reconciler Reconciler
	issuer     InvoiceIssuer
	auditor    AuditPublisher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	cfg        Config
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

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) {
		s.auditor = p
	}
}

func New(registry Registry, ledger Ledger, rec Reconciler, issuer InvoiceIssuer, cfg Config, opts ...Option) (*Service, error) {
	if registry == nil || ledger == nil || rec == nil || issuer == nil {
		return nil, errors.New("registry, ledger, reconciler and invoice issuer are required")
	}
	if cfg.Domain == "" {
		return nil, errors.New("domain is required")
	}
	if cfg.AmountSats <= 0 {
		return nil, errors.New("invoice amount must be positive")
	}
	if cfg.Retention <= 0 {
		return nil, errors.New("invoice retention must be positive")
	}
	s := &Service{
		registry:   registry,
		ledger:     ledger,
		reconciler: rec,
		issuer:     issuer,
		logger:     slog.Default(),
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Domain is the NIP-05 domain names are registered under.
func (s *Service) Domain() string {
	return s.cfg.Domain
}

// CheckAvailability reports whether identifier is neither registered nor held
// by a registration in progress.
func (s *Service) CheckAvailability(ctx context.Context, name string) (bool, error) {
	ident, err := domain.ParseIdentifier(name)
	if err != nil {
		return false, err
	}
	if _, err := s.registry.LookupByIdentifier(ctx, ident); err == nil {
		return false, nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return false, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to read registry")
	}
	if _, err := s.ledger.FindActive(ctx, ident); err == nil {
		return false, nil
	} else if !dErrors.HasCode(err, dErrors.CodeNotFound) {
		return false, err
	}
	return true, nil
}

// ConvertPublicKey returns the canonical hex form of an npub or hex key.
func (s *Service) ConvertPublicKey(encoded string) (string, error) {
	return identity.Canonicalize(encoded)
}

type PublicKeyCheck struct {
	Hex               string
	Npub              string
	AlreadyRegistered bool
}

// CheckPublicKey decodes a key and reports whether a name is already bound to it.
func (s *Service) CheckPublicKey(ctx context.Context, encoded string) (*PublicKeyCheck, error) {
	pk, err := identity.Decode(encoded)
	if err != nil {
		return nil, err
	}
	res := &PublicKeyCheck{Hex: pk.Hex(), Npub: identity.Encode(pk)}
	if _, err := s.registry.LookupByPublicKey(ctx, pk.Hex()); err == nil {
		res.AlreadyRegistered = true
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to read registry")
	}
	return res, nil
}

// InvoiceStatus tells the client what to do with a returned invoice.
type InvoiceStatus string

const (
	InvoiceCreated InvoiceStatus = "created"
	// InvoicePending: the same identifier and key already have an unpaid invoice.
	InvoicePending InvoiceStatus = "pending"
	// InvoiceAlreadyPaid: the existing invoice is paid; poll check-payment.
	InvoiceAlreadyPaid InvoiceStatus = "already_paid"
)

type Invoice struct {
	Reference      domain.InvoiceReference
	PaymentRequest string
	AmountSats     int64
	Identifier     domain.Identifier
	PublicKey      string
	Status         InvoiceStatus
	// PublicKeyInUse warns that another name is already bound to this key.
	// Registering a second name for one key is allowed.
	PublicKeyInUse bool
}

// CreateInvoice starts a paid registration. If the same identifier and key
// already have an active invoice, that invoice is returned instead of billing
// twice, with InvoiceAlreadyPaid once the provider reports it settled.
func (s *Service) CreateInvoice(ctx context.Context, name, encodedKey string) (*Invoice, error) {
	ident, err := domain.ParseIdentifier(name)
	if err != nil {
		return nil, err
	}
	pk, err := identity.Decode(encodedKey)
	if err != nil {
		return nil, err
	}
	hexKey := pk.Hex()

	if active, err := s.ledger.FindActive(ctx, ident); err == nil {
		if view, done, err := s.resolveActive(ctx, active, hexKey); done {
			return view, err
		}
	} else if !dErrors.HasCode(err, dErrors.CodeNotFound) {
		return nil, err
	}

	if err := s.ledger.CheckCreatable(ctx, ident); err != nil {
		return nil, err
	}

	issued, err := s.issuer.CreateInvoice(ctx, s.cfg.AmountSats, "NIP-05: "+ident.Address(s.cfg.Domain))
	if err != nil {
		s.logger.ErrorContext(ctx, "invoice creation failed at provider",
			"request_id", requestcontext.RequestID(ctx),
			"identifier", ident.String(),
			"category", string(payment.GetCategory(err)),
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeProviderUnavailable, "payment provider unavailable, try again shortly")
	}

	// A provider invoice whose ledger insert fails is never shown to the
	// client and expires unpaid at the provider.
	inv, err := s.ledger.Create(ctx, issued.Reference, ident, hexKey, s.cfg.AmountSats, issued.PaymentRequest)
	if err != nil {
		return nil, err
	}
	return s.invoiceView(ctx, inv, InvoiceCreated), nil
}

// resolveActive asks the provider about the invoice holding an identifier
// before answering a new request for it. done is false when the identifier is
// free to bill again: the old invoice expired or lost its name.
// When the provider cannot be reached the answer comes from the ledger.
func (s *Service) resolveActive(ctx context.Context, active *ledgermodels.PendingInvoice, hexKey string) (*Invoice, bool, error) {
	status := InvoicePending
	if active.State == ledgermodels.StatePaid {
		status = InvoiceAlreadyPaid
	}

	res, err := s.reconciler.Reconcile(ctx, active.Reference)
	switch {
	case dErrors.HasCode(err, dErrors.CodeRegistrationConflict):
		return nil, false, nil
	case err != nil:
		s.logger.WarnContext(ctx, "could not refresh active invoice",
			"request_id", requestcontext.RequestID(ctx),
			"reference", active.Reference.Short(),
			"error", err,
		)
	case res.Outcome == reconciler.OutcomeExpired:
		return nil, false, nil
	case res.Outcome == reconciler.OutcomeCommitted:
		if active.PublicKey != hexKey {
			return nil, true, dErrors.New(dErrors.CodeIdentifierTaken, "this NIP-05 identifier is already registered")
		}
		status = InvoiceAlreadyPaid
	}

	if active.PublicKey != hexKey {
		return nil, true, dErrors.New(dErrors.CodeAlreadyPending, "a registration for this identifier is already in progress")
	}
	return s.invoiceView(ctx, active, status), true, nil
}

func (s *Service) invoiceView(ctx context.Context, inv *ledgermodels.PendingInvoice, status InvoiceStatus) *Invoice {
	out := &Invoice{
		Reference:      inv.Reference,
		PaymentRequest: inv.PaymentRequest,
		AmountSats:     inv.AmountSats,
		Identifier:     inv.Identifier,
		PublicKey:      inv.PublicKey,
		Status:         status,
	}
	if e, err := s.registry.LookupByPublicKey(ctx, inv.PublicKey); err == nil && e.Key() != inv.Key() {
		out.PublicKeyInUse = true
	}
	return out
}

// PaymentCheck is the client-facing answer to a payment poll.
type PaymentCheck struct {
	Status  reconciler.Outcome
	Address string
}

// Paid reports whether the identifier is now registered to the payer.
func (p *PaymentCheck) Paid() bool {
	return p.Status == reconciler.OutcomeCommitted
}

// CheckPayment polls the provider and commits the registration once paid.
// When name or encodedKey are given they must match the invoice. A paid invoice
// that lost its identifier yields a CodeRegistrationConflict error.
func (s *Service) CheckPayment(ctx context.Context, reference, name, encodedKey string) (*PaymentCheck, error) {
	ref, err := domain.ParseInvoiceReference(reference)
	if err != nil {
		return nil, err
	}
	if name != "" || encodedKey != "" {
		if err := s.checkOwnership(ctx, ref, name, encodedKey); err != nil {
			return nil, err
		}
	}

	res, err := s.reconciler.Reconcile(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &PaymentCheck{Status: res.Outcome, Address: res.Invoice.Identifier.Address(s.cfg.Domain)}, nil
}

func (s *Service) checkOwnership(ctx context.Context, ref domain.InvoiceReference, name, encodedKey string) error {
	inv, err := s.ledger.Get(ctx, ref)
	if err != nil {
		return err
	}
	mismatch := name != "" && !strings.EqualFold(strings.TrimSpace(name), inv.Identifier.String())
	if !mismatch && encodedKey != "" {
		hexKey, err := identity.Canonicalize(encodedKey)
		mismatch = err != nil || hexKey != inv.PublicKey
	}
	if mismatch {
		s.logger.WarnContext(ctx, "payment hash claimed by another registration",
			"request_id", requestcontext.RequestID(ctx),
			"reference", ref.Short(),
			"identifier", inv.Identifier.String(),
			"claimed", name,
		)
		return dErrors.New(dErrors.CodeBadRequest, "payment hash does not match this registration")
	}
	return nil
}

// RegisterDirect binds a name without payment. Admin only.
func (s *Service) RegisterDirect(ctx context.Context, name, encodedKey string) (*regmodels.Entry, error) {
	ident, err := domain.ParseIdentifier(name)
	if err != nil {
		return nil, err
	}
	pk, err := identity.Decode(encodedKey)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	entry, err := s.registry.Commit(ctx, ident, pk.Hex())
	if err != nil {
		if errors.Is(err, sentinel.ErrAlreadyExists) {
			s.metrics.ObserveCommit("direct", "conflict", start)
			return nil, dErrors.New(dErrors.CodeIdentifierTaken, "this NIP-05 identifier is already in use")
		}
		s.metrics.ObserveCommit("direct", "error", start)
		return nil, dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to save registration")
	}
	s.metrics.ObserveCommit("direct", "ok", start)

	s.logger.InfoContext(ctx, "direct registration committed",
		"request_id", requestcontext.RequestID(ctx),
		"identifier", ident.String(),
	)
	s.emit(ctx, audit.Event{
		Action:     audit.ActionDirectRegistration,
		Identifier: ident.String(),
		PublicKey:  entry.PublicKey,
	})
	return entry, nil
}

// RemoveName deletes a registration. Admin only.
func (s *Service) RemoveName(ctx context.Context, name string) error {
	ident, err := domain.ParseIdentifier(name)
	if err != nil {
		return err
	}
	if err := s.registry.Remove(ctx, ident); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "identifier not registered")
		}
		return dErrors.Wrap(err, dErrors.CodeStorageFailure, "failed to remove registration")
	}
	s.logger.InfoContext(ctx, "registration removed",
		"request_id", requestcontext.RequestID(ctx),
		"identifier", ident.String(),
	)
	s.emit(ctx, audit.Event{Action: audit.ActionNameRemoved, Identifier: ident.String()})
	return nil
}

// LatestRegistrations returns the n newest entries with names and keys masked.
func (s *Service) LatestRegistrations(ctx context.Context, n int) []regmodels.MaskedEntry {
	entries := s.registry.Latest(ctx, n)
	out := make([]regmodels.MaskedEntry, 0, len(entries))
	for _, e := range entries {
		npub := ""
		if pk, err := identity.ParseHex(e.PublicKey); err == nil {
			npub = regmodels.MaskNpub(identity.Encode(pk))
		}
		out = append(out, regmodels.MaskedEntry{
			Address:      regmodels.MaskIdentifier(e.Identifier.String()) + "@" + s.cfg.Domain,
			Npub:         npub,
			RegisteredAt: e.RegisteredAt,
		})
	}
	return out
}

// Document returns the NIP-05 document. With a name it holds at most that
// name, keyed as queried so lookup clients find it.
func (s *Service) Document(ctx context.Context, name string) regmodels.Document {
	if name == "" {
		return s.registry.Document()
	}
	doc := regmodels.Document{Names: map[string]string{}}
	ident, err := domain.ParseIdentifier(name)
	if err != nil {
		return doc
	}
	if e, err := s.registry.LookupByIdentifier(ctx, ident); err == nil {
		doc.Names[name] = e.PublicKey
	}
	return doc
}

type Health struct {
	Healthy    bool
	Domain     string
	Registered int
	Problem    string
}

// Health reports the registry size and whether its backing file is readable.
func (s *Service) Health(ctx context.Context) *Health {
	h := &Health{Healthy: true, Domain: s.cfg.Domain, Registered: s.registry.Count(ctx)}
	if err := s.registry.Check(ctx); err != nil {
		h.Healthy = false
		h.Problem = "registry document unreadable"
		s.logger.WarnContext(ctx, "registry health check failed", "error", err)
	}
	return h
}

// sweepBatch bounds how many stale invoices one sweep asks the provider about.
const sweepBatch = 100

// ExpireStale reconciles invoices that have been awaiting payment for longer
// than retention. The provider is asked about each one: unsettled invoices are
// expired, settled ones are committed. Invoices the provider cannot answer for
// are left for the next sweep.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	refs, err := s.ledger.StaleAwaiting(ctx, s.cfg.Retention, sweepBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		res, err := s.reconciler.Reconcile(ctx, ref)
		if err != nil {
			if !dErrors.HasCode(err, dErrors.CodeRegistrationConflict) {
				s.logger.WarnContext(ctx, "stale invoice left for the next sweep",
					"reference", ref.Short(),
					"error", err,
				)
			}
			continue
		}
		if res.Outcome == reconciler.OutcomeExpired {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Emit(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "audit emit failed",
			"request_id", requestcontext.RequestID(ctx),
			"action", string(event.Action),
			"error", err,
		)
	}
}
