package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"nip05/internal/ledger/models"
	"nip05/pkg/domain"
	"nip05/pkg/platform/sentinel"
)

// InMemory is a ledger store for development and tests. A single mutex makes
// InsertIfNoActive and every state swap atomic.
type InMemory struct {
	mu       sync.Mutex
	invoices map[domain.InvoiceReference]*models.PendingInvoice
	active   map[string]domain.InvoiceReference
}

func New() *InMemory {
	return &InMemory{
		invoices: make(map[domain.InvoiceReference]*models.PendingInvoice),
		active:   make(map[string]domain.InvoiceReference),
	}
}

func (s *InMemory) InsertIfNoActive(_ context.Context, inv *models.PendingInvoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.invoices[inv.Reference]; exists {
		return sentinel.ErrAlreadyExists
	}
	if _, busy := s.active[inv.Key()]; busy {
		return sentinel.ErrAlreadyExists
	}
	s.invoices[inv.Reference] = inv.Clone()
	if inv.State.IsActive() {
		s.active[inv.Key()] = inv.Reference
	}
	return nil
}

func (s *InMemory) FindByReference(_ context.Context, ref domain.InvoiceReference) (*models.PendingInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[ref]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return inv.Clone(), nil
}

func (s *InMemory) FindActiveByKey(_ context.Context, key string) (*models.PendingInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.active[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.invoices[ref].Clone(), nil
}

func (s *InMemory) CompareAndSwapState(_ context.Context, ref domain.InvoiceReference, from, to models.State, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[ref]
	if !ok {
		return false, sentinel.ErrNotFound
	}
	if inv.State != from {
		return false, nil
	}
	s.setState(inv, to, now)
	return true, nil
}

// ListAwaitingBefore returns up to limit awaiting invoices created at or before
// cutoff, oldest first.
func (s *InMemory) ListAwaitingBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.InvoiceReference, error) {
	s.mu.Lock()
	var stale []*models.PendingInvoice
	for _, inv := range s.invoices {
		if inv.State == models.StateAwaitingPayment && !inv.CreatedAt.After(cutoff) {
			stale = append(stale, inv)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(stale, func(a, b *models.PendingInvoice) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	refs := make([]domain.InvoiceReference, 0, len(stale))
	for _, inv := range stale {
		refs = append(refs, inv.Reference)
	}
	return refs, nil
}

func (s *InMemory) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for ref, inv := range s.invoices {
		if inv.State.IsTerminal() && inv.UpdatedAt.Before(cutoff) {
			delete(s.invoices, ref)
			n++
		}
	}
	return n, nil
}

// setState must be called with s.mu held.
func (s *InMemory) setState(inv *models.PendingInvoice, to models.State, now time.Time) {
	inv.State = to
	inv.UpdatedAt = now
	if !to.IsActive() && s.active[inv.Key()] == inv.Reference {
		delete(s.active, inv.Key())
	}
}
