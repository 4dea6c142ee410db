// Package store holds the published name registry.
//
// A single writer mutex orders every commit and removal. Readers load an
// immutable snapshot through an atomic pointer, so lookups never block on a
// writer and never observe a commit whose persistence has not finished.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nip05/internal/identity"
	"nip05/internal/platform/metrics"
	"nip05/internal/registry/models"
	"nip05/pkg/domain"
	dErrors "nip05/pkg/domain-errors"
	"nip05/pkg/platform/sentinel"
)

// ErrStorage marks failures to persist the registry. The in-memory view is unchanged.
var ErrStorage = errors.New("registry storage failure")

type persister interface {
	load() ([]*models.Entry, error)
	save(entries []*models.Entry) error
	check() error
}

// Store is the name registry. Open returns a file-backed store; NewInMemory one
// without persistence.
type Store struct {
	mu        sync.Mutex
	snap      atomic.Pointer[snapshot]
	persister persister
	lock      *dirLock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics publishes the entry count after every change.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithClock overrides the time source used for RegisteredAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func newStore(p persister, opts ...Option) *Store {
	s := &Store{
		persister: p,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(newSnapshot(nil))
	return s
}

// NewInMemory creates a registry that lives only in process memory.
func NewInMemory(opts ...Option) *Store {
	return newStore(nil, opts...)
}

// Open loads (or initializes) the file-backed registry under dataDir and takes
// an exclusive lock on it, failing with ErrLocked while another process holds
// it. Close releases the lock.
func Open(dataDir string, opts ...Option) (_ *Store, err error) {
	s := newStore(nil, opts...)
	p, err := newFilePersister(dataDir, s.logger)
	if err != nil {
		return nil, err
	}
	lock, err := lockDir(dataDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = lock.release()
		}
	}()
	s.persister = p
	s.lock = lock
	entries, err := p.load()
	if err != nil {
		return nil, err
	}
	s.publish(newSnapshot(s.dedupe(entries)))
	s.logger.Info("registry loaded", "entries", len(entries), "path", p.docPath)
	return s, nil
}

// Close releases the data directory lock. The in-memory view stays readable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.lock.release()
	s.lock = nil
	return err
}

// dedupe keeps the earliest entry per folded key. Hand edits can leave "Alice" and "alice" side by side.
func (s *Store) dedupe(entries []*models.Entry) []*models.Entry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]*models.Entry, 0, len(entries))
	for _, e := range sortEntries(entries) {
		if _, ok := seen[e.Key()]; ok {
			s.logger.Warn("duplicate identifier in registry document, keeping earliest",
				"identifier", e.Identifier.String())
			continue
		}
		seen[e.Key()] = struct{}{}
		out = append(out, e)
	}
	return out
}

// LookupByIdentifier finds an entry by case-insensitive identifier.
func (s *Store) LookupByIdentifier(_ context.Context, name domain.Identifier) (*models.Entry, error) {
	e, ok := s.snap.Load().byKey[name.Key()]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return e.Clone(), nil
}

// LookupByPublicKey returns the earliest entry bound to a canonical hex key.
func (s *Store) LookupByPublicKey(_ context.Context, hexKey string) (*models.Entry, error) {
	e, ok := s.snap.Load().byPubkey[hexKey]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return e.Clone(), nil
}

// Commit adds name -> hexKey. It fails with CodeInvalidInput for an empty name
// or a key that is not canonical hex, with sentinel.ErrAlreadyExists when the
// folded name is taken and with ErrStorage when persistence fails.
func (s *Store) Commit(ctx context.Context, name domain.Identifier, hexKey string) (*models.Entry, error) {
	return s.commit(ctx, name, hexKey, "")
}

// CommitPaid is Commit for a registration paid by invoice ref. The reference is
// kept on the entry so a retried reconcile can recognise its own commit.
func (s *Store) CommitPaid(ctx context.Context, name domain.Identifier, hexKey string, ref domain.InvoiceReference) (*models.Entry, error) {
	if ref == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "invoice reference is required")
	}
	return s.commit(ctx, name, hexKey, ref)
}

func (s *Store) commit(ctx context.Context, name domain.Identifier, hexKey string, ref domain.InvoiceReference) (*models.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name.String()) == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "identifier cannot be empty")
	}
	if k, err := identity.ParseHex(hexKey); err != nil || k.Hex() != hexKey {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "public key must be 64-character lowercase hex")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if _, exists := cur.byKey[name.Key()]; exists {
		return nil, sentinel.ErrAlreadyExists
	}

	entry := &models.Entry{Identifier: name, PublicKey: hexKey, RegisteredAt: s.now().UTC(), Reference: ref}
	next := newSnapshot(append(slices.Clone(cur.ordered), entry))
	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.publish(next)
	return entry.Clone(), nil
}

// Remove deletes an entry by case-insensitive identifier.
func (s *Store) Remove(ctx context.Context, name domain.Identifier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if _, exists := cur.byKey[name.Key()]; !exists {
		return sentinel.ErrNotFound
	}
	remaining := slices.DeleteFunc(slices.Clone(cur.ordered), func(e *models.Entry) bool {
		return e.Key() == name.Key()
	})
	next := newSnapshot(remaining)
	if err := s.persist(next); err != nil {
		return err
	}
	s.publish(next)
	return nil
}

func (s *Store) publish(next *snapshot) {
	s.snap.Store(next)
	s.metrics.SetRegistrySize(len(next.ordered))
}

func (s *Store) persist(next *snapshot) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.save(next.ordered); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// List returns all entries ordered by registration time.
func (s *Store) List(_ context.Context) []*models.Entry {
	ordered := s.snap.Load().ordered
	out := make([]*models.Entry, len(ordered))
	for i, e := range ordered {
		out[i] = e.Clone()
	}
	return out
}

// Latest returns up to n entries, newest first.
func (s *Store) Latest(_ context.Context, n int) []*models.Entry {
	ordered := s.snap.Load().ordered
	if n > len(ordered) {
		n = len(ordered)
	}
	out := make([]*models.Entry, 0, max(n, 0))
	for i := len(ordered) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, ordered[i].Clone())
	}
	return out
}

func (s *Store) Count(_ context.Context) int {
	return len(s.snap.Load().ordered)
}

// Document renders the full NIP-05 document.
func (s *Store) Document() models.Document {
	ordered := s.snap.Load().ordered
	names := make(map[string]string, len(ordered))
	for _, e := range ordered {
		names[e.Identifier.String()] = e.PublicKey
	}
	return models.Document{Names: names}
}

// Check reports whether the backing file is readable. Always nil in memory.
func (s *Store) Check(_ context.Context) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.check()
}

type snapshot struct {
	ordered  []*models.Entry
	byKey    map[string]*models.Entry
	byPubkey map[string]*models.Entry
}

func newSnapshot(entries []*models.Entry) *snapshot {
	snap := &snapshot{
		ordered:  sortEntries(entries),
		byKey:    make(map[string]*models.Entry, len(entries)),
		byPubkey: make(map[string]*models.Entry, len(entries)),
	}
	for _, e := range snap.ordered {
		snap.byKey[e.Key()] = e
		if _, ok := snap.byPubkey[e.PublicKey]; !ok {
			snap.byPubkey[e.PublicKey] = e
		}
	}
	return snap
}

func sortEntries(entries []*models.Entry) []*models.Entry {
	out := slices.Clone(entries)
	slices.SortStableFunc(out, func(a, b *models.Entry) int {
		if c := a.RegisteredAt.Compare(b.RegisteredAt); c != 0 {
			return c
		}
		if a.Key() < b.Key() {
			return -1
		}
		if a.Key() > b.Key() {
			return 1
		}
		return 0
	})
	return out
}
