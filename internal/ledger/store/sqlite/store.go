// Package sqlite persists the invoice ledger in a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"nip05/internal/ledger/models"
	"nip05/internal/ledger/store/sqlite/migrations"
	"nip05/internal/platform/sqlitemigrate"
	"nip05/pkg/domain"
	"nip05/pkg/platform/sentinel"
)

const activeStates = `('AWAITING_PAYMENT', 'PAID')`

const selectColumns = `reference, identifier, public_key, amount_sats, payment_request, state, created_at, updated_at`

type Store struct {
	sqlDB *sql.DB
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// Open opens (creating if needed) the ledger database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer connection; SQLite serializes writes anyway
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) InsertIfNoActive(ctx context.Context, inv *models.PendingInvoice) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO invoices (
		   reference, identifier, identifier_key, public_key, amount_sats,
		   payment_request, state, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.Reference.String(),
		inv.Identifier.String(),
		inv.Key(),
		inv.PublicKey,
		inv.AmountSats,
		inv.PaymentRequest,
		string(inv.State),
		toMillis(inv.CreatedAt),
		toMillis(inv.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyExists
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (s *Store) FindByReference(ctx context.Context, ref domain.InvoiceReference) (*models.PendingInvoice, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM invoices WHERE reference = ?`, ref.String())
	return scanInvoice(row)
}

func (s *Store) FindActiveByKey(ctx context.Context, key string) (*models.PendingInvoice, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM invoices
		  WHERE identifier_key = ? AND state IN `+activeStates, key)
	return scanInvoice(row)
}

func (s *Store) CompareAndSwapState(ctx context.Context, ref domain.InvoiceReference, from, to models.State, now time.Time) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE invoices SET state = ?, updated_at = ? WHERE reference = ? AND state = ?`,
		string(to), toMillis(now), ref.String(), string(from))
	if err != nil {
		return false, fmt.Errorf("update invoice state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update invoice state: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	var exists int
	err = s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM invoices WHERE reference = ?`, ref.String()).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, sentinel.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check invoice: %w", err)
	}
	return false, nil
}

func (s *Store) ListAwaitingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.InvoiceReference, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT reference FROM invoices
		  WHERE state = 'AWAITING_PAYMENT' AND created_at <= ?
		  ORDER BY created_at
		  LIMIT ?`,
		toMillis(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale invoices: %w", err)
	}
	defer rows.Close()
	var refs []domain.InvoiceReference
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		refs = append(refs, domain.InvoiceReference(ref))
	}
	return refs, rows.Err()
}

func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM invoices
		  WHERE state IN ('COMMITTED', 'EXPIRED', 'CONFLICTED') AND updated_at < ?`,
		toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge invoices: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanInvoice(row *sql.Row) (*models.PendingInvoice, error) {
	var (
		inv                  models.PendingInvoice
		ref, ident, state    string
		createdAt, updatedAt int64
	)
	err := row.Scan(&ref, &ident, &inv.PublicKey, &inv.AmountSats, &inv.PaymentRequest, &state, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	inv.Reference = domain.InvoiceReference(ref)
	inv.Identifier = domain.Identifier(ident)
	inv.State = models.State(state)
	inv.CreatedAt = fromMillis(createdAt)
	inv.UpdatedAt = fromMillis(updatedAt)
	return &inv, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
