// Package postgres persists the invoice ledger in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"nip05/internal/ledger/models"
	"nip05/internal/ledger/store/postgres/migrations"
	pg "nip05/internal/platform/postgres"
	"nip05/pkg/domain"
	"nip05/pkg/platform/sentinel"
)

const selectColumns = `reference, identifier, public_key, amount_sats, payment_request, state, created_at, updated_at`

// PostgresStore keeps the ledger in an external database so it can be backed up
// and inspected apart from the host. It does not make the service multi-instance:
// the name registry is still owned by one process, see registry/store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the invoices table and indexes if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return pg.ApplySchema(ctx, s.db, migrations.FS, ".")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertIfNoActive(ctx context.Context, inv *models.PendingInvoice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (
			reference, identifier, identifier_key, public_key, amount_sats,
			payment_request, state, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inv.Reference.String(),
		inv.Identifier.String(),
		inv.Key(),
		inv.PublicKey,
		inv.AmountSats,
		inv.PaymentRequest,
		string(inv.State),
		inv.CreatedAt.UTC(),
		inv.UpdatedAt.UTC(),
	)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyExists
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByReference(ctx context.Context, ref domain.InvoiceReference) (*models.PendingInvoice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM invoices WHERE reference = $1`, ref.String())
	return scanInvoice(row)
}

func (s *PostgresStore) FindActiveByKey(ctx context.Context, key string) (*models.PendingInvoice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+` FROM invoices
		WHERE identifier_key = $1 AND state IN ('AWAITING_PAYMENT', 'PAID')`, key)
	return scanInvoice(row)
}

func (s *PostgresStore) CompareAndSwapState(ctx context.Context, ref domain.InvoiceReference, from, to models.State, now time.Time) (bool, error) {
	var swapped bool
	err := s.db.QueryRowContext(ctx, `
		WITH target AS (
			SELECT reference FROM invoices WHERE reference = $1
		), updated AS (
			UPDATE invoices SET state = $3, updated_at = $4
			WHERE reference = $1 AND state = $2
			RETURNING reference
		)
		SELECT EXISTS (SELECT 1 FROM updated) FROM target`,
		ref.String(), string(from), string(to), now.UTC(),
	).Scan(&swapped)
	if errors.Is(err, sql.ErrNoRows) {
		return false, sentinel.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("update invoice state: %w", err)
	}
	return swapped, nil
}

func (s *PostgresStore) ListAwaitingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.InvoiceReference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reference FROM invoices
		WHERE state = 'AWAITING_PAYMENT' AND created_at <= $1
		ORDER BY created_at
		LIMIT $2`,
		cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale invoices: %w", err)
	}
	return scanReferences(rows)
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM invoices
		WHERE state IN ('COMMITTED', 'EXPIRED', 'CONFLICTED') AND updated_at < $1`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge invoices: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanReferences(rows *sql.Rows) ([]domain.InvoiceReference, error) {
	defer rows.Close()
	var refs []domain.InvoiceReference
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		refs = append(refs, domain.InvoiceReference(ref))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale invoices: %w", err)
	}
	return refs, nil
}

func scanInvoice(row *sql.Row) (*models.PendingInvoice, error) {
	var (
		inv               models.PendingInvoice
		ref, ident, state string
	)
	err := row.Scan(&ref, &ident, &inv.PublicKey, &inv.AmountSats, &inv.PaymentRequest, &state, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	inv.Reference = domain.InvoiceReference(ref)
	inv.Identifier = domain.Identifier(ident)
	inv.State = models.State(state)
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return &inv, nil
}
