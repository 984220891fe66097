package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atrium-pm/atrium/internal/platform/db"
	"github.com/atrium-pm/atrium/internal/shared"
)

// Repository provides PostgreSQL backed persistence for billing.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// querier abstracts pool vs transaction execution.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const invoiceColumns = `i.id, i.number, i.tenant_id, i.unit_id, i.property_id,
	i.invoice_date, i.due_date, i.base_rent, i.service_charges,
	i.parking_rate, i.parking_spots, i.late_fee, i.total_amount,
	i.paid_amount, i.balance, i.status, i.late_fee_applied,
	i.deleted_at, i.created_at, i.updated_at`

// activeOnly is the base predicate every invoice query applies: soft
// deleted rows are invisible to the engine and only reachable via audit.
const activeOnly = ` AND i.deleted_at IS NULL`

// CreateInvoice inserts a DRAFT invoice, drawing its number from the
// year-scoped sequencer inside the same transaction. A sequencer failure
// aborts the whole creation.
func (r *Repository) CreateInvoice(ctx context.Context, inv *Invoice) error {
	number := inv.Number
	return r.WithTx(ctx, func(ctx context.Context, tx TxPort) error {
		inv.Number = number
		if inv.Number == "" {
			year := time.Now().UTC().Year()
			seq, err := tx.NextNumber(ctx, SequenceInvoice, year)
			if err != nil {
				return fmt.Errorf("billing: next invoice number: %w", err)
			}
			inv.Number = FormatNumber(SequenceInvoice, year, seq)
		}
		return insertInvoice(ctx, tx.(*txRepo).tx, inv)
	})
}

func insertInvoice(ctx context.Context, q querier, inv *Invoice) error {
	query := `
		INSERT INTO invoices (
			id, number, tenant_id, unit_id, property_id,
			invoice_date, due_date, base_rent, service_charges,
			parking_rate, parking_spots, late_fee, total_amount,
			paid_amount, balance, status, late_fee_applied,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := q.Exec(ctx, query,
		inv.ID, inv.Number, inv.TenantID, inv.UnitID, inv.PropertyID,
		inv.InvoiceDate, inv.DueDate, inv.BaseRent, inv.ServiceCharges,
		inv.ParkingRate, inv.ParkingSpots, inv.LateFee, inv.TotalAmount,
		inv.PaidAmount, inv.Balance, string(inv.Status), inv.LateFeeApplied,
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: invoice number %s", shared.ErrConflict, inv.Number)
		}
		return err
	}
	return nil
}

// GetInvoice retrieves an invoice by id.
func (r *Repository) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return getInvoice(ctx, r.pool, id, false)
}

func getInvoice(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices i WHERE i.id = $1` + activeOnly
	if forUpdate {
		query += " FOR UPDATE"
	}
	inv, err := scanInvoice(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var lateFee pgtype.Float8
	var deletedAt pgtype.Timestamptz

	err := row.Scan(
		&inv.ID, &inv.Number, &inv.TenantID, &inv.UnitID, &inv.PropertyID,
		&inv.InvoiceDate, &inv.DueDate, &inv.BaseRent, &inv.ServiceCharges,
		&inv.ParkingRate, &inv.ParkingSpots, &lateFee, &inv.TotalAmount,
		&inv.PaidAmount, &inv.Balance, &inv.Status, &inv.LateFeeApplied,
		&deletedAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lateFee.Valid {
		inv.LateFee = &lateFee.Float64
	}
	if deletedAt.Valid {
		inv.DeletedAt = &deletedAt.Time
	}
	return &inv, nil
}

func updateInvoice(ctx context.Context, q querier, inv *Invoice) error {
	query := `
		UPDATE invoices SET
			invoice_date = $2, due_date = $3, base_rent = $4,
			service_charges = $5, parking_rate = $6, parking_spots = $7,
			late_fee = $8, total_amount = $9, paid_amount = $10,
			balance = $11, status = $12, late_fee_applied = $13,
			updated_at = $14
		WHERE id = $1 AND deleted_at IS NULL`

	tag, err := q.Exec(ctx, query,
		inv.ID, inv.InvoiceDate, inv.DueDate, inv.BaseRent,
		inv.ServiceCharges, inv.ParkingRate, inv.ParkingSpots,
		inv.LateFee, inv.TotalAmount, inv.PaidAmount,
		inv.Balance, string(inv.Status), inv.LateFeeApplied,
		inv.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

// softDeleteInvoice flags an invoice as deleted; the row stays for audit.
func softDeleteInvoice(ctx context.Context, q querier, id uuid.UUID, at time.Time) error {
	tag, err := q.Exec(ctx,
		`UPDATE invoices SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		id, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

// ListInvoices returns filtered invoices plus the unpaginated total.
func (r *Repository) ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, int, error) {
	where := ` FROM invoices i LEFT JOIN tenants t ON t.id = i.tenant_id WHERE 1=1` + activeOnly
	args := []any{}
	argNum := 1

	if f.Search != "" {
		where += fmt.Sprintf(" AND (i.number ILIKE $%d OR t.name ILIKE $%d)", argNum, argNum)
		args = append(args, "%"+f.Search+"%")
		argNum++
	}
	if f.Status != "" {
		where += fmt.Sprintf(" AND i.status = $%d", argNum)
		args = append(args, string(f.Status))
		argNum++
	}
	if f.PropertyID != uuid.Nil {
		where += fmt.Sprintf(" AND i.property_id = $%d", argNum)
		args = append(args, f.PropertyID)
		argNum++
	}
	if f.TenantID != uuid.Nil {
		where += fmt.Sprintf(" AND i.tenant_id = $%d", argNum)
		args = append(args, f.TenantID)
		argNum++
	}
	if !f.FromDate.IsZero() {
		where += fmt.Sprintf(" AND i.invoice_date >= $%d", argNum)
		args = append(args, f.FromDate)
		argNum++
	}
	if !f.ToDate.IsZero() {
		where += fmt.Sprintf(" AND i.invoice_date <= $%d", argNum)
		args = append(args, f.ToDate)
		argNum++
	}
	if f.OverdueOnly {
		where += " AND (i.status = 'OVERDUE' OR (i.status IN ('SENT','PARTIALLY_PAID') AND i.due_date < NOW()))"
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sortCol, ok := InvoiceSortKey[f.SortBy]
	if !ok {
		sortCol = "i.created_at"
	}
	query := "SELECT " + invoiceColumns + where + " ORDER BY " + sortCol + " DESC"
	if f.PerPage > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
		args = append(args, f.PerPage, shared.NewPagination(f.Page, f.PerPage, total).Offset())
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	invoices, err := collectInvoices(rows)
	if err != nil {
		return nil, 0, err
	}
	return invoices, total, nil
}

func collectInvoices(rows pgx.Rows) ([]Invoice, error) {
	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

// ListDueForOverdue returns open invoices past their due date.
func (r *Repository) ListDueForOverdue(ctx context.Context, asOf time.Time) ([]Invoice, error) {
	query := `SELECT ` + invoiceColumns + `
		FROM invoices i
		WHERE i.status IN ('SENT','PARTIALLY_PAID') AND i.due_date < $1::date` + activeOnly + `
		ORDER BY i.due_date`
	rows, err := r.pool.Query(ctx, query, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInvoices(rows)
}

// ListOverdueWithoutFee returns OVERDUE invoices not yet surcharged.
func (r *Repository) ListOverdueWithoutFee(ctx context.Context) ([]Invoice, error) {
	query := `SELECT ` + invoiceColumns + `
		FROM invoices i
		WHERE i.status = 'OVERDUE' AND i.late_fee_applied = FALSE` + activeOnly + `
		ORDER BY i.due_date`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInvoices(rows)
}

// ListDueOn returns open invoices whose due date falls on the given day.
func (r *Repository) ListDueOn(ctx context.Context, day time.Time) ([]Invoice, error) {
	query := `SELECT ` + invoiceColumns + `
		FROM invoices i
		WHERE i.status IN ('SENT','PARTIALLY_PAID') AND i.due_date = $1::date` + activeOnly + `
		ORDER BY i.number`
	rows, err := r.pool.Query(ctx, query, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInvoices(rows)
}

// HasInvoiceForPeriod reports whether the tenant was already invoiced in
// the given billing cycle. Cancelled drafts do not block a new invoice.
func (r *Repository) HasInvoiceForPeriod(ctx context.Context, tenantID uuid.UUID, year int, month time.Month) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM invoices i
			WHERE i.tenant_id = $1
			  AND EXTRACT(YEAR FROM i.invoice_date) = $2
			  AND EXTRACT(MONTH FROM i.invoice_date) = $3
			  AND i.status <> 'CANCELLED'`+activeOnly+`
		)`, tenantID, year, int(month)).Scan(&exists)
	return exists, err
}

// --- payments ---

const paymentColumns = `p.id, p.number, p.invoice_id, p.tenant_id, p.amount,
	p.paid_at, p.method, p.recorded_by, p.created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.Number, &p.InvoiceID, &p.TenantID, &p.Amount,
		&p.PaidAt, &p.Method, &p.RecordedBy, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListInvoicePayments returns payments recorded against an invoice.
func (r *Repository) ListInvoicePayments(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments p WHERE p.invoice_id = $1 ORDER BY p.paid_at, p.created_at`
	rows, err := r.pool.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

// ListPayments returns the most recent payments.
func (r *Repository) ListPayments(ctx context.Context, limit int) ([]Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments p ORDER BY p.created_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

func collectPayments(rows pgx.Rows) ([]Payment, error) {
	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// Summarize aggregates totals per status. Cancelled invoices count in the
// status breakdown but not in the money totals.
func (r *Repository) Summarize(ctx context.Context) (*Summary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT i.status, COUNT(*), COALESCE(SUM(i.total_amount), 0), COALESCE(SUM(i.paid_amount), 0)
		FROM invoices i
		WHERE 1=1`+activeOnly+`
		GROUP BY i.status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sum := &Summary{CountsByStatus: make(map[InvoiceStatus]int)}
	for rows.Next() {
		var status InvoiceStatus
		var count int
		var invoiced, collected float64
		if err := rows.Scan(&status, &count, &invoiced, &collected); err != nil {
			return nil, err
		}
		sum.CountsByStatus[status] = count
		if status == StatusCancelled {
			continue
		}
		sum.TotalInvoiced = Round2(sum.TotalInvoiced + invoiced)
		sum.TotalCollected = Round2(sum.TotalCollected + collected)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sum.TotalOutstanding = Round2(sum.TotalInvoiced - sum.TotalCollected)
	return sum, nil
}

// --- transaction support ---

// WithTx wraps the callback in a repeatable-read transaction. The TxPort
// it hands out locks invoice rows with SELECT ... FOR UPDATE so per-invoice
// mutations are serialized against concurrent writers.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxPort) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return getInvoice(ctx, t.tx, id, true)
}

func (t *txRepo) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	return updateInvoice(ctx, t.tx, inv)
}

func (t *txRepo) SoftDeleteInvoice(ctx context.Context, id uuid.UUID, at time.Time) error {
	return softDeleteInvoice(ctx, t.tx, id, at)
}

func (t *txRepo) CreatePayment(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (id, number, invoice_id, tenant_id, amount, paid_at, method, recorded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := t.tx.Exec(ctx, query,
		p.ID, p.Number, p.InvoiceID, p.TenantID, p.Amount, p.PaidAt, p.Method, p.RecordedBy, p.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: payment number %s", shared.ErrConflict, p.Number)
		}
		return err
	}
	return nil
}

// NextNumber atomically increments the year-scoped counter for the given
// sequence kind. The upsert takes the sequence row lock, so no two
// concurrent callers can observe the same value; a caller that loses a
// serialization race instead is replayed by the transaction wrapper.
func (t *txRepo) NextNumber(ctx context.Context, kind string, year int) (int64, error) {
	var value int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO number_sequences (kind, year, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (kind, year)
		DO UPDATE SET last_value = number_sequences.last_value + 1
		RETURNING last_value`, kind, year).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}
