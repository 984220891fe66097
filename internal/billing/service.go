package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atrium-pm/atrium/internal/shared"
)

// Domain errors. Validation errors leave no partial mutation behind.
var (
	ErrInvoiceNotFound = fmt.Errorf("invoice %w", shared.ErrNotFound)
	ErrTenantNotFound  = fmt.Errorf("tenant %w", shared.ErrNotFound)
	ErrActorNotFound   = fmt.Errorf("recording actor %w", shared.ErrNotFound)

	ErrInvalidTransition = fmt.Errorf("%w: illegal status transition", shared.ErrValidation)
	ErrNotDraft          = fmt.Errorf("%w: invoice can only be edited in DRAFT", shared.ErrValidation)
	ErrDateOrder         = fmt.Errorf("%w: due date must not precede invoice date", shared.ErrValidation)
	ErrInactiveTenant    = fmt.Errorf("%w: tenant is not active", shared.ErrValidation)
	ErrNegativeCharge    = fmt.Errorf("%w: charges must not be negative", shared.ErrValidation)
	ErrNonPositiveAmount = fmt.Errorf("%w: amount must be positive", shared.ErrValidation)
	ErrFuturePaymentDate = fmt.Errorf("%w: payment date cannot be in the future", shared.ErrValidation)
	ErrExceedsBalance    = fmt.Errorf("%w: payment exceeds outstanding balance", shared.ErrValidation)
	ErrNotPayable        = fmt.Errorf("%w: invoice status does not accept payments", shared.ErrValidation)
	ErrCancelPaid        = fmt.Errorf("%w: invoice with recorded payments cannot be cancelled", shared.ErrValidation)
	ErrLateFeeApplied    = fmt.Errorf("%w: late fee already applied", shared.ErrValidation)
	ErrNotOverdue        = fmt.Errorf("%w: late fee applies to OVERDUE invoices only", shared.ErrValidation)
	ErrDeleteNotAllowed  = fmt.Errorf("%w: only DRAFT or CANCELLED invoices can be deleted", shared.ErrValidation)
)

// TxPort exposes the operations available inside a billing transaction.
// GetInvoiceForUpdate serializes concurrent writers per invoice; every
// status change goes through it.
type TxPort interface {
	GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	SoftDeleteInvoice(ctx context.Context, id uuid.UUID, at time.Time) error
	CreatePayment(ctx context.Context, p *Payment) error
	NextNumber(ctx context.Context, kind string, year int) (int64, error)
}

// RepositoryPort defines data access for the billing engine. All listing
// methods exclude soft-deleted invoices.
type RepositoryPort interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, int, error)
	ListDueForOverdue(ctx context.Context, asOf time.Time) ([]Invoice, error)
	ListOverdueWithoutFee(ctx context.Context) ([]Invoice, error)
	ListDueOn(ctx context.Context, day time.Time) ([]Invoice, error)
	HasInvoiceForPeriod(ctx context.Context, tenantID uuid.UUID, year int, month time.Month) (bool, error)
	ListInvoicePayments(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error)
	ListPayments(ctx context.Context, limit int) ([]Payment, error)
	Summarize(ctx context.Context) (*Summary, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxPort) error) error
}

// TenantDirectory is the consumed contract of the tenancy module.
type TenantDirectory interface {
	Lookup(ctx context.Context, id uuid.UUID) (*Tenant, error)
	DueForBilling(ctx context.Context, on time.Time) ([]Tenant, error)
}

// ActorDirectory validates the staff member recording a payment.
type ActorDirectory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Renderer produces document bytes from invoice/payment snapshots.
type Renderer interface {
	InvoicePDF(ctx context.Context, inv *Invoice, tenant *Tenant) ([]byte, error)
	ReceiptPDF(ctx context.Context, p *Payment, inv *Invoice, tenant *Tenant) ([]byte, error)
}

// NotificationKind labels outbound documents.
type NotificationKind string

const (
	NotifyInvoiceIssued  NotificationKind = "invoice_issued"
	NotifyPaymentReceipt NotificationKind = "payment_receipt"
	NotifyOverdue        NotificationKind = "invoice_overdue"
	NotifyLateFee        NotificationKind = "late_fee_applied"
	NotifyReminder       NotificationKind = "payment_reminder"
)

// Notification is a templated outbound message with optional attachment.
type Notification struct {
	To             string
	Kind           NotificationKind
	Subject        string
	Body           string
	Attachment     []byte
	AttachmentName string
}

// Notifier dispatches notifications. Failures are logged by the caller and
// never propagated as a lifecycle failure.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// AuditSink records lifecycle actions. shared.AuditLogger satisfies it.
type AuditSink interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config carries the billing policy knobs.
type Config struct {
	LateFeePercent   float64
	ReminderLeadDays int
	PaymentTermsDays int
}

// ServiceParams groups the service dependencies.
type ServiceParams struct {
	Repo     RepositoryPort
	Tenants  TenantDirectory
	Actors   ActorDirectory
	Renderer Renderer
	Notifier Notifier
	Audit    AuditSink
	Logger   *slog.Logger
	Config   Config
	Clock    func() time.Time
}

// Service owns the invoice and payment lifecycle.
type Service struct {
	repo     RepositoryPort
	tenants  TenantDirectory
	actors   ActorDirectory
	renderer Renderer
	notifier Notifier
	audit    AuditSink
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewService builds a Service instance.
func NewService(p ServiceParams) *Service {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	if p.Config.PaymentTermsDays <= 0 {
		p.Config.PaymentTermsDays = 30
	}
	if p.Config.ReminderLeadDays <= 0 {
		p.Config.ReminderLeadDays = 3
	}
	return &Service{
		repo:     p.Repo,
		tenants:  p.Tenants,
		actors:   p.Actors,
		renderer: p.Renderer,
		notifier: p.Notifier,
		audit:    p.Audit,
		logger:   p.Logger,
		cfg:      p.Config,
		now:      p.Clock,
	}
}

// CreateInvoiceInput creates a DRAFT invoice. Nil charge fields default to
// the tenant's current lease terms.
type CreateInvoiceInput struct {
	TenantID       uuid.UUID
	InvoiceDate    time.Time
	DueDate        time.Time
	BaseRent       *float64
	ServiceCharges *float64
	ParkingRate    *float64
	ParkingSpots   *int
}

// CreateInvoice creates a DRAFT invoice for an active tenant.
func (s *Service) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (*Invoice, error) {
	tenant, err := s.tenants.Lookup(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.Active() {
		return nil, ErrInactiveTenant
	}

	now := s.now().UTC()
	invoiceDate := in.InvoiceDate
	if invoiceDate.IsZero() {
		invoiceDate = dateOf(now)
	}
	dueDate := in.DueDate
	if dueDate.IsZero() {
		dueDate = invoiceDate.AddDate(0, 0, s.cfg.PaymentTermsDays)
	}
	if dueDate.Before(invoiceDate) {
		return nil, ErrDateOrder
	}

	inv := &Invoice{
		ID:             uuid.New(),
		TenantID:       tenant.ID,
		UnitID:         tenant.UnitID,
		PropertyID:     tenant.PropertyID,
		InvoiceDate:    invoiceDate,
		DueDate:        dueDate,
		BaseRent:       Round2(pickFloat(in.BaseRent, tenant.BaseRent)),
		ServiceCharges: Round2(pickFloat(in.ServiceCharges, tenant.ServiceCharge)),
		ParkingRate:    Round2(pickFloat(in.ParkingRate, tenant.ParkingRate)),
		ParkingSpots:   pickInt(in.ParkingSpots, tenant.ParkingSpots),
		Status:         StatusDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if inv.BaseRent < 0 || inv.ServiceCharges < 0 || inv.ParkingRate < 0 || inv.ParkingSpots < 0 {
		return nil, ErrNegativeCharge
	}
	inv.Recompute()

	if err := s.repo.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, inv.TenantID.String(), "invoice.create", inv.ID, map[string]any{"number": inv.Number, "total": inv.TotalAmount})
	return inv, nil
}

// UpdateInvoiceInput edits a DRAFT invoice; nil fields keep current values.
type UpdateInvoiceInput struct {
	InvoiceDate    *time.Time
	DueDate        *time.Time
	BaseRent       *float64
	ServiceCharges *float64
	ParkingRate    *float64
	ParkingSpots   *int
}

// UpdateInvoice edits charge and date fields while the invoice is DRAFT.
// The guard and the write run under the invoice row lock.
func (s *Service) UpdateInvoice(ctx context.Context, id uuid.UUID, in UpdateInvoiceInput) (*Invoice, error) {
	var updated *Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxPort) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status != StatusDraft {
			return ErrNotDraft
		}

		invoiceDate := inv.InvoiceDate
		if in.InvoiceDate != nil {
			invoiceDate = *in.InvoiceDate
		}
		dueDate := inv.DueDate
		if in.DueDate != nil {
			dueDate = *in.DueDate
		}
		if dueDate.Before(invoiceDate) {
			return ErrDateOrder
		}

		inv.InvoiceDate = invoiceDate
		inv.DueDate = dueDate
		if in.BaseRent != nil {
			inv.BaseRent = Round2(*in.BaseRent)
		}
		if in.ServiceCharges != nil {
			inv.ServiceCharges = Round2(*in.ServiceCharges)
		}
		if in.ParkingRate != nil {
			inv.ParkingRate = Round2(*in.ParkingRate)
		}
		if in.ParkingSpots != nil {
			inv.ParkingSpots = *in.ParkingSpots
		}
		if inv.BaseRent < 0 || inv.ServiceCharges < 0 || inv.ParkingRate < 0 || inv.ParkingSpots < 0 {
			return ErrNegativeCharge
		}
		inv.Recompute()
		inv.UpdatedAt = s.now().UTC()

		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		updated = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SendInvoice transitions DRAFT to SENT and dispatches the invoice
// document. Dispatch failure does not roll back the transition.
func (s *Service) SendInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var sent *Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxPort) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(inv.Status, StatusSent) {
			return ErrInvalidTransition
		}
		inv.Status = StatusSent
		inv.UpdatedAt = s.now().UTC()
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		sent = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, sent.TenantID.String(), "invoice.send", sent.ID, nil)
	s.dispatchInvoiceDocument(ctx, sent)
	return sent, nil
}

// CancelInvoice cancels a DRAFT invoice, or a SENT invoice without
// recorded payments. The payment check runs under the invoice row lock so
// a payment committing concurrently cannot be clobbered.
func (s *Service) CancelInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	var cancelled *Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxPort) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status == StatusSent && inv.PaidAmount > 0 {
			return ErrCancelPaid
		}
		if !CanTransition(inv.Status, StatusCancelled) {
			return ErrInvalidTransition
		}
		inv.Status = StatusCancelled
		inv.UpdatedAt = s.now().UTC()
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		cancelled = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, cancelled.TenantID.String(), "invoice.cancel", cancelled.ID, nil)
	return cancelled, nil
}

// DeleteInvoice soft-deletes a DRAFT or CANCELLED invoice. The row is
// retained for audit and excluded from active listings.
func (s *Service) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	var tenantID uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxPort) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status != StatusDraft && inv.Status != StatusCancelled {
			return ErrDeleteNotAllowed
		}
		if err := tx.SoftDeleteInvoice(ctx, id, s.now().UTC()); err != nil {
			return err
		}
		tenantID = inv.TenantID
		return nil
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID.String(), "invoice.delete", id, nil)
	return nil
}

// GetInvoice returns an invoice by id.
func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// InvoiceDetail is an invoice with its tenant name and payment history.
type InvoiceDetail struct {
	Invoice
	TenantName string    `json:"tenantName"`
	Payments   []Payment `json:"payments"`
}

// GetInvoiceDetail returns an invoice with its payments.
func (s *Service) GetInvoiceDetail(ctx context.Context, id uuid.UUID) (*InvoiceDetail, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := s.repo.ListInvoicePayments(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &InvoiceDetail{Invoice: *inv, Payments: payments}
	if tenant, err := s.tenants.Lookup(ctx, inv.TenantID); err == nil {
		detail.TenantName = tenant.Name
	}
	return detail, nil
}

// RecordPaymentInput records a manual payment fact against an invoice.
type RecordPaymentInput struct {
	InvoiceID  uuid.UUID
	Amount     float64
	PaidAt     time.Time
	Method     string
	RecordedBy uuid.UUID
}

// RecordPayment applies a payment to an invoice. The payment row and the
// invoice balance/status update commit as one transaction with the invoice
// row locked, so concurrent payments are strictly ordered and can never
// overspend the balance. The receipt dispatch runs after commit and its
// failure does not affect the result.
func (s *Service) RecordPayment(ctx context.Context, in RecordPaymentInput) (*Payment, error) {
	amount := Round2(in.Amount)
	if amount <= 0 {
		return nil, ErrNonPositiveAmount
	}
	now := s.now().UTC()
	paidAt := in.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	if dateOf(paidAt).After(dateOf(now)) {
		return nil, ErrFuturePaymentDate
	}
	ok, err := s.actors.Exists(ctx, in.RecordedBy)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrActorNotFound
	}

	var payment *Payment
	var invoice *Invoice
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxPort) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, in.InvoiceID)
		if err != nil {
			return err
		}
		if !AcceptsPayment(inv.Status) {
			return ErrNotPayable
		}
		if amount > inv.Balance {
			return ErrExceedsBalance
		}

		seq, err := tx.NextNumber(ctx, SequencePayment, now.Year())
		if err != nil {
			return err
		}
		p := &Payment{
			ID:         uuid.New(),
			Number:     FormatNumber(SequencePayment, now.Year(), seq),
			InvoiceID:  inv.ID,
			TenantID:   inv.TenantID,
			Amount:     amount,
			PaidAt:     paidAt,
			Method:     in.Method,
			RecordedBy: in.RecordedBy,
			CreatedAt:  now,
		}
		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}

		inv.PaidAmount = Round2(inv.PaidAmount + amount)
		inv.Recompute()
		next := StatusPartiallyPaid
		if inv.Balance == 0 {
			next = StatusPaid
		}
		if !CanTransition(inv.Status, next) {
			return ErrInvalidTransition
		}
		inv.Status = next
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}

		payment = p
		invoice = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, in.RecordedBy.String(), "payment.record", payment.ID, map[string]any{
		"number":  payment.Number,
		"invoice": invoice.Number,
		"amount":  payment.Amount,
	})
	s.dispatchReceiptDocument(ctx, payment, invoice)
	return payment, nil
}

// ListInvoices returns filtered invoices with pagination metadata. Unknown
// sort keys fall back to createdAt.
func (s *Service) ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, shared.Pagination, error) {
	if _, ok := InvoiceSortKey[f.SortBy]; !ok {
		f.SortBy = "createdAt"
	}
	if f.PerPage <= 0 {
		f.PerPage = 20
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	invoices, total, err := s.repo.ListInvoices(ctx, f)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return invoices, shared.NewPagination(f.Page, f.PerPage, total), nil
}

// ListInvoicePayments returns the payment history of one invoice.
func (s *Service) ListInvoicePayments(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	if _, err := s.repo.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListInvoicePayments(ctx, invoiceID)
}

// ListPayments returns the most recent payments across invoices.
func (s *Service) ListPayments(ctx context.Context, limit int) ([]Payment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListPayments(ctx, limit)
}

// GetSummary aggregates invoiced/collected totals and the collection rate.
func (s *Service) GetSummary(ctx context.Context) (*Summary, error) {
	sum, err := s.repo.Summarize(ctx)
	if err != nil {
		return nil, err
	}
	if sum.TotalInvoiced > 0 {
		sum.CollectionRate = Round2(sum.TotalCollected / sum.TotalInvoiced * 100)
	}
	return sum, nil
}

// --- side effects ---

func (s *Service) dispatchInvoiceDocument(ctx context.Context, inv *Invoice) {
	if s.notifier == nil {
		return
	}
	tenant, err := s.tenants.Lookup(ctx, inv.TenantID)
	if err != nil {
		s.logger.Warn("invoice dispatch: tenant lookup", slog.String("invoice", inv.Number), slog.Any("error", err))
		return
	}
	var pdf []byte
	if s.renderer != nil {
		pdf, err = s.renderer.InvoicePDF(ctx, inv, tenant)
		if err != nil {
			s.logger.Warn("invoice dispatch: render", slog.String("invoice", inv.Number), slog.Any("error", err))
			pdf = nil
		}
	}
	n := Notification{
		To:             tenant.Email,
		Kind:           NotifyInvoiceIssued,
		Subject:        fmt.Sprintf("Invoice %s", inv.Number),
		Body:           fmt.Sprintf("Invoice %s for %.2f is due on %s.", inv.Number, inv.TotalAmount, inv.DueDate.Format("2006-01-02")),
		Attachment:     pdf,
		AttachmentName: inv.Number + ".pdf",
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		s.logger.Warn("invoice dispatch: notify", slog.String("invoice", inv.Number), slog.Any("error", err))
	}
}

func (s *Service) dispatchReceiptDocument(ctx context.Context, p *Payment, inv *Invoice) {
	if s.notifier == nil {
		return
	}
	tenant, err := s.tenants.Lookup(ctx, inv.TenantID)
	if err != nil {
		s.logger.Warn("receipt dispatch: tenant lookup", slog.String("payment", p.Number), slog.Any("error", err))
		return
	}
	var pdf []byte
	if s.renderer != nil {
		pdf, err = s.renderer.ReceiptPDF(ctx, p, inv, tenant)
		if err != nil {
			s.logger.Warn("receipt dispatch: render", slog.String("payment", p.Number), slog.Any("error", err))
			pdf = nil
		}
	}
	n := Notification{
		To:             tenant.Email,
		Kind:           NotifyPaymentReceipt,
		Subject:        fmt.Sprintf("Payment receipt %s", p.Number),
		Body:           fmt.Sprintf("We received %.2f against invoice %s. Outstanding balance: %.2f.", p.Amount, inv.Number, inv.Balance),
		Attachment:     pdf,
		AttachmentName: p.Number + ".pdf",
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		s.logger.Warn("receipt dispatch: notify", slog.String("payment", p.Number), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID, action string, entityID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "billing",
		EntityID: entityID.String(),
		Meta:     meta,
		At:       s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

// --- helpers ---

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func pickFloat(v *float64, fallback float64) float64 {
	if v != nil {
		return *v
	}
	return fallback
}

func pickInt(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}
