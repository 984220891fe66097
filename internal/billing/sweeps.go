package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SweepError records one failed item of a batch sweep.
type SweepError struct {
	InvoiceID uuid.UUID `json:"invoiceId,omitempty"`
	TenantID  uuid.UUID `json:"tenantId,omitempty"`
	Reason    string    `json:"reason"`
}

// SweepResult reports a sweep run. Errors never abort the remaining items;
// only a failed population query fails the sweep itself.
type SweepResult struct {
	Processed int          `json:"processed"`
	Errors    []SweepError `json:"errors,omitempty"`
}

// GenerateRecurringInvoices creates one DRAFT invoice per active tenant
// whose billing anchor day matches the given date and who has not yet been
// invoiced for the current cycle. Invoices are computed from the tenant's
// current lease terms and fall due after the configured payment terms.
func (s *Service) GenerateRecurringInvoices(ctx context.Context, on time.Time) (*SweepResult, error) {
	on = dateOf(on.UTC())
	tenants, err := s.tenants.DueForBilling(ctx, on)
	if err != nil {
		return nil, fmt.Errorf("recurring sweep: list tenants: %w", err)
	}

	res := &SweepResult{}
	for i := range tenants {
		tenant := &tenants[i]
		if !tenant.Active() {
			continue
		}
		if !tenant.LeaseEnd.IsZero() && tenant.LeaseEnd.Before(on) {
			continue
		}
		exists, err := s.repo.HasInvoiceForPeriod(ctx, tenant.ID, on.Year(), on.Month())
		if err != nil {
			res.Errors = append(res.Errors, SweepError{TenantID: tenant.ID, Reason: err.Error()})
			s.logger.Error("recurring sweep: period check", slog.String("tenant", tenant.ID.String()), slog.Any("error", err))
			continue
		}
		if exists {
			continue
		}

		inv := &Invoice{
			ID:             uuid.New(),
			TenantID:       tenant.ID,
			UnitID:         tenant.UnitID,
			PropertyID:     tenant.PropertyID,
			InvoiceDate:    on,
			DueDate:        on.AddDate(0, 0, s.cfg.PaymentTermsDays),
			BaseRent:       Round2(tenant.BaseRent),
			ServiceCharges: Round2(tenant.ServiceCharge),
			ParkingRate:    Round2(tenant.ParkingRate),
			ParkingSpots:   tenant.ParkingSpots,
			Status:         StatusDraft,
			CreatedAt:      s.now().UTC(),
			UpdatedAt:      s.now().UTC(),
		}
		inv.Recompute()
		if err := s.repo.CreateInvoice(ctx, inv); err != nil {
			res.Errors = append(res.Errors, SweepError{TenantID: tenant.ID, Reason: err.Error()})
			s.logger.Error("recurring sweep: create invoice", slog.String("tenant", tenant.ID.String()), slog.Any("error", err))
			continue
		}
		res.Processed++
	}
	s.logger.Info("recurring sweep done", slog.Int("processed", res.Processed), slog.Int("failed", len(res.Errors)))
	return res, nil
}

// MarkOverdueInvoices transitions SENT and PARTIALLY_PAID invoices past
// their due date to OVERDUE and dispatches an overdue notification with
// the days-overdue count.
func (s *Service) MarkOverdueInvoices(ctx context.Context, asOf time.Time) (*SweepResult, error) {
	asOf = asOf.UTC()
	candidates, err := s.repo.ListDueForOverdue(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("overdue sweep: list candidates: %w", err)
	}

	res := &SweepResult{}
	for i := range candidates {
		id := candidates[i].ID
		var marked *Invoice
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxPort) error {
			inv, err := tx.GetInvoiceForUpdate(ctx, id)
			if err != nil {
				return err
			}
			// Re-check under lock; a payment may have settled the invoice
			// between listing and locking.
			if inv.Status != StatusSent && inv.Status != StatusPartiallyPaid {
				return nil
			}
			if !dateOf(inv.DueDate).Before(dateOf(asOf)) {
				return nil
			}
			if !CanTransition(inv.Status, StatusOverdue) {
				return ErrInvalidTransition
			}
			inv.Status = StatusOverdue
			inv.UpdatedAt = s.now().UTC()
			if err := tx.UpdateInvoice(ctx, inv); err != nil {
				return err
			}
			marked = inv
			return nil
		})
		if err != nil {
			res.Errors = append(res.Errors, SweepError{InvoiceID: id, Reason: err.Error()})
			s.logger.Error("overdue sweep: mark", slog.String("invoice", id.String()), slog.Any("error", err))
			continue
		}
		if marked == nil {
			continue
		}
		res.Processed++
		s.notifyOverdue(ctx, marked, asOf)
	}
	s.logger.Info("overdue sweep done", slog.Int("processed", res.Processed), slog.Int("failed", len(res.Errors)))
	return res, nil
}

// ApplyLateFees applies the configured percentage surcharge to every
// OVERDUE invoice that has not been charged yet. The flag check runs again
// under the row lock so a fee can never be applied twice.
func (s *Service) ApplyLateFees(ctx context.Context) (*SweepResult, error) {
	candidates, err := s.repo.ListOverdueWithoutFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("late fee sweep: list candidates: %w", err)
	}

	res := &SweepResult{}
	for i := range candidates {
		id := candidates[i].ID
		var charged *Invoice
		var fee float64
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxPort) error {
			inv, err := tx.GetInvoiceForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if inv.LateFeeApplied || inv.Status != StatusOverdue {
				return nil
			}
			fee = LateFeeAmount(inv.TotalAmount, s.cfg.LateFeePercent)
			inv.LateFee = &fee
			inv.LateFeeApplied = true
			inv.Recompute()
			inv.UpdatedAt = s.now().UTC()
			if err := tx.UpdateInvoice(ctx, inv); err != nil {
				return err
			}
			charged = inv
			return nil
		})
		if err != nil {
			res.Errors = append(res.Errors, SweepError{InvoiceID: id, Reason: err.Error()})
			s.logger.Error("late fee sweep: apply", slog.String("invoice", id.String()), slog.Any("error", err))
			continue
		}
		if charged == nil {
			continue
		}
		res.Processed++
		s.notifyLateFee(ctx, charged, fee)
	}
	s.logger.Info("late fee sweep done", slog.Int("processed", res.Processed), slog.Int("failed", len(res.Errors)))
	return res, nil
}

// SendPaymentReminders dispatches a reminder for every open invoice due in
// exactly the configured number of days. No invoice state changes.
func (s *Service) SendPaymentReminders(ctx context.Context, asOf time.Time) (*SweepResult, error) {
	target := dateOf(asOf.UTC()).AddDate(0, 0, s.cfg.ReminderLeadDays)
	candidates, err := s.repo.ListDueOn(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("reminder sweep: list candidates: %w", err)
	}

	res := &SweepResult{}
	for i := range candidates {
		inv := &candidates[i]
		tenant, err := s.tenants.Lookup(ctx, inv.TenantID)
		if err != nil {
			res.Errors = append(res.Errors, SweepError{InvoiceID: inv.ID, Reason: err.Error()})
			s.logger.Error("reminder sweep: tenant lookup", slog.String("invoice", inv.Number), slog.Any("error", err))
			continue
		}
		n := Notification{
			To:      tenant.Email,
			Kind:    NotifyReminder,
			Subject: fmt.Sprintf("Payment reminder: invoice %s", inv.Number),
			Body: fmt.Sprintf("Invoice %s with an outstanding balance of %.2f is due on %s.",
				inv.Number, inv.Balance, inv.DueDate.Format("2006-01-02")),
		}
		if err := s.send(ctx, n); err != nil {
			res.Errors = append(res.Errors, SweepError{InvoiceID: inv.ID, Reason: err.Error()})
			s.logger.Error("reminder sweep: notify", slog.String("invoice", inv.Number), slog.Any("error", err))
			continue
		}
		res.Processed++
	}
	s.logger.Info("reminder sweep done", slog.Int("processed", res.Processed), slog.Int("failed", len(res.Errors)))
	return res, nil
}

func (s *Service) notifyOverdue(ctx context.Context, inv *Invoice, asOf time.Time) {
	tenant, err := s.tenants.Lookup(ctx, inv.TenantID)
	if err != nil {
		s.logger.Warn("overdue notify: tenant lookup", slog.String("invoice", inv.Number), slog.Any("error", err))
		return
	}
	n := Notification{
		To:      tenant.Email,
		Kind:    NotifyOverdue,
		Subject: fmt.Sprintf("Invoice %s is overdue", inv.Number),
		Body: fmt.Sprintf("Invoice %s is %d day(s) overdue. Outstanding balance: %.2f.",
			inv.Number, inv.DaysOverdue(asOf), inv.Balance),
	}
	if err := s.send(ctx, n); err != nil {
		s.logger.Warn("overdue notify", slog.String("invoice", inv.Number), slog.Any("error", err))
	}
}

func (s *Service) notifyLateFee(ctx context.Context, inv *Invoice, fee float64) {
	tenant, err := s.tenants.Lookup(ctx, inv.TenantID)
	if err != nil {
		s.logger.Warn("late fee notify: tenant lookup", slog.String("invoice", inv.Number), slog.Any("error", err))
		return
	}
	n := Notification{
		To:      tenant.Email,
		Kind:    NotifyLateFee,
		Subject: fmt.Sprintf("Late fee applied to invoice %s", inv.Number),
		Body: fmt.Sprintf("A late fee of %.2f was applied to invoice %s. New balance: %.2f.",
			fee, inv.Number, inv.Balance),
	}
	if err := s.send(ctx, n); err != nil {
		s.logger.Warn("late fee notify", slog.String("invoice", inv.Number), slog.Any("error", err))
	}
}

func (s *Service) send(ctx context.Context, n Notification) error {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.Send(ctx, n)
}
