package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/atrium-pm/atrium/internal/shared"
)

// memoryRepo backs service tests without postgres. One repo-wide mutex
// stands in for the invoice row lock: WithTx holds it for the whole
// callback, so transactions serialize the way locked rows do.
type memoryRepo struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]*Invoice
	payments map[uuid.UUID][]Payment
	seqs     map[string]int64

	// beforeTx runs once the lock is held, before the callback. Tests use
	// it to slip in a write that commits ahead of the transaction.
	beforeTx func()
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		invoices: make(map[uuid.UUID]*Invoice),
		payments: make(map[uuid.UUID][]Payment),
		seqs:     make(map[string]int64),
	}
}

type memoryTx struct {
	repo *memoryRepo
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxPort) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.beforeTx != nil {
		r.beforeTx()
	}
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) CreateInvoice(ctx context.Context, inv *Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inv.Number == "" {
		seq := r.nextSeq(SequenceInvoice, inv.InvoiceDate.Year())
		inv.Number = FormatNumber(SequenceInvoice, inv.InvoiceDate.Year(), seq)
	}
	cp := *inv
	r.invoices[inv.ID] = &cp
	return nil
}

func (r *memoryRepo) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getInvoice(id)
}

func (r *memoryRepo) getInvoice(id uuid.UUID) (*Invoice, error) {
	inv, ok := r.invoices[id]
	if !ok || inv.DeletedAt != nil {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (r *memoryRepo) updateInvoice(inv *Invoice) error {
	if _, ok := r.invoices[inv.ID]; !ok {
		return ErrInvoiceNotFound
	}
	cp := *inv
	r.invoices[inv.ID] = &cp
	return nil
}

func (r *memoryRepo) ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.DeletedAt != nil {
			continue
		}
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		if f.TenantID != uuid.Nil && inv.TenantID != f.TenantID {
			continue
		}
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, len(out), nil
}

func (r *memoryRepo) ListDueForOverdue(ctx context.Context, asOf time.Time) ([]Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.DeletedAt != nil {
			continue
		}
		if inv.Status != StatusSent && inv.Status != StatusPartiallyPaid {
			continue
		}
		if !inv.DueDate.Before(asOf.Truncate(24 * time.Hour)) {
			continue
		}
		out = append(out, *inv)
	}
	return out, nil
}

func (r *memoryRepo) ListOverdueWithoutFee(ctx context.Context) ([]Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.DeletedAt != nil {
			continue
		}
		if inv.Status == StatusOverdue && !inv.LateFeeApplied {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListDueOn(ctx context.Context, day time.Time) ([]Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.DeletedAt != nil {
			continue
		}
		if inv.Status != StatusSent && inv.Status != StatusPartiallyPaid {
			continue
		}
		if inv.DueDate.Equal(day) {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (r *memoryRepo) HasInvoiceForPeriod(ctx context.Context, tenantID uuid.UUID, year int, month time.Month) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.invoices {
		if inv.DeletedAt != nil || inv.Status == StatusCancelled {
			continue
		}
		if inv.TenantID == tenantID && inv.InvoiceDate.Year() == year && inv.InvoiceDate.Month() == month {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) ListInvoicePayments(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payment(nil), r.payments[invoiceID]...), nil
}

func (r *memoryRepo) ListPayments(ctx context.Context, limit int) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payment
	for _, list := range r.payments {
		out = append(out, list...)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) Summarize(ctx context.Context) (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := &Summary{CountsByStatus: make(map[InvoiceStatus]int)}
	for _, inv := range r.invoices {
		if inv.DeletedAt != nil {
			continue
		}
		sum.CountsByStatus[inv.Status]++
		if inv.Status == StatusCancelled {
			continue
		}
		sum.TotalInvoiced += inv.TotalAmount
		sum.TotalCollected += inv.PaidAmount
		sum.TotalOutstanding += inv.Balance
	}
	sum.TotalInvoiced = Round2(sum.TotalInvoiced)
	sum.TotalCollected = Round2(sum.TotalCollected)
	sum.TotalOutstanding = Round2(sum.TotalOutstanding)
	return sum, nil
}

func (r *memoryRepo) nextSeq(kind string, year int) int64 {
	key := fmt.Sprintf("%s-%d", kind, year)
	r.seqs[key]++
	return r.seqs[key]
}

func (t *memoryTx) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return t.repo.getInvoice(id)
}

func (t *memoryTx) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	return t.repo.updateInvoice(inv)
}

func (t *memoryTx) SoftDeleteInvoice(ctx context.Context, id uuid.UUID, at time.Time) error {
	inv, ok := t.repo.invoices[id]
	if !ok || inv.DeletedAt != nil {
		return ErrInvoiceNotFound
	}
	inv.DeletedAt = &at
	return nil
}

func (t *memoryTx) CreatePayment(ctx context.Context, p *Payment) error {
	t.repo.payments[p.InvoiceID] = append(t.repo.payments[p.InvoiceID], *p)
	return nil
}

func (t *memoryTx) NextNumber(ctx context.Context, kind string, year int) (int64, error) {
	return t.repo.nextSeq(kind, year), nil
}

// --- collaborator fakes ---

type stubTenants struct {
	byID map[uuid.UUID]*Tenant
	due  []Tenant
}

func (s *stubTenants) Lookup(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	t, ok := s.byID[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *stubTenants) DueForBilling(ctx context.Context, on time.Time) ([]Tenant, error) {
	return append([]Tenant(nil), s.due...), nil
}

type stubActors struct {
	known map[uuid.UUID]bool
}

func (s *stubActors) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.known[id], nil
}

type captureNotifier struct {
	sent []Notification
	err  error
}

func (c *captureNotifier) Send(ctx context.Context, n Notification) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) kinds() []NotificationKind {
	var out []NotificationKind
	for _, n := range c.sent {
		out = append(out, n.Kind)
	}
	return out
}

// --- fixture ---

type fixture struct {
	repo     *memoryRepo
	tenants  *stubTenants
	actors   *stubActors
	notifier *captureNotifier
	service  *Service
	tenant   *Tenant
	actorID  uuid.UUID
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tenant := &Tenant{
		ID:            uuid.New(),
		Name:          "Harbor Cafe",
		Email:         "billing@harborcafe.example",
		Status:        TenantStatusActive,
		UnitID:        uuid.New(),
		PropertyID:    uuid.New(),
		BaseRent:      2400,
		ServiceCharge: 320,
		ParkingRate:   75,
		ParkingSpots:  2,
		BillingDay:    1,
		LeaseEnd:      now.AddDate(1, 0, 0),
	}
	actorID := uuid.New()
	f := &fixture{
		repo:     newMemoryRepo(),
		tenants:  &stubTenants{byID: map[uuid.UUID]*Tenant{tenant.ID: tenant}},
		actors:   &stubActors{known: map[uuid.UUID]bool{actorID: true}},
		notifier: &captureNotifier{},
		tenant:   tenant,
		actorID:  actorID,
		now:      now,
	}
	f.service = NewService(ServiceParams{
		Repo:     f.repo,
		Tenants:  f.tenants,
		Actors:   f.actors,
		Notifier: f.notifier,
		Logger:   slog.Default(),
		Config:   Config{LateFeePercent: 5, ReminderLeadDays: 3, PaymentTermsDays: 30},
		Clock:    func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) createSentInvoice(t *testing.T, total float64) *Invoice {
	t.Helper()
	zero := 0.0
	zeroSpots := 0
	inv, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{
		TenantID:       f.tenant.ID,
		BaseRent:       &total,
		ServiceCharges: &zero,
		ParkingRate:    &zero,
		ParkingSpots:   &zeroSpots,
	})
	require.NoError(t, err)
	sent, err := f.service.SendInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	return sent
}

// --- create / update ---

func TestCreateInvoiceDefaultsFromLease(t *testing.T) {
	f := newFixture(t)

	inv, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{TenantID: f.tenant.ID})
	require.NoError(t, err)

	require.Equal(t, StatusDraft, inv.Status)
	require.Equal(t, "INV-2026-0001", inv.Number)
	require.Equal(t, 2400.0, inv.BaseRent)
	require.Equal(t, 320.0, inv.ServiceCharges)
	require.Equal(t, 150.0, inv.ParkingFees())
	require.Equal(t, 2870.0, inv.TotalAmount)
	require.Equal(t, 2870.0, inv.Balance)
	require.Equal(t, 0.0, inv.PaidAmount)
	require.Equal(t, inv.InvoiceDate.AddDate(0, 0, 30), inv.DueDate)
}

func TestCreateInvoiceRejectsInactiveTenant(t *testing.T) {
	f := newFixture(t)
	f.tenant.Status = "ENDED"

	_, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{TenantID: f.tenant.ID})
	require.ErrorIs(t, err, ErrInactiveTenant)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateInvoiceRejectsDueBeforeInvoiceDate(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{
		TenantID:    f.tenant.ID,
		InvoiceDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		DueDate:     time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
	})
	require.ErrorIs(t, err, ErrDateOrder)
}

func TestCreateInvoiceRejectsNegativeCharges(t *testing.T) {
	f := newFixture(t)
	negative := -10.0

	_, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{
		TenantID: f.tenant.ID,
		BaseRent: &negative,
	})
	require.ErrorIs(t, err, ErrNegativeCharge)
}

func TestInvoiceNumbersIncrementWithinYear(t *testing.T) {
	f := newFixture(t)

	first, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{TenantID: f.tenant.ID})
	require.NoError(t, err)
	second, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{TenantID: f.tenant.ID})
	require.NoError(t, err)

	require.Equal(t, "INV-2026-0001", first.Number)
	require.Equal(t, "INV-2026-0002", second.Number)
}

func TestUpdateInvoiceOnlyInDraft(t *testing.T) {
	f := newFixture(t)
	inv := f.createSentInvoice(t, 1000)

	rent := 900.0
	_, err := f.service.UpdateInvoice(context.Background(), inv.ID, UpdateInvoiceInput{BaseRent: &rent})
	require.ErrorIs(t, err, ErrNotDraft)
}

func TestUpdateInvoiceRecomputesTotals(t *testing.T) {
	f := newFixture(t)
	inv, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{TenantID: f.tenant.ID})
	require.NoError(t, err)

	rent := 2000.0
	spots := 1
	updated, err := f.service.UpdateInvoice(context.Background(), inv.ID, UpdateInvoiceInput{
		BaseRent:     &rent,
		ParkingSpots: &spots,
	})
	require.NoError(t, err)
	require.Equal(t, 2000.0+320+75, updated.TotalAmount)
	require.Equal(t, updated.TotalAmount, updated.Balance)
}

// --- transitions ---

func TestSendInvoiceDispatchesDocument(t *testing.T) {
	f := newFixture(t)
	inv, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{TenantID: f.tenant.ID})
	require.NoError(t, err)

	sent, err := f.service.SendInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, sent.Status)
	require.Equal(t, []NotificationKind{NotifyInvoiceIssued}, f.notifier.kinds())
	require.Equal(t, f.tenant.Email, f.notifier.sent[0].To)
}

func TestSendInvoiceTwiceFails(t *testing.T) {
	f := newFixture(t)
	inv := f.createSentInvoice(t, 1000)

	_, err := f.service.SendInvoice(context.Background(), inv.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestNotifierFailureDoesNotBlockSend(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = fmt.Errorf("smtp down")
	inv, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{TenantID: f.tenant.ID})
	require.NoError(t, err)

	sent, err := f.service.SendInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, sent.Status)
}

func TestCancelDraftInvoice(t *testing.T) {
	f := newFixture(t)
	inv, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{TenantID: f.tenant.ID})
	require.NoError(t, err)

	cancelled, err := f.service.CancelInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
}

func TestCancelSentInvoiceWithPaymentFails(t *testing.T) {
	f := newFixture(t)
	inv := f.createSentInvoice(t, 1000)

	_, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:  inv.ID,
		Amount:     100,
		Method:     "bank_transfer",
		RecordedBy: f.actorID,
	})
	require.NoError(t, err)

	// PARTIALLY_PAID has no edge to CANCELLED at all.
	_, err = f.service.CancelInvoice(context.Background(), inv.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// A SENT invoice that somehow carries payments is also guarded.
	stray := f.createSentInvoice(t, 500)
	f.repo.invoices[stray.ID].PaidAmount = 100
	_, err = f.service.CancelInvoice(context.Background(), stray.ID)
	require.ErrorIs(t, err, ErrCancelPaid)
}

func TestCancelPaidInvoiceFails(t *testing.T) {
	f := newFixture(t)
	inv := f.createSentInvoice(t, 1000)

	_, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:  inv.ID,
		Amount:     1000,
		Method:     "cash",
		RecordedBy: f.actorID,
	})
	require.NoError(t, err)

	_, err = f.service.CancelInvoice(context.Background(), inv.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelInvoiceSeesPaymentLandedFirst(t *testing.T) {
	f := newFixture(t)
	inv := f.createSentInvoice(t, 1000)

	// A payment commits just before cancel takes the invoice row. The
	// guard must see it and keep the payment intact.
	f.repo.beforeTx = func() {
		f.repo.invoices[inv.ID].PaidAmount = 1000
		f.repo.beforeTx = nil
	}

	_, err := f.service.CancelInvoice(context.Background(), inv.ID)
	require.ErrorIs(t, err, ErrCancelPaid)

	after, err := f.service.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, after.Status)
	require.Equal(t, 1000.0, after.PaidAmount)
}

func TestUpdateInvoiceSeesSendLandedFirst(t *testing.T) {
	f := newFixture(t)
	inv, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{TenantID: f.tenant.ID})
	require.NoError(t, err)

	f.repo.beforeTx = func() {
		f.repo.invoices[inv.ID].Status = StatusSent
		f.repo.beforeTx = nil
	}

	rent := 900.0
	_, err = f.service.UpdateInvoice(context.Background(), inv.ID, UpdateInvoiceInput{BaseRent: &rent})
	require.ErrorIs(t, err, ErrNotDraft)

	after, err := f.service.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, 2400.0, after.BaseRent)
}

// --- delete ---

func TestDeleteInvoiceOnlyDraftOrCancelled(t *testing.T) {
	f := newFixture(t)
	inv := f.createSentInvoice(t, 1000)

	err := f.service.DeleteInvoice(context.Background(), inv.ID)
	require.ErrorIs(t, err, ErrDeleteNotAllowed)

	draft, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{TenantID: f.tenant.ID})
	require.NoError(t, err)
	require.NoError(t, f.service.DeleteInvoice(context.Background(), draft.ID))

	_, err = f.service.GetInvoice(context.Background(), draft.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

// --- payments ---

func TestRecordPartialThenFinalPayment(t *testing.T) {
	f := newFixture(t)
	inv := f.createSentInvoice(t, 1000)

	p1, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:  inv.ID,
		Amount:     300,
		Method:     "bank_transfer",
		RecordedBy: f.actorID,
	})
	require.NoError(t, err)
	require.Equal(t, "PMT-2026-0001", p1.Number)

	after, err := f.service.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyPaid, after.Status)
	require.Equal(t, 300.0, after.PaidAmount)
	require.Equal(t, 700.0, after.Balance)

	p2, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:  inv.ID,
		Amount:     700,
		Method:     "bank_transfer",
		RecordedBy: f.actorID,
	})
	require.NoError(t, err)
	require.Equal(t, "PMT-2026-0002", p2.Number)

	settled, err := f.service.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, settled.Status)
	require.Equal(t, 0.0, settled.Balance)

	// PAID is terminal: further payments bounce.
	_, err = f.service.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:  inv.ID,
		Amount:     1,
		Method:     "cash",
		RecordedBy: f.actorID,
	})
	require.ErrorIs(t, err, ErrNotPayable)
}

func TestRecordPaymentRejectsOverpayment(t *testing.T) {
	f := newFixture(t)
	inv := f.createSentInvoice(t, 1000)

	_, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:  inv.ID,
		Amount:     1300,
		Method:     "bank_transfer",
		RecordedBy: f.actorID,
	})
	require.ErrorIs(t, err, ErrExceedsBalance)

	// Rejected payments leave no trace.
	after, err := f.service.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, after.Status)
	require.Equal(t, 0.0, after.PaidAmount)
	payments, err := f.service.ListInvoicePayments(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Empty(t, payments)
}

func TestRecordPaymentValidation(t *testing.T) {
	f := newFixture(t)
	inv := f.createSentInvoice(t, 1000)

	_, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:  inv.ID,
		Amount:     0,
		Method:     "cash",
		RecordedBy: f.actorID,
	})
	require.ErrorIs(t, err, ErrNonPositiveAmount)

	_, err = f.service.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:  inv.ID,
		Amount:     100,
		PaidAt:     f.now.AddDate(0, 0, 1),
		Method:     "cash",
		RecordedBy: f.actorID,
	})
	require.ErrorIs(t, err, ErrFuturePaymentDate)

	_, err = f.service.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:  inv.ID,
		Amount:     100,
		Method:     "cash",
		RecordedBy: uuid.New(),
	})
	require.ErrorIs(t, err, ErrActorNotFound)

	_, err = f.service.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:  uuid.New(),
		Amount:     100,
		Method:     "cash",
		RecordedBy: f.actorID,
	})
	require.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestPaymentsOnDraftRejected(t *testing.T) {
	f := newFixture(t)
	inv, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{TenantID: f.tenant.ID})
	require.NoError(t, err)

	_, err = f.service.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:  inv.ID,
		Amount:     100,
		Method:     "cash",
		RecordedBy: f.actorID,
	})
	require.ErrorIs(t, err, ErrNotPayable)
}

func TestCentSplitPaymentsSettleExactly(t *testing.T) {
	f := newFixture(t)
	inv := f.createSentInvoice(t, 1300)

	for _, amount := range []float64{433.33, 433.33, 433.34} {
		_, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
			InvoiceID:  inv.ID,
			Amount:     amount,
			Method:     "bank_transfer",
			RecordedBy: f.actorID,
		})
		require.NoError(t, err)
	}

	settled, err := f.service.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, 0.0, settled.Balance)
	require.Equal(t, 1300.0, settled.PaidAmount)
	require.Equal(t, StatusPaid, settled.Status)
}

func TestConcurrentPaymentsCannotOverdrawBalance(t *testing.T) {
	f := newFixture(t)
	inv := f.createSentInvoice(t, 1000)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
				InvoiceID:  inv.ID,
				Amount:     700,
				Method:     "bank_transfer",
				RecordedBy: f.actorID,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// Both payments fit the opening balance; only one may land.
	var succeeded, rejected int
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrExceedsBalance)
		rejected++
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, rejected)

	after, err := f.service.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyPaid, after.Status)
	require.Equal(t, 700.0, after.PaidAmount)
	require.Equal(t, 300.0, after.Balance)

	payments, err := f.service.ListInvoicePayments(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
}

func TestConcurrentInvoiceCreationsGetUniqueNumbers(t *testing.T) {
	f := newFixture(t)

	const n = 20
	type result struct {
		number string
		err    error
	}
	results := make(chan result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{TenantID: f.tenant.ID})
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{number: inv.Number}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for res := range results {
		require.NoError(t, res.err)
		require.False(t, seen[res.number], "number %s issued twice", res.number)
		seen[res.number] = true
	}
	require.Len(t, seen, n)
}

// --- query / reporting ---

func TestListInvoicesFallsBackToKnownSortKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{TenantID: f.tenant.ID})
	require.NoError(t, err)

	invoices, page, err := f.service.ListInvoices(context.Background(), InvoiceFilter{SortBy: "drop table"})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	require.Equal(t, 1, page.Total)
}

func TestSummaryCollectionRate(t *testing.T) {
	f := newFixture(t)
	inv := f.createSentInvoice(t, 1000)

	_, err := f.service.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:  inv.ID,
		Amount:     250,
		Method:     "cash",
		RecordedBy: f.actorID,
	})
	require.NoError(t, err)

	sum, err := f.service.GetSummary(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1000.0, sum.TotalInvoiced)
	require.Equal(t, 250.0, sum.TotalCollected)
	require.Equal(t, 750.0, sum.TotalOutstanding)
	require.Equal(t, 25.0, sum.CollectionRate)
	require.Equal(t, 1, sum.CountsByStatus[StatusPartiallyPaid])
}

func TestCancelledInvoicesExcludedFromSummaryTotals(t *testing.T) {
	f := newFixture(t)
	inv, err := f.service.CreateInvoice(context.Background(), CreateInvoiceInput{TenantID: f.tenant.ID})
	require.NoError(t, err)
	_, err = f.service.CancelInvoice(context.Background(), inv.ID)
	require.NoError(t, err)

	sum, err := f.service.GetSummary(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0.0, sum.TotalInvoiced)
	require.Equal(t, 1, sum.CountsByStatus[StatusCancelled])
}
