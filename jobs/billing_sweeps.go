package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atrium-pm/atrium/internal/billing"
	"github.com/atrium-pm/atrium/internal/jobmetrics"
	"github.com/atrium-pm/atrium/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// BillingSweepJob runs the scheduled billing sweeps. A redis day-lock keeps
// each sweep to one run per calendar day even when both the cron scheduler
// and an ad-hoc trigger submit it.
type BillingSweepJob struct {
	Service *billing.Service
	Locker  *shared.SweepLocker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewBillingSweepJob initialises the sweep handlers.
func NewBillingSweepJob(service *billing.Service, locker *shared.SweepLocker, logger *slog.Logger, metrics *jobmetrics.Metrics) *BillingSweepJob {
	return &BillingSweepJob{
		Service: service,
		Locker:  locker,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// HandleRecurring generates the month's recurring invoices.
func (j *BillingSweepJob) HandleRecurring(ctx context.Context, t *asynq.Task) error {
	return j.run(ctx, t, TaskBillingRecurring, func(ctx context.Context, day time.Time) (*billing.SweepResult, error) {
		return j.Service.GenerateRecurringInvoices(ctx, day)
	})
}

// HandleOverdue marks open invoices past their due date as overdue.
func (j *BillingSweepJob) HandleOverdue(ctx context.Context, t *asynq.Task) error {
	return j.run(ctx, t, TaskBillingOverdue, func(ctx context.Context, day time.Time) (*billing.SweepResult, error) {
		return j.Service.MarkOverdueInvoices(ctx, day)
	})
}

// HandleLateFee applies the late-fee surcharge to overdue invoices.
func (j *BillingSweepJob) HandleLateFee(ctx context.Context, t *asynq.Task) error {
	return j.run(ctx, t, TaskBillingLateFee, func(ctx context.Context, _ time.Time) (*billing.SweepResult, error) {
		return j.Service.ApplyLateFees(ctx)
	})
}

// HandleReminder sends payment reminders for invoices nearing their due date.
func (j *BillingSweepJob) HandleReminder(ctx context.Context, t *asynq.Task) error {
	return j.run(ctx, t, TaskBillingReminder, func(ctx context.Context, day time.Time) (*billing.SweepResult, error) {
		return j.Service.SendPaymentReminders(ctx, day)
	})
}

func (j *BillingSweepJob) run(ctx context.Context, t *asynq.Task, name string, sweep func(context.Context, time.Time) (*billing.SweepResult, error)) error {
	if j == nil || j.Service == nil {
		return errors.New("billing sweep: handler not configured")
	}
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	day := j.now()
	if payload.Date != "" {
		parsed, err := time.Parse("2006-01-02", payload.Date)
		if err != nil {
			return asynq.SkipRetry
		}
		day = parsed
	}
	day = day.UTC().Truncate(24 * time.Hour)

	logger := j.logger(name).With(slog.String("date", day.Format("2006-01-02")))

	held, err := j.Locker.Acquire(ctx, name, day)
	if err != nil {
		return err
	}
	if !held {
		logger.Info("sweep already ran today, skipping")
		return nil
	}

	tracker := j.metrics().Track(name)
	res, err := sweep(ctx, day)
	if err != nil {
		// Drop the day-lock so a retry can run the sweep again.
		if relErr := j.Locker.Release(ctx, name, day); relErr != nil {
			logger.Warn("release sweep lock", slog.Any("error", relErr))
		}
		logger.Error("sweep failed", slog.Any("error", err))
		return tracker.End(err)
	}

	j.metrics().AddSweepItems(name, "processed", res.Processed)
	j.metrics().AddSweepItems(name, "failed", len(res.Errors))
	for _, item := range res.Errors {
		logger.Warn("sweep item failed",
			slog.String("invoice_id", item.InvoiceID.String()),
			slog.String("tenant_id", item.TenantID.String()),
			slog.String("reason", item.Reason),
		)
	}
	logger.Info("sweep completed",
		slog.Int("processed", res.Processed),
		slog.Int("failed", len(res.Errors)),
	)
	return tracker.End(nil)
}

func (j *BillingSweepJob) logger(name string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", name))
	}
	return slog.Default().With(slog.String("job", name))
}

func (j *BillingSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BillingSweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
