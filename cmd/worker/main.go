package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atrium-pm/atrium/internal/app"
	"github.com/atrium-pm/atrium/internal/billing"
	"github.com/atrium-pm/atrium/internal/directory"
	"github.com/atrium-pm/atrium/internal/notify"
	"github.com/atrium-pm/atrium/internal/platform/cache"
	"github.com/atrium-pm/atrium/internal/platform/db"
	"github.com/atrium-pm/atrium/internal/shared"
	"github.com/atrium-pm/atrium/jobs"
	"github.com/atrium-pm/atrium/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	mailer := notify.NewMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom)

	pdfClient := report.NewClient(cfg.GotenbergURL)
	renderer, err := report.NewRenderer(pdfClient)
	if err != nil {
		logger.Error("init document renderer", slog.Any("error", err))
		os.Exit(1)
	}

	tenantStore := directory.NewTenantStore(pool)
	actorStore := directory.NewActorStore(pool)
	auditLogger := shared.NewAuditLogger(pool)

	billingRepo := billing.NewRepository(pool)
	billingService := billing.NewService(billing.ServiceParams{
		Repo:     billingRepo,
		Tenants:  tenantStore,
		Actors:   actorStore,
		Renderer: renderer,
		Notifier: mailer,
		Audit:    auditLogger,
		Logger:   logger,
		Config: billing.Config{
			LateFeePercent:   cfg.LateFeePercent,
			ReminderLeadDays: cfg.ReminderLeadDays,
			PaymentTermsDays: cfg.PaymentTermsDays,
		},
	})

	locker := shared.NewSweepLocker(redisClient, 20*time.Hour)
	sweepJob := jobs.NewBillingSweepJob(billingService, locker, logger, nil)
	mailJob := jobs.NewMailHandler(mailer)

	recurringTask, err := jobs.NewSweepTask(jobs.TaskBillingRecurring, time.Time{})
	if err != nil {
		logger.Error("build recurring task", slog.Any("error", err))
		os.Exit(1)
	}
	overdueTask, err := jobs.NewSweepTask(jobs.TaskBillingOverdue, time.Time{})
	if err != nil {
		logger.Error("build overdue task", slog.Any("error", err))
		os.Exit(1)
	}
	lateFeeTask, err := jobs.NewSweepTask(jobs.TaskBillingLateFee, time.Time{})
	if err != nil {
		logger.Error("build late fee task", slog.Any("error", err))
		os.Exit(1)
	}
	reminderTask, err := jobs.NewSweepTask(jobs.TaskBillingReminder, time.Time{})
	if err != nil {
		logger.Error("build reminder task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeSendEmail, Handler: mailJob.Handle},
			{Type: jobs.TaskBillingRecurring, Handler: sweepJob.HandleRecurring},
			{Type: jobs.TaskBillingOverdue, Handler: sweepJob.HandleOverdue},
			{Type: jobs.TaskBillingLateFee, Handler: sweepJob.HandleLateFee},
			{Type: jobs.TaskBillingReminder, Handler: sweepJob.HandleReminder},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 1 * * *", Task: recurringTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 1 * * *", Task: overdueTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 2 * * *", Task: lateFeeTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 9 * * *", Task: reminderTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
