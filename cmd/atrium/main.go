package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/atrium-pm/atrium/internal/app"
	"github.com/atrium-pm/atrium/internal/billing"
	"github.com/atrium-pm/atrium/internal/directory"
	"github.com/atrium-pm/atrium/internal/observability"
	"github.com/atrium-pm/atrium/internal/platform/db"
	"github.com/atrium-pm/atrium/internal/shared"
	"github.com/atrium-pm/atrium/jobs"
	"github.com/atrium-pm/atrium/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()

	pdfClient := report.NewClient(cfg.GotenbergURL)
	renderer, err := report.NewRenderer(pdfClient)
	if err != nil {
		logger.Error("init document renderer", slog.Any("error", err))
		os.Exit(1)
	}

	tenantStore := directory.NewTenantStore(dbpool)
	actorStore := directory.NewActorStore(dbpool)
	auditLogger := shared.NewAuditLogger(dbpool)

	billingRepo := billing.NewRepository(dbpool)
	billingService := billing.NewService(billing.ServiceParams{
		Repo:     billingRepo,
		Tenants:  tenantStore,
		Actors:   actorStore,
		Renderer: renderer,
		Notifier: jobs.NewQueueNotifier(queueClient),
		Audit:    auditLogger,
		Logger:   logger,
		Config: billing.Config{
			LateFeePercent:   cfg.LateFeePercent,
			ReminderLeadDays: cfg.ReminderLeadDays,
			PaymentTermsDays: cfg.PaymentTermsDays,
		},
	})
	billingHandler := billing.NewHandler(logger, billingService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, queueClient, logger)

	metrics := observability.NewMetrics()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		BillingHandler: billingHandler,
		JobHandler:     jobHandler,
		ActorAuth:      app.ActorAuth(actorStore, logger),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		logger.Error("server exit", slog.Any("error", err))
		os.Exit(1)
	}
}
