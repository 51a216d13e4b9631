package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/clearledger/clearledger/internal/app"
	"github.com/clearledger/clearledger/internal/approval"
	"github.com/clearledger/clearledger/internal/audit"
	jobmetrics "github.com/clearledger/clearledger/internal/jobs"
	"github.com/clearledger/clearledger/internal/observability"
	"github.com/clearledger/clearledger/internal/platform/db"
	"github.com/clearledger/clearledger/internal/rbac"
	"github.com/clearledger/clearledger/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	workerMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	auditRepo := audit.NewSQLRepository(pool)
	ledger := audit.NewLedger(auditRepo, logger)
	ledger.SetMetrics(metrics)

	rbacRepo := rbac.NewSQLRepository(pool)
	rbacService, err := rbac.NewService(ctx, rbacRepo, logger)
	if err != nil {
		logger.Error("load permission catalog", slog.Any("error", err))
		os.Exit(1)
	}

	approvalRepo := approval.NewSQLRepository(pool)
	approvalService := approval.NewService(approvalRepo, rbacService, ledger, logger)

	sweepJob := jobs.NewExpireSweepJob(approvalService, logger, workerMetrics)
	verifyJob := jobs.NewChainVerifyJob(ledger, logger, workerMetrics)

	sweepTask, err := jobs.NewExpireSweepTask(0)
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	verifyTask, err := jobs.NewAuditVerifyTask(1, 0)
	if err != nil {
		logger.Error("build verify task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskApprovalExpireSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskAuditVerify, Handler: verifyJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ExpireSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.ChainVerifyCron, Task: verifyTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
