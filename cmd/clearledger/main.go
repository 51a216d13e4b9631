package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/clearledger/clearledger/internal/app"
	"github.com/clearledger/clearledger/internal/approval"
	"github.com/clearledger/clearledger/internal/audit"
	audithttp "github.com/clearledger/clearledger/internal/audit/http"
	"github.com/clearledger/clearledger/internal/observability"
	"github.com/clearledger/clearledger/internal/platform/cache"
	"github.com/clearledger/clearledger/internal/platform/db"
	"github.com/clearledger/clearledger/internal/rbac"
	"github.com/clearledger/clearledger/internal/session"
	"github.com/clearledger/clearledger/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	auditRepo := audit.NewSQLRepository(pool)
	ledger := audit.NewLedger(auditRepo, logger)
	ledger.SetMetrics(metrics)

	rbacRepo := rbac.NewSQLRepository(pool)
	rbacService, err := rbac.NewService(ctx, rbacRepo, logger)
	if err != nil {
		logger.Error("load permission catalog", slog.Any("error", err))
		os.Exit(1)
	}
	rbacMiddleware := rbac.Middleware{
		Service: rbacService,
		Ledger:  ledger,
		Logger:  logger,
		Metrics: metrics,
	}

	approvalRepo := approval.NewSQLRepository(pool)
	approvalService := approval.NewService(approvalRepo, rbacService, ledger, logger)
	approvalService.SetMetrics(metrics)

	sessionStore := session.NewStore(redisClient, cfg.SessionTTL)
	gatekeeper := session.NewGatekeeper(cfg.SessionSecret, sessionStore, rbacService)

	rbacHandler := rbac.NewHandler(logger, rbacService, rbacMiddleware, approvalService)
	approvalHandler := approval.NewHandler(logger, approvalService, rbacMiddleware)
	auditHandler := audithttp.NewHandler(logger, ledger)
	sessionHandler := session.NewHandler(logger, sessionStore, ledger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Gatekeeper:      gatekeeper,
		RBACMiddleware:  rbacMiddleware,
		RBACHandler:     rbacHandler,
		ApprovalHandler: approvalHandler,
		AuditHandler:    auditHandler,
		SessionHandler:  sessionHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exit", slog.Any("error", err))
		os.Exit(1)
	}
}
