package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-authz/cmd/authz/cli"
	"github.com/odyssey-erp/odyssey-authz/internal/app"
	"github.com/odyssey-erp/odyssey-authz/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-authz/internal/audit/http"
	"github.com/odyssey-erp/odyssey-authz/internal/authz"
	"github.com/odyssey-erp/odyssey-authz/internal/ecpsync"
	"github.com/odyssey-erp/odyssey-authz/internal/hierarchy"
	"github.com/odyssey-erp/odyssey-authz/internal/observability"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/db"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/jobs"
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

	if len(os.Args) > 1 {
		code := runCommand(ctx, cfg, os.Args[1:])
		stop()
		os.Exit(code)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.DBOptions("odyssey-authz"))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	// Redis only backs the permission cache and the run lock; both degrade
	// without it, so a failed ping is not fatal.
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB, ClientName: "odyssey-authz"})
	if err != nil {
		logger.Warn("redis unavailable, continuing without cache", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()

	rbacRepo := rbac.NewRepository(dbpool)
	permCache := authz.NewCache(redisClient, cfg.AuthzCacheTTL)
	resolver := authz.NewCachedResolver(
		authz.NewRoleResolver(rbacRepo, hierarchy.NewResolver(rbacRepo, logger)),
		permCache,
		logger,
	)

	auditRepo := audit.NewRepository(dbpool)
	auditSink := audit.NewAsyncSink(auditRepo, cfg.AuthzAuditBuffer, logger).WithMetrics(metrics.Registerer())
	evaluator := authz.NewEvaluator(rbacRepo, resolver, auditSink, authz.NewMetrics(metrics.Registerer()), logger)
	guard := rbac.Middleware{Decider: evaluator, Logger: logger}

	rbacService := rbac.NewService(rbacRepo, permCache, logger)

	syncDeps := app.SyncDeps{Pool: dbpool, Repo: rbacRepo, Registerer: metrics.Registerer(), Logger: logger}
	if redisClient != nil {
		syncDeps.Redis = redisClient
	}
	synchronizer, ecpClient, err := app.NewSynchronizer(cfg, syncDeps)
	if err != nil {
		logger.Error("init synchronizer", slog.Any("error", err))
		os.Exit(1)
	}

	var scheduler *ecpsync.Scheduler
	if cfg.InProcessSync() {
		scheduler = ecpsync.NewScheduler(synchronizer, cfg.EcpSyncInterval, logger)
		scheduler.Start(ctx)
	}

	queueOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	inspector := asynq.NewInspector(queueOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	var enqueuer jobs.SyncEnqueuer
	if cfg.QueueSync() {
		queueClient := jobs.NewClient(queueOpts)
		defer func() { _ = queueClient.Close() }()
		enqueuer = queueClient
	}

	healthChecks := map[string]app.HealthCheck{
		"postgres": dbpool.Ping,
	}
	if redisClient != nil {
		healthChecks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	if cfg.EcpSyncEnabled {
		healthChecks["ecp"] = func(ctx context.Context) error {
			if h := ecpClient.Health(ctx); !h.Connected {
				return fmt.Errorf("ecp unreachable: %s", h.Error)
			}
			return nil
		}
	}

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Metrics:      metrics,
		CheckHandler: authz.NewHandler(evaluator),
		AdminHandler: rbac.NewHandler(rbacService, guard, logger),
		SyncHandler:  ecpsync.NewHandler(synchronizer, guard, logger),
		AuditHandler: audithttp.NewHandler(logger, audit.NewService(auditRepo), guard),
		JobHandler:   jobs.NewHandler(inspector, enqueuer, guard, logger),
		HealthChecks: healthChecks,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	if err := auditSink.Close(shutdownCtx); err != nil {
		logger.Warn("audit sink close", slog.Any("error", err))
	}
}

// runCommand handles the operator subcommands: sync and queue.
func runCommand(ctx context.Context, cfg *app.Config, args []string) int {
	jobsCLI := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() { _ = jobsCLI.Close() }()

	switch args[0] {
	case "sync":
		opts, err := cli.ParseSyncArgs(args[1:], os.Stderr)
		if err != nil {
			return 2
		}
		return jobsCLI.SyncCommand(ctx, opts)
	case "queue":
		return jobsCLI.QueueCommand(ctx, len(args) > 1 && args[1] == "--json", os.Stdout, os.Stderr)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q (expected sync or queue)\n", args[0])
		return 2
	}
}
