package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/mediastore/internal/cron"
	"github.com/angelmondragon/mediastore/internal/media"
	"github.com/angelmondragon/mediastore/pkg/config"
	"github.com/angelmondragon/mediastore/pkg/db"
	"github.com/angelmondragon/mediastore/pkg/logger"
	"github.com/angelmondragon/mediastore/pkg/metrics"
	"github.com/angelmondragon/mediastore/pkg/migrate"
	"github.com/angelmondragon/mediastore/pkg/redis"
)

const lockName = "cron-worker"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	var (
		redisClient *redis.Client
		lock        cron.Lock = &cron.LocalLock{}
	)
	if cfg.Redis.Enabled() {
		redisClient, err = redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		lock, err = cron.NewRedisLock(redisClient, redisClient.CronLockKey(lockName), 0)
		if err != nil {
			logg.Error(context.Background(), "failed to create cron lock", err)
			os.Exit(1)
		}
	} else {
		logg.Warn(context.Background(), "redis not configured, cron lock is process-local")
	}

	stack, err := media.Bootstrap(context.Background(), media.StackParams{
		Config:     cfg,
		DB:         dbClient.DB(),
		Redis:      redisClient,
		Logger:     logg,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap media store", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry()
	reconcile, err := cron.NewDerivativeReconcileJob(cron.DerivativeReconcileJobParams{
		Logger:      logg,
		Repo:        stack.Repo,
		Regenerator: stack.Service,
		StuckAfter:  cfg.Cron.StuckAfter,
		BatchSize:   cfg.Cron.BatchSize,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconcile job", err)
		os.Exit(1)
	}
	registry.Register(reconcile)

	if cfg.Cron.AuditEnabled {
		audit, err := cron.NewDerivativeAuditJob(cron.DerivativeAuditJobParams{
			Logger:    logg,
			Repo:      stack.Repo,
			Auditor:   stack.Auditor,
			BatchSize: cfg.Cron.BatchSize,
		})
		if err != nil {
			logg.Error(context.Background(), "failed to create audit job", err)
			os.Exit(1)
		}
		registry.Register(audit)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}
