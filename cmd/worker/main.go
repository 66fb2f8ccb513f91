// Package main runs the background sync worker: queued sync runs, repair
// sweeps, and periodic stuck-job reconciliation.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/attendwise/syncengine/config"
	"github.com/attendwise/syncengine/internal/archive"
	"github.com/attendwise/syncengine/internal/connections"
	"github.com/attendwise/syncengine/internal/participants"
	"github.com/attendwise/syncengine/internal/progress"
	"github.com/attendwise/syncengine/internal/provider"
	"github.com/attendwise/syncengine/internal/registrants"
	"github.com/attendwise/syncengine/internal/repair"
	syncsvc "github.com/attendwise/syncengine/internal/sync"
	"github.com/attendwise/syncengine/internal/syncjobs"
	"github.com/attendwise/syncengine/internal/webinars"
	"github.com/attendwise/syncengine/internal/worker"
	"github.com/attendwise/syncengine/pkg/database"
	"github.com/attendwise/syncengine/pkg/queue"
	"github.com/attendwise/syncengine/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var archiver syncsvc.PageArchiver
	if cfg.Archive.Bucket != "" {
		s3, err := archive.NewS3(ctx, archive.Config{
			Region:          cfg.Archive.Region,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			Bucket:          cfg.Archive.Bucket,
		}, logger)
		if err != nil {
			logger.Warn("page archive disabled", zap.Error(err))
		} else {
			archiver = s3
		}
	}

	connRepo := connections.NewRepository(pool)
	jobRepo := syncjobs.NewRepository(pool, cfg.Sync.HardStuckAge)
	webinarRepo := webinars.NewRepository(pool)
	registrantRepo := registrants.NewRepository(pool)
	participantRepo := participants.NewRepository(pool)

	reconciler := syncjobs.NewReconciler(jobRepo, cfg.Sync.SoftStuckAge, cfg.Sync.HardStuckAge, logger)
	providerClient := provider.NewClient(provider.Config{
		BaseURL:     cfg.Provider.BaseURL,
		PageSize:    cfg.Provider.PageSize,
		MaxRetries:  cfg.Provider.MaxRetries,
		BaseBackoff: cfg.Provider.BaseBackoff,
		MaxBackoff:  cfg.Provider.MaxBackoff,
		MaxPages:    cfg.Provider.MaxPages,
	}, &http.Client{Timeout: cfg.Provider.RequestTimeout}, logger)

	reporter := progress.NewReporter(rdb.Client, logger)
	orch := syncsvc.NewOrchestrator(connRepo, jobRepo, reconciler, providerClient,
		webinarRepo, registrantRepo, participantRepo, reporter, archiver, logger)

	repairPass := repair.NewPass(webinarRepo, participantRepo, registrantRepo, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewProcessor(orch, repairPass, reconciler, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go processor.Run(workerCtx)
	go processor.RunSweep(workerCtx, cfg.Worker.SweepInterval)
	go processor.RunRepairSweep(workerCtx, cfg.Worker.RepairInterval)
	logger.Info("worker started",
		zap.Duration("sweep_interval", cfg.Worker.SweepInterval),
		zap.Duration("repair_interval", cfg.Worker.RepairInterval))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
