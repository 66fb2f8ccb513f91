// Package main runs the sync engine HTTP API with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/attendwise/syncengine/config"
	"github.com/attendwise/syncengine/internal/archive"
	"github.com/attendwise/syncengine/internal/connections"
	"github.com/attendwise/syncengine/internal/middleware"
	"github.com/attendwise/syncengine/internal/participants"
	"github.com/attendwise/syncengine/internal/progress"
	"github.com/attendwise/syncengine/internal/provider"
	"github.com/attendwise/syncengine/internal/registrants"
	"github.com/attendwise/syncengine/internal/repair"
	syncsvc "github.com/attendwise/syncengine/internal/sync"
	"github.com/attendwise/syncengine/internal/syncjobs"
	"github.com/attendwise/syncengine/internal/webinars"
	"github.com/attendwise/syncengine/pkg/database"
	"github.com/attendwise/syncengine/pkg/queue"
	"github.com/attendwise/syncengine/pkg/redis"
	"github.com/attendwise/syncengine/pkg/response"
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

	jobQueue := queue.NewQueue(rdb.Client, logger)
	repairPass := repair.NewPass(webinarRepo, participantRepo, registrantRepo, logger)

	connHandler := connections.NewHandler(connRepo)
	syncHandler := syncsvc.NewHandler(orch, jobRepo, jobQueue, reporter, logger)
	repairHandler := repair.NewHandler(repairPass, jobQueue, logger)

	validator := middleware.NewTokenValidator(cfg.JWT.Secret)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	api := router.Group("")
	api.Use(middleware.JWT(validator))
	{
		api.POST("/connections", middleware.RequireRole("admin"), connHandler.Create)
		api.GET("/connections", connHandler.List)
		api.GET("/connections/:id", connHandler.Get)
		api.PATCH("/connections/:id", middleware.RequireRole("admin"), connHandler.Update)

		api.POST("/connections/:id/sync", middleware.RequireRole("admin", "operator"), syncHandler.Start)
		api.GET("/connections/:id/sync-jobs", syncHandler.List)
		api.GET("/sync-jobs/:id", syncHandler.Get)
		api.POST("/sync-jobs/:id/cancel", middleware.RequireRole("admin", "operator"), syncHandler.Cancel)

		api.POST("/connections/:id/repair", middleware.RequireRole("admin", "operator"), repairHandler.RepairConnection)
		api.POST("/webinars/:id/repair", middleware.RequireRole("admin", "operator"), repairHandler.RepairWebinar)
	}

	// WebSocket progress stream (token checks happen upstream of this
	// service for ws clients, same as the rest of the platform).
	router.GET("/ws/jobs/:id/progress", progress.ServeWs(reporter, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
