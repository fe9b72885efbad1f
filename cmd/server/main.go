package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/xaenox/chatstream/internal/chat"
	"github.com/xaenox/chatstream/internal/generation"
	"github.com/xaenox/chatstream/internal/ratelimit"
	"github.com/xaenox/chatstream/internal/server"
	"github.com/xaenox/chatstream/internal/storage"
	"github.com/xaenox/chatstream/internal/sweeper"
	"github.com/xaenox/chatstream/pkg/config"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage and the rate limit state store
	var store storage.Storage
	var limitStore ratelimit.StateStore
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
		limitStore = ratelimit.NewMemoryStore()
	} else {
		logger.Info("Using PostgreSQL storage")
		pg, err := storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		})
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
		store = pg
		limitStore = ratelimit.NewPostgresStore(pg.DB())
	}
	defer store.Close()

	limiter := ratelimit.New(limitStore, ratelimit.DefaultBuckets(), logger)

	generator := generation.NewOpenRouter(
		cfg.OpenRouter.APIKey,
		cfg.OpenRouter.BaseURL,
		cfg.OpenRouter.TitleMaxTokens,
		logger,
	)

	// Generation runs decoupled from requests on a bounded worker pool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := chat.NewAsyncScheduler(cfg.Scheduler.QueueSize, logger)
	orchestrator := chat.New(store, limiter, generator, scheduler, logger)
	scheduler.Start(ctx, cfg.Scheduler.Workers, orchestrator.StreamResponse)

	// Daily retention sweep for anonymous conversations
	retention := time.Duration(cfg.Retention.Days) * 24 * time.Hour
	sweep := sweeper.New(store, retention, logger)
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(cfg.Retention.Cron, func() {
		summary, err := sweep.Run(ctx)
		if err != nil {
			logger.Error("Retention sweep failed", zap.Error(err))
			return
		}
		logger.Info("Retention sweep finished",
			zap.Int("archived_threads", summary.ArchivedThreads),
			zap.Int("deleted_messages", summary.DeletedMessages))
	}); err != nil {
		logger.Fatal("Failed to schedule retention sweep", zap.Error(err))
	}
	c.Start()
	defer c.Stop()

	// Start the HTTP server
	auth := server.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), limiter, logger)
	srv := server.New(orchestrator, auth, logger)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("Starting server", zap.String("addr", addr))
	if err := srv.Run(addr); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}
