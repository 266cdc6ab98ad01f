package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rburan/gridshift/internal/api"
	"github.com/rburan/gridshift/internal/api/middleware"
	"github.com/rburan/gridshift/internal/config"
	"github.com/rburan/gridshift/internal/engine"
	"github.com/rburan/gridshift/internal/logger"
	"github.com/rburan/gridshift/internal/platform"
	"github.com/rburan/gridshift/internal/store"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "gridshift-api",
	})
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Initialize durable state
	jobStore, err := store.NewJobStore(cfg.State.Dir)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize job store")
	}
	failureLog, err := store.NewFailureLog(cfg.State.Dir)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize failure log")
	}

	// Initialize platform clients. The rate limit tracker is shared with
	// the engine so quota observed on responses gates the next batch.
	tracker := platform.NewRateLimitTracker(0)
	sourceClient := platform.NewClient(&platform.ClientConfig{
		BaseURL:  cfg.Source.BaseURL,
		APIToken: cfg.Source.APIToken,
		Timeout:  cfg.Source.Timeout,
	}, nil)
	targetClient := platform.NewClient(&platform.ClientConfig{
		BaseURL:  cfg.Target.BaseURL,
		APIToken: cfg.Target.APIToken,
		Timeout:  cfg.Target.Timeout,
	}, tracker)

	// Initialize engine
	orchestrator := engine.NewOrchestrator(sourceClient, targetClient, tracker, jobStore, failureLog, engine.Defaults{
		PageSize:          cfg.Engine.PageSize,
		BatchSize:         cfg.Engine.BatchSize,
		Concurrency:       cfg.Engine.Concurrency,
		MaxRetries:        cfg.Engine.MaxRetries,
		PauseThreshold:    cfg.Engine.RateLimitThreshold,
		CacheTTL:          cfg.Engine.CacheTTL,
		CacheStallTimeout: cfg.Engine.CacheStallTimeout,
		CacheBuildTimeout: cfg.Engine.CacheBuildTimeout,
		RoundNumbers:      cfg.Engine.MatchRoundNumbers,
	})
	manager := engine.NewManager(orchestrator, jobStore, failureLog)

	// Park jobs a previous process left running
	ctx := context.Background()
	if err := manager.RecoverInterrupted(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to recover interrupted jobs")
	}

	// Setup router
	router := api.SetupRouter(manager, cfg.Server.Mode, middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
