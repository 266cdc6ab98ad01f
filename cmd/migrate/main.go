package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rburan/gridshift/internal/config"
	"github.com/rburan/gridshift/internal/domain"
	"github.com/rburan/gridshift/internal/engine"
	"github.com/rburan/gridshift/internal/logger"
	"github.com/rburan/gridshift/internal/platform"
	"github.com/rburan/gridshift/internal/store"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "gridshift-migrate",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	jobFile := flag.String("job", "", "Path to a job definition JSON file (creates and runs a new job)")
	jobID := flag.String("job-id", "", "Existing job id to resume")
	retry := flag.Bool("retry", false, "Retry only previously failed records of -job-id")
	dryRun := flag.Bool("dry-run", false, "Preview record decisions without writing to the target")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *jobFile == "" && *jobID == "" {
		appLogger.Fatal("Either -job or -job-id is required")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	jobStore, err := store.NewJobStore(cfg.State.Dir)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize job store")
	}
	failureLog, err := store.NewFailureLog(cfg.State.Dir)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize failure log")
	}

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

	ctx := context.Background()

	id := *jobID
	if *jobFile != "" {
		id, err = createJobFromFile(ctx, manager, *jobFile, *dryRun)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to create job")
		}
		appLogger.WithField("job_id", id).Info("Created migration job")
	}

	// SIGINT requests a cooperative pause; the run parks at the next batch
	// boundary with a durable checkpoint.
	pause := engine.NewPauseToken()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		appLogger.Info("Pause requested, finishing in-flight batch...")
		pause.Request()
	}()

	var result *engine.MigrationResult
	if *retry {
		result, err = orchestrator.ExecuteRetry(ctx, id, pause)
	} else {
		result, err = orchestrator.Execute(ctx, id, pause)
	}
	if err != nil {
		appLogger.WithError(err).Fatal("Migration failed")
	}

	appLogger.WithFields(logger.Fields{
		"status":     string(result.Status),
		"total":      result.Progress.Total,
		"successful": result.Progress.Successful,
		"failed":     result.Progress.Failed,
		"skipped":    result.Progress.Skipped,
	}).Info("Migration finished")

	if result.Preview != nil {
		out, _ := json.MarshalIndent(result.Preview, "", "  ")
		os.Stdout.Write(append(out, '\n'))
	}
}

// jobDefinition is the on-disk shape consumed by the -job flag.
type jobDefinition struct {
	SourceCollectionID string                     `json:"source_collection_id"`
	TargetCollectionID string                     `json:"target_collection_id"`
	Mode               string                     `json:"mode"`
	FieldMapping       []domain.FieldMapPair      `json:"field_mapping"`
	Config             domain.ItemMigrationConfig `json:"config"`
}

func createJobFromFile(ctx context.Context, manager *engine.Manager, path string, dryRun bool) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var def jobDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return "", err
	}
	if dryRun {
		def.Config.DryRun = true
	}

	job, err := manager.CreateJob(ctx, engine.CreateJobParams{
		SourceCollectionID: def.SourceCollectionID,
		TargetCollectionID: def.TargetCollectionID,
		Mode:               domain.MigrationMode(def.Mode),
		FieldMapping:       domain.FieldMapping(def.FieldMapping),
		Config:             def.Config,
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}
