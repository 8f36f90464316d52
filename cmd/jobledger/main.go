package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jobledger/core/internal/config"
	"github.com/jobledger/core/pkg/database/pool"
	"github.com/jobledger/core/pkg/jobs"
	"github.com/jobledger/core/pkg/logger"
	"github.com/jobledger/core/pkg/models"
	"github.com/jobledger/core/pkg/runstore"
	"github.com/jobledger/core/pkg/scheduler"
	"github.com/jobledger/core/pkg/server"
)

func main() {
	// Parse command line flags
	var (
		jobName  = flag.String("job", "", "Run specific job once and wait for its outcome (heartbeat, history-purge)")
		jobGroup = flag.String("group", "", "Group of the job named by -job")
		once     = flag.Bool("once", false, "Run job once and exit")
		list     = flag.Bool("list", false, "List registered jobs and exit")
	)
	flag.Parse()

	// Setup structured logging
	logger.SetupLogger()
	log := logger.New("jobledger")

	cfg := config.Load()
	ctx := context.Background()

	// Open the run history backend
	var store runstore.RunStore
	switch cfg.Store.Driver {
	case "memory":
		store = runstore.NewMemoryStore(cfg.Store.Retention)
	case "sqlite":
		sqliteStore, err := runstore.NewSQLiteStore(cfg.Store.SQLitePath, cfg.Store.Retention)
		if err != nil {
			log.Fatal().
				Err(err).
				Str("action", "store_open_failed").
				Msg("Failed to open sqlite run store")
		}
		defer sqliteStore.Close()
		store = sqliteStore
	case "postgres":
		db, err := pool.New(ctx, cfg.DatabaseURL(), nil)
		if err != nil {
			log.Fatal().
				Err(err).
				Str("action", "store_open_failed").
				Msg("Failed to connect to database")
		}
		defer db.Close()

		pgStore := runstore.NewPostgresStore(db)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Fatal().
				Err(err).
				Str("action", "store_schema_failed").
				Msg("Failed to prepare run history schema")
		}
		store = pgStore
	default:
		log.Fatal().
			Str("driver", cfg.Store.Driver).
			Str("action", "store_driver_unknown").
			Msg("Unknown run store driver")
	}

	// Exclusive groups never run two firings at once
	exclusiveGroups := cfg.Jobs.ExclusiveGroups
	if cfg.Jobs.ExclusiveDefaultGroup {
		exclusiveGroups = append(exclusiveGroups, models.DefaultGroup)
	}
	gate := jobs.NewGroupRegistry(exclusiveGroups)

	// Middleware order is outermost first: breaker, retry, chaos, timeout
	var middlewares []jobs.Middleware
	if cfg.Jobs.BreakerEnabled {
		middlewares = append(middlewares, jobs.NewBreakerMiddleware(jobs.BreakerConfig{
			FailureThreshold: uint32(cfg.Jobs.BreakerThreshold),
			CoolDown:         cfg.Jobs.BreakerCoolDown,
		}))
	}
	middlewares = append(middlewares, jobs.NewRetryMiddleware(jobs.RetryConfig{
		MaxRetries:  cfg.Jobs.MaxRetries,
		BaseBackoff: cfg.Jobs.RetryBaseBackoff,
		MaxBackoff:  cfg.Jobs.RetryMaxBackoff,
	}))
	if cfg.Jobs.ChaosProbability > 0 {
		middlewares = append(middlewares, jobs.NewChaosMiddleware(cfg.Jobs.ChaosProbability))
	}
	middlewares = append(middlewares, jobs.NewTimeoutMiddleware(cfg.Jobs.AttemptTimeout))

	engine := scheduler.NewCronEngine()
	pipeline := jobs.NewExecutionPipeline(store, gate, jobs.PipelineConfig{
		InstanceName: cfg.Instance.Name,
		Middlewares:  middlewares,
	})
	orch := jobs.NewOrchestrator(engine, store, &jobs.OrchestratorConfig{
		WaitTimeout:  cfg.Jobs.WaitTimeout,
		PollInterval: cfg.Jobs.WaitPollInterval,
	})

	// Register jobs
	heartbeat := models.JobSchedule{
		Name:           "heartbeat",
		JobType:        "HeartbeatJob",
		CronExpression: "@every 1m",
		Description:    "Logs instance liveness once a minute",
	}
	err := engine.Register(heartbeat, pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		logger.WithContext(ctx, "heartbeat").Info().
			Str("instance", cfg.Instance.Name).
			Str("action", "heartbeat").
			Msg("Instance alive")
		return nil
	}))
	if err != nil {
		log.Fatal().
			Err(err).
			Str("action", "register_failed").
			Msg("Failed to register heartbeat job")
	}

	purge := models.JobSchedule{
		Name:           "history-purge",
		Group:          "maintenance",
		JobType:        "HistoryPurgeJob",
		CronExpression: "10 3 * * *",
		Description:    "Deletes run history older than the retention window",
	}
	err = engine.Register(purge, pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		_, err := orch.PurgeJobRuns(ctx, time.Now().UTC().Add(-cfg.Store.Retention))
		return err
	}))
	if err != nil {
		log.Fatal().
			Err(err).
			Str("action", "register_failed").
			Msg("Failed to register history purge job")
	}

	// Handle job listing
	if *list {
		infos, err := orch.GetJobs(ctx)
		if err != nil {
			log.Fatal().
				Err(err).
				Str("action", "list_failed").
				Msg("Failed to list jobs")
		}
		for _, info := range infos {
			log.Info().
				Str("job_name", info.Name).
				Str("job_group", info.Group).
				Str("job_type", info.Type).
				Str("status", string(info.Status)).
				Int("triggers", info.TriggerCount).
				Str("description", info.Description).
				Str("action", "job_listed").
				Msg("Job")
		}
		return
	}

	// Handle single job execution
	if *once && *jobName != "" {
		waitCtx, cancel := context.WithTimeout(ctx, cfg.Jobs.WaitTimeout+time.Minute)
		defer cancel()

		info, err := orch.TriggerJobAndWait(waitCtx, *jobName, *jobGroup, nil, nil)
		if err != nil {
			log.Fatal().
				Err(err).
				Str("job_name", *jobName).
				Str("action", "run_once_failed").
				Msg("Failed to run job")
		}
		run := info.LastRun
		if run.Status != models.RunSucceeded {
			log.Fatal().
				Str("job_name", *jobName).
				Str("status", string(run.Status)).
				Str("result", run.Result).
				Str("action", "run_once_failed").
				Msg("Job finished unsuccessfully")
		}
		log.Info().
			Str("job_name", *jobName).
			Str("status", string(run.Status)).
			Str("action", "run_once_completed").
			Msg("Job completed successfully")
		return
	}

	// Start the engine
	engine.Start()
	keys, _ := engine.ListJobKeys(ctx)
	log.Info().
		Int("jobs", len(keys)).
		Str("instance", cfg.Instance.Name).
		Str("store", cfg.Store.Driver).
		Str("action", "service_started").
		Msg("Job service started")

	// Serve the admin API alongside the engine
	srv := server.New(cfg, log, orch, store)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().
				Err(err).
				Str("action", "server_failed").
				Msg("Admin API server failed")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Str("action", "service_stopping").Msg("Shutting down job service")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().
			Err(err).
			Str("action", "server_shutdown_failed").
			Msg("Admin API server shutdown failed")
	}
	engine.Stop()
	log.Info().Str("action", "service_stopped").Msg("Job service stopped")
}
