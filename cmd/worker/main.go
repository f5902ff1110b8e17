package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/killhouse/engine/pkg/config"
	"github.com/killhouse/engine/pkg/database"
	"github.com/killhouse/engine/pkg/logger"

	"github.com/killhouse/engine/internal/policy"
	"github.com/killhouse/engine/internal/queue/tasks"
	"github.com/killhouse/engine/internal/repository"
	"github.com/killhouse/engine/internal/resilience"
	"github.com/killhouse/engine/internal/sandbox"
	"github.com/killhouse/engine/internal/scanner"
	"github.com/killhouse/engine/internal/services"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
	})

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.L().Fatal("failed to open database", zap.Error(err))
	}

	userRepo := repository.NewUserRepository(db)
	projectRepo := repository.NewProjectRepository(db)
	analysisRepo := repository.NewAnalysisRepository(db)

	// Enqueue client for follow-on tasks (sandbox -> scan).
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	breaker := resilience.NewBreaker(cfg.SandboxBreakerThreshold, cfg.SandboxBreakerReset)
	sandboxClient := sandbox.NewClient(cfg.SandboxBaseURL, breaker)
	limits := policy.NewPlanResolver(projectRepo, userRepo)
	trigger := tasks.NewAsynqScanTrigger(asynqClient)

	orchestrator := sandbox.NewOrchestrator(analysisRepo, projectRepo, sandboxClient, breaker, limits, trigger)
	analysisSvc := services.NewAnalysisService(analysisRepo, projectRepo, asynqClient)

	sandboxHandler := tasks.NewSandboxTaskHandler(orchestrator)
	scanHandler := tasks.NewScanTaskHandler(scanner.NewClient(cfg.ScannerBaseURL), cfg.CallbackBaseURL)
	watchdogHandler := tasks.NewWatchdogTaskHandler(analysisRepo, analysisSvc, cfg.WatchdogStaleAfter)

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeSandboxProvision, sandboxHandler.HandleProvision)
	mux.HandleFunc(tasks.TypeScanSubmit, scanHandler.HandleSubmit)
	mux.HandleFunc(tasks.TypeWatchdogSweep, watchdogHandler.HandleSweep)

	// Periodic watchdog sweep. The scheduler enqueues the task; any worker
	// instance picks it up, so multiple schedulers are harmless duplicates.
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})
	if _, err := scheduler.Register("@every 5m", asynq.NewTask(tasks.TypeWatchdogSweep, nil)); err != nil {
		logger.L().Fatal("failed to register watchdog schedule", zap.Error(err))
	}

	errCh := make(chan error, 2)
	go func() {
		logger.L().Info("asynq worker starting", zap.Int("concurrency", cfg.AsynqConcurrency))
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := scheduler.Run(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.L().Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.L().Error("worker stopped with error", zap.Error(err))
	}

	scheduler.Shutdown()
	srv.Shutdown()
}
