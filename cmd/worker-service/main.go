package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantfolio/jobrunner/internal/backend"
	"github.com/quantfolio/jobrunner/internal/config"
	"github.com/quantfolio/jobrunner/internal/job"
	"github.com/quantfolio/jobrunner/internal/processor"
	"github.com/quantfolio/jobrunner/internal/worker"
	"github.com/quantfolio/jobrunner/shared/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	execJob := flag.Bool("exec-job", false, "Execute a single claimed job from stdin (internal)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	if *execJob {
		// Child mode spawned by the process runner: the exit code is the
		// only thing the parent sees, so errors end up in the log and in
		// the job record, not on stderr.
		if runExecJob(cfg, appLogger.Logger) {
			return nil
		}
		return fmt.Errorf("job execution failed")
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("queue_backend", cfg.Queue.Backend),
	)

	// Worker restart loop: SIGHUP reloads the config and starts a fresh
	// worker, SIGINT/SIGTERM shut down for good.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		restart, err := runWorker(cfg, appLogger.Logger, quit)
		if err != nil {
			return err
		}
		if !restart {
			appLogger.Info("Worker service shutdown complete")
			return nil
		}

		appLogger.Info("Reloading configuration")
		reloaded, err := config.Load(*configPath)
		if err != nil {
			appLogger.Error("Failed to reload config, keeping previous one",
				slog.Any("error", err))
			continue
		}
		if err := reloaded.ValidateWorkerConfig(); err != nil {
			appLogger.Error("Reloaded config is invalid, keeping previous one",
				slog.Any("error", err))
			continue
		}
		cfg = reloaded
	}
}

// runWorker runs one worker instance until a signal arrives or the worker
// fails. Returns true if the service should restart with a fresh config.
func runWorker(cfg *config.Config, appLogger *slog.Logger, quit chan os.Signal) (bool, error) {
	queueBackend, err := backend.New(cfg, appLogger)
	if err != nil {
		return false, fmt.Errorf("failed to initialize queue backend: %w", err)
	}
	defer queueBackend.Close()

	registry, err := buildRegistry(cfg, appLogger)
	if err != nil {
		return false, err
	}

	workerInstance, err := worker.New(cfg, queueBackend, registry, appLogger)
	if err != nil {
		return false, fmt.Errorf("failed to create worker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()))

	var restart bool
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()))
		restart = sig == syscall.SIGHUP
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Worker failed", slog.Any("error", err))
			return false, err
		}
		return false, nil
	}

	workerInstance.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownGrace+10*time.Second)
	defer shutdownCancel()

	select {
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Worker shutdown error", slog.Any("error", err))
		} else {
			appLogger.Info("Worker stopped gracefully")
		}
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	return restart, nil
}

// runExecJob executes a single claimed job handed over on stdin and
// reports the outcome to the backend itself. Returns true when the job
// completed.
func runExecJob(cfg *config.Config, appLogger *slog.Logger) bool {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		appLogger.Error("Failed to read job from stdin", slog.Any("error", err))
		return false
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		appLogger.Error("Failed to decode job from stdin", slog.Any("error", err))
		return false
	}

	queueBackend, err := backend.New(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize queue backend", slog.Any("error", err))
		return false
	}
	defer queueBackend.Close()

	registry, err := buildRegistry(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to build processor registry", slog.Any("error", err))
		return false
	}

	executor := worker.NewExecutor(queueBackend, registry, appLogger)
	return executor.ExecuteClaimed(context.Background(), &j, j.WorkerID) == nil
}

// buildRegistry registers the shell processors declared in config
func buildRegistry(cfg *config.Config, appLogger *slog.Logger) (*processor.Registry, error) {
	registry := processor.NewRegistry()
	for jobType, pc := range cfg.Processors {
		p := processor.NewShellProcessor(jobType, pc.Command, appLogger)
		if err := registry.Register(p); err != nil {
			return nil, fmt.Errorf("failed to register processor: %w", err)
		}
	}
	return registry, nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}
