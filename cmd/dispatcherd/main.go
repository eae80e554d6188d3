// Command dispatcherd launches the rate-limited signal dispatch daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/pivox/tradingV3/internal/app/dispatcher"
	"github.com/pivox/tradingV3/internal/config"
	"github.com/pivox/tradingV3/internal/infra/callback"
	"github.com/pivox/tradingV3/internal/infra/persistence/migrations"
	"github.com/pivox/tradingV3/internal/infra/persistence/postgres"
	httpserver "github.com/pivox/tradingV3/internal/infra/server/http"
	"github.com/pivox/tradingV3/internal/infra/telemetry"
	"github.com/pivox/tradingV3/internal/observability"
	libtelemetry "github.com/pivox/tradingV3/lib/telemetry"
)

const (
	defaultMigrationsPath = "db/migrations"
	dispatchLoggerPrefix  = "dispatcherd "
	dbPoolName            = "dispatcher"

	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	workerShutdownTimeout        = 10 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
	migrateTimeout               = 30 * time.Second
)

func main() {
	cfgPath, migrationsDir := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, dispatchLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	appCfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	observability.SetLogger(observability.NewZerolog(os.Stdout, appCfg.Logging.Level))
	telemetry.SetEnvironment(string(appCfg.Environment))
	logger.Printf("configuration initialised: env=%s worker=%s", appCfg.Environment, appCfg.Dispatcher.WorkerID)

	_, telemetryShutdown, err := libtelemetry.Init(ctx, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	if appCfg.Database.RunMigrations {
		migrateCtx, migrateCancel := context.WithTimeout(ctx, migrateTimeout)
		err := applyMigrations(migrateCtx, appCfg.Database.DSN, migrationsDir, logger)
		migrateCancel()
		if err != nil {
			logger.Fatalf("apply migrations: %v", err)
		}
	}

	pool, err := postgres.OpenPool(ctx, appCfg.Database)
	if err != nil {
		logger.Fatalf("open database pool: %v", err)
	}
	defer pool.Close()
	postgres.ObservePoolMetrics(pool, dbPoolName)

	checkpoints := postgres.NewCheckpointStore(pool)

	opts := []dispatcher.Option{dispatcher.WithCheckpointStore(checkpoints)}
	if seed := restoreCheckpoint(ctx, checkpoints, appCfg.Dispatcher.WorkerID, logger); len(seed) > 0 {
		opts = append(opts, dispatcher.WithInitialQueues(seed))
	}

	worker := dispatcher.New(dispatcher.Config{
		WorkerID:       appCfg.Dispatcher.WorkerID,
		Tick:           appCfg.Dispatcher.Tick,
		MinSpacing:     appCfg.Dispatcher.MinSpacing,
		DrainBatch:     appCfg.Dispatcher.DrainBatch,
		MaxItemsPerRun: appCfg.Dispatcher.MaxItemsPerRun,
		MaxRunDuration: appCfg.Dispatcher.MaxRunDuration,
	}, &callback.Client{}, opts...)

	// The worker gets its own cancellation so the control server can be
	// drained first on shutdown; cancelling it triggers the shutdown
	// checkpoint inside Run.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var lifecycle conc.WaitGroup

	workerDone := make(chan error, 1)
	lifecycle.Go(func() {
		workerDone <- worker.Run(workerCtx)
	})

	controlServer := &http.Server{
		Addr:              appCfg.Dispatcher.ListenAddr,
		Handler:           httpserver.NewDispatchHandler(worker),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := controlServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("control server: %v", err)
		}
	})
	logger.Printf("control API listening on %s", controlServer.Addr)

	logger.Print("dispatcherd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	shutdownStep := newShutdownStepper(shutdownCtx, logger)

	shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
		return controlServer.Shutdown(stepCtx)
	})
	shutdownStep("stopping dispatch worker", workerShutdownTimeout, func(stepCtx context.Context) error {
		workerCancel()
		select {
		case err := <-workerDone:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for worker: %w", stepCtx.Err())
		}
	})
	shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})
	shutdownStep("shutting down telemetry", telemetryShutdownTimeout, telemetryShutdown)

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

// restoreCheckpoint loads the latest persisted queues for the worker. Restore
// is best effort: a read failure logs and starts the worker empty rather than
// blocking the daemon.
func restoreCheckpoint(ctx context.Context, store dispatcher.CheckpointStore, workerID string, logger *log.Logger) map[string][]map[string]any {
	seed, err := store.Latest(ctx, workerID)
	if err != nil {
		logger.Printf("restore checkpoint: %v; starting with empty queues", err)
		return nil
	}
	if len(seed) == 0 {
		return nil
	}
	total := 0
	for _, items := range seed {
		total += len(items)
	}
	logger.Printf("restored checkpoint: %d items across %d buckets", total, len(seed))
	return seed
}

func parseFlags() (string, string) {
	cfgPath := flag.String("config", "", "Path to optional YAML configuration (environment variables apply when omitted)")
	migrationsDir := flag.String("migrations", defaultMigrationsPath, "Directory containing SQL migrations")
	flag.Parse()
	return strings.TrimSpace(*cfgPath), *migrationsDir
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// applyMigrations prefers the on-disk migrations directory and falls back to
// the embedded copies when the deployment does not ship one.
func applyMigrations(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	if _, err := os.Stat(migrationsDir); errors.Is(err, fs.ErrNotExist) {
		logger.Printf("migrations directory %s not found; applying embedded migrations", migrationsDir)
		return migrations.ApplyEmbedded(ctx, dsn, logger)
	}
	return migrations.Apply(ctx, dsn, migrationsDir, logger)
}

func newShutdownStepper(ctx context.Context, logger *log.Logger) func(string, time.Duration, func(context.Context) error) {
	return func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}
}
