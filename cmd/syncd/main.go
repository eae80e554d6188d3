// Command syncd launches the bitmart position sync daemon.
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

	"github.com/pivox/tradingV3/internal/app/syncer"
	"github.com/pivox/tradingV3/internal/config"
	"github.com/pivox/tradingV3/internal/infra/bitmart"
	"github.com/pivox/tradingV3/internal/infra/persistence/migrations"
	"github.com/pivox/tradingV3/internal/infra/persistence/postgres"
	httpserver "github.com/pivox/tradingV3/internal/infra/server/http"
	"github.com/pivox/tradingV3/internal/infra/telemetry"
	"github.com/pivox/tradingV3/internal/observability"
	libtelemetry "github.com/pivox/tradingV3/lib/telemetry"
)

const (
	defaultMigrationsPath = "db/migrations"
	syncLoggerPrefix      = "syncd "
	dbPoolName            = "positions"

	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	serviceShutdownTimeout       = 10 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
	migrateTimeout               = 30 * time.Second
)

func main() {
	cfgPath, migrationsDir := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, syncLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	appCfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := appCfg.Bitmart.ValidateCredentials(); err != nil {
		logger.Fatalf("bitmart credentials: %v", err)
	}

	observability.SetLogger(observability.NewZerolog(os.Stdout, appCfg.Logging.Level))
	telemetry.SetEnvironment(string(appCfg.Environment))
	logger.Printf("configuration initialised: env=%s", appCfg.Environment)

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

	store := postgres.NewPositionStore(pool)

	signer := bitmart.NewSigner(appCfg.Bitmart.SecretKey, appCfg.Bitmart.APIMemo)
	ws := bitmart.NewWSClient(bitmart.WSConfig{
		URL:          appCfg.Bitmart.WSURL,
		APIKey:       appCfg.Bitmart.APIKey,
		LoginPayload: bitmart.DefaultLoginPayload,
		Channels:     appCfg.Bitmart.Channels,
		PingInterval: appCfg.Bitmart.PingInterval,
	}, signer)
	rest := bitmart.NewRestClient(appCfg.Bitmart.RESTURL, appCfg.Bitmart.APIKey, signer)

	service := syncer.New(syncer.Config{PollInterval: appCfg.Bitmart.PollInterval}, ws, rest, store)

	if appCfg.Sync.AutoStart {
		if service.Start(ctx) {
			logger.Print("position sync started automatically")
		}
	}

	var lifecycle conc.WaitGroup

	controlServer := &http.Server{
		Addr:              appCfg.Sync.Addr(),
		Handler:           httpserver.NewSyncHandler(service),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := controlServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("control server: %v", err)
		}
	})
	logger.Printf("control API listening on %s", controlServer.Addr)

	logger.Print("syncd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	shutdownStep := newShutdownStepper(shutdownCtx, logger)

	shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
		return controlServer.Shutdown(stepCtx)
	})
	shutdownStep("stopping position sync", serviceShutdownTimeout, func(context.Context) error {
		service.Shutdown()
		return nil
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
