// Package migrations wires golang-migrate execution for the persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/pivox/tradingV3/db/migrations"
	"github.com/pivox/tradingV3/internal/infra/telemetry"
)

var errNotDirectory = errors.New("migrations path must be a directory")

// source names a migration origin and knows how to build a migrate instance
// for it once the database driver is up.
type source struct {
	label string
	open  func(database.Driver) (*migrate.Migrate, error)
}

func dirSource(dir string) source {
	return source{label: dir, open: func(driver database.Driver) (*migrate.Migrate, error) {
		return migrate.NewWithDatabaseInstance(fileURL(dir), "pgx5", driver)
	}}
}

func embeddedSource() source {
	return source{label: "embedded", open: func(driver database.Driver) (*migrate.Migrate, error) {
		src, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return migrate.NewWithInstance("iofs", src, "pgx5", driver)
	}}
}

// Apply ensures the migrations located at migrationsDir are applied to the
// Postgres instance reachable via dsn. A nil logger disables informational
// logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	dir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return execute(ctx, dsn, logger, dirSource(dir), (*migrate.Migrate).Up)
}

// ApplyEmbedded applies the migrations compiled into the binary. Deployments
// that do not ship the on-disk migrations directory still converge the schema.
func ApplyEmbedded(ctx context.Context, dsn string, logger *log.Logger) error {
	return execute(ctx, dsn, logger, embeddedSource(), (*migrate.Migrate).Up)
}

// Rollback reverts the given number of migration steps.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	dir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return execute(ctx, dsn, logger, dirSource(dir), func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

func execute(ctx context.Context, dsn string, logger *log.Logger, src source, step func(*migrate.Migrate) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logf(logger, "database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, new(pgxv5.Config))
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := src.open(driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logf(logger, "database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logf(logger, "database migrations db close: %v", dbErr)
		}
	}()

	logf(logger, "running database migrations: source=%s", src.label)

	switch err := step(m); {
	case err == nil:
		logf(logger, "database migrations applied successfully")
		recordOutcome(ctx, "applied", src.label)
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		logf(logger, "database migrations up-to-date")
		recordOutcome(ctx, "noop", src.label)
		return nil
	default:
		recordOutcome(ctx, "failed", src.label)
		return fmt.Errorf("apply migrations: %w", err)
	}
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

func resolveDir(dir string) (string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return "", errors.New("migrations path required")
	}

	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("migrations directory: %w", err)
	case err != nil:
		return "", fmt.Errorf("stat migrations directory: %w", err)
	case !info.IsDir():
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		// Windows drive paths need the extra slash to form file:///C:/...
		slashed = "/" + slashed
	}
	return (&url.URL{Scheme: "file", Path: slashed}).String()
}

var migrationCounter = sync.OnceValue(func() metric.Int64Counter {
	counter, err := otel.Meter("persistence.migrations").Int64Counter("tradingv3_db_migrations_total",
		metric.WithDescription("Total migrations executed via golang-migrate"),
		metric.WithUnit("{migration}"))
	if err != nil {
		return nil
	}
	return counter
})

func recordOutcome(ctx context.Context, result, sourceLabel string) {
	counter := migrationCounter()
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result),
		attribute.String("migrations_source", sourceLabel),
	))
}
