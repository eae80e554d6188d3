// Command migrate applies or rolls back the SQL schema used by the
// tradingV3 daemons.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pivox/tradingV3/internal/config"
	"github.com/pivox/tradingV3/internal/infra/persistence/migrations"
)

const (
	defaultMigrationsPath = "db/migrations"
	defaultTimeout        = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", "", "PostgreSQL DSN; omit to build one from the DB_* environment variables")
		dir     = flag.String("path", defaultMigrationsPath, "Directory containing SQL migrations")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "tradingv3-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	target, err := resolveDSN(ctx, *dsn)
	if err != nil {
		return err
	}

	switch cmd := flag.Arg(0); cmd {
	case "up":
		return applyUp(ctx, target, *dir, logger)
	case "down":
		steps, err := parseSteps(flag.Arg(1))
		if err != nil {
			return err
		}
		return migrations.Rollback(ctx, target, *dir, steps, logger)
	case "":
		return errors.New("command required (up|down [steps])")
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", cmd)
	}
}

// resolveDSN prefers the -database flag and otherwise builds the DSN from
// the same DB_* environment variables the daemons read.
func resolveDSN(ctx context.Context, flagValue string) (string, error) {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed, nil
	}
	cfg, err := config.Load(ctx, "")
	if err != nil {
		return "", fmt.Errorf("resolve database target: %w", err)
	}
	return cfg.Database.DSN, nil
}

// applyUp runs the pending migrations. When -path is untouched and the
// directory is missing (a binary-only deployment) the embedded copy runs
// instead; an explicitly given path must exist.
func applyUp(ctx context.Context, dsn, dir string, logger *log.Logger) error {
	if dir == defaultMigrationsPath {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			return migrations.ApplyEmbedded(ctx, dsn, logger)
		}
	}
	return migrations.Apply(ctx, dsn, dir, logger)
}

func parseSteps(arg string) (int, error) {
	if arg == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid down steps %q: %w", arg, err)
	}
	return n, nil
}
