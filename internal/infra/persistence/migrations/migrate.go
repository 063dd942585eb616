// Package migrations wires golang-migrate execution for takbridge's persistence layer.
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
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/takbridge/internal/infra/telemetry"
)

// EmbeddedSource labels migrations read from an fs.FS in logs and metrics.
const EmbeddedSource = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errInvalidSteps = errors.New("rollback steps must be > 0")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// sourceFactory builds a migrate instance over an opened database driver.
type sourceFactory func(driver *pgxv5.Postgres) (*migrate.Migrate, error)

// Apply ensures the migrations located at migrationsDir are applied to the Postgres
// instance reachable via dsn. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return run(ctx, dsn, resolvedDir, fileSource(resolvedDir), logger, func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// ApplyFS applies the migrations stored at the root of fsys, typically the embedded
// dbmigrations.Files.
func ApplyFS(ctx context.Context, dsn string, fsys fs.FS, logger *log.Logger) error {
	if fsys == nil {
		return fmt.Errorf("migrations filesystem required")
	}
	return run(ctx, dsn, EmbeddedSource, embeddedSource(fsys), logger, func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// Rollback reverts the most recent steps migrations found in migrationsDir.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	if steps <= 0 {
		return errInvalidSteps
	}
	return run(ctx, dsn, resolvedDir, fileSource(resolvedDir), logger, func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

// RollbackFS reverts the most recent steps migrations stored in fsys.
func RollbackFS(ctx context.Context, dsn string, fsys fs.FS, steps int, logger *log.Logger) error {
	if fsys == nil {
		return fmt.Errorf("migrations filesystem required")
	}
	if steps <= 0 {
		return errInvalidSteps
	}
	return run(ctx, dsn, EmbeddedSource, embeddedSource(fsys), logger, func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

func fileSource(dir string) sourceFactory {
	return func(driver *pgxv5.Postgres) (*migrate.Migrate, error) {
		return migrate.NewWithDatabaseInstance(fileURL(dir), "pgx5", driver)
	}
}

func embeddedSource(fsys fs.FS) sourceFactory {
	return func(driver *pgxv5.Postgres) (*migrate.Migrate, error) {
		src, err := iofs.New(fsys, ".")
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return migrate.NewWithInstance("iofs", src, "pgx5", driver)
	}
}

func run(ctx context.Context, dsn, label string, factory sourceFactory, logger *log.Logger, step func(*migrate.Migrate) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := factory(driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	if logger != nil {
		logger.Printf("running database migrations: source=%s", label)
	}

	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", label)
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, "failed", label)
		return fmt.Errorf("apply migrations: %w", err)
	}

	if logger != nil {
		logger.Printf("database migrations applied successfully")
	}
	recordMigrationMetric(ctx, "applied", label)
	return nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, source string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("takbridge.persistence.migrations")
		counter, err := meter.Int64Counter("takbridge_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
	}
	if source != "" {
		attrs = append(attrs, attribute.String("migrations_source", source))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
