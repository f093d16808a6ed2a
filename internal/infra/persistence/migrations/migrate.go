// Package migrations wires golang-migrate execution for mrmarket's
// persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/mvg-fi-dev/mrmarket/db/migrations"
	"github.com/mvg-fi-dev/mrmarket/internal/infra/telemetry"
)

var (
	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply ensures the embedded migrations are applied to the Postgres instance
// reachable via dsn. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn string, logger *log.Logger) error {
	return withMigrator(ctx, dsn, logger, func(m *migrate.Migrate) error {
		if logger != nil {
			logger.Printf("running database migrations")
		}

		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop")
				if logger != nil {
					logger.Printf("database migrations up-to-date")
				}
				return nil
			}
			recordMigrationMetric(ctx, "failed")
			return fmt.Errorf("apply migrations: %w", err)
		}

		if logger != nil {
			logger.Printf("database migrations applied successfully")
		}
		recordMigrationMetric(ctx, "applied")

		return nil
	})
}

// Rollback steps the schema down by the given number of migrations.
func Rollback(ctx context.Context, dsn string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return withMigrator(ctx, dsn, logger, func(m *migrate.Migrate) error {
		if logger != nil {
			logger.Printf("rolling back %d migration(s)", steps)
		}

		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop")
				if logger != nil {
					logger.Printf("nothing to roll back")
				}
				return nil
			}
			recordMigrationMetric(ctx, "failed")
			return fmt.Errorf("rollback migrations: %w", err)
		}

		if logger != nil {
			logger.Printf("database migrations rolled back")
		}
		recordMigrationMetric(ctx, "rolled_back")

		return nil
	})
}

func withMigrator(ctx context.Context, dsn string, logger *log.Logger, run func(*migrate.Migrate) error) error {
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

	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("initialise migrations source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
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

	return run(m)
}

func recordMigrationMetric(ctx context.Context, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("mrmarket_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result),
	))
}
