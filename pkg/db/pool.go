// Package db persists gateway state in Postgres via pgx: action disable
// overrides and permission groups.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// NewPool creates a new pgx connection pool from the given database URL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}

	config.MaxConns = 20
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

// RunMigrations applies SQL migration files in order. Migrations are written
// to be re-runnable (CREATE ... IF NOT EXISTS).
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrationFiles []string) error {
	slog.Info(fmt.Sprintf("%s - Running %d migrations", logPrefix, len(migrationFiles)))

	for i, sql := range migrationFiles {
		if _, err := pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("%s - migration %d failed: %w", logPrefix, i+1, err)
		}
	}

	slog.Info(fmt.Sprintf("%s - Migrations complete", logPrefix))
	return nil
}

// SchemaStatus describes the state of the gateway schema.
type SchemaStatus struct {
	Applied         bool
	MigrationFiles  int
	MigrationPath   string
	DisabledActions int
	Groups          int
}

// String renders the status for the migrate status command.
func (s *SchemaStatus) String() string {
	if !s.Applied {
		return fmt.Sprintf("Migration status: not applied (run 'gateway migrate up'). %d migration files in %s",
			s.MigrationFiles, s.MigrationPath)
	}
	return fmt.Sprintf("Migration status: applied (%d migration files in %s; %d disabled action rows, %d permission groups)",
		s.MigrationFiles, s.MigrationPath, s.DisabledActions, s.Groups)
}

// MigrationStatus reports whether migrations have been applied by checking for
// the disabled_actions table, and counts persisted rows when they have.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string) (*SchemaStatus, error) {
	const statusLogPrefix = "db:MigrationStatus"

	files, err := LoadMigrationFiles(migrationPath)
	if err != nil {
		return nil, fmt.Errorf("%s - load migration list: %w", statusLogPrefix, err)
	}
	status := &SchemaStatus{MigrationFiles: len(files), MigrationPath: migrationPath}

	err = pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'disabled_actions')`).Scan(&status.Applied)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to check schema: %w", statusLogPrefix, err)
	}
	if !status.Applied {
		return status, nil
	}

	err = pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM disabled_actions), (SELECT COUNT(*) FROM permission_groups)`).
		Scan(&status.DisabledActions, &status.Groups)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to count rows: %w", statusLogPrefix, err)
	}
	return status, nil
}

// MigrationDown is not supported; migrations are forward-only.
func MigrationDown(ctx context.Context, pool *pgxpool.Pool, _ string) error {
	fmt.Println("Migration down: not supported (migrations are forward-only). Use a database backup to roll back.")
	return nil
}
