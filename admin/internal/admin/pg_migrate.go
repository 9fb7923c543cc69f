package admin

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql

	"github.com/vionex/impact/impact/pkg/store"
)

// PgMigrateUp runs all pending PostgreSQL migrations.
func PgMigrateUp(ctx context.Context, log *slog.Logger, connStr string) error {
	db, err := openPgDB(ctx, connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := store.NewMigrationProvider(db)
	if err != nil {
		return err
	}

	log.Info("running PostgreSQL migrations (up)")
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		log.Info("applied migration", "version", r.Source.Version, "path", r.Source.Path, "duration", r.Duration)
	}

	log.Info("PostgreSQL migrations completed", "applied", len(results))
	return nil
}

// PgMigrateDown rolls back the last PostgreSQL migration.
func PgMigrateDown(ctx context.Context, log *slog.Logger, connStr string) error {
	db, err := openPgDB(ctx, connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := store.NewMigrationProvider(db)
	if err != nil {
		return err
	}

	log.Info("rolling back PostgreSQL migration (down)")
	result, err := provider.Down(ctx)
	if err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}

	log.Info("PostgreSQL migration rollback completed", "version", result.Source.Version)
	return nil
}

// PgMigrateStatus writes the state of every known migration to w.
func PgMigrateStatus(ctx context.Context, connStr string, w io.Writer) error {
	db, err := openPgDB(ctx, connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := store.NewMigrationProvider(db)
	if err != nil {
		return err
	}

	statuses, err := provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	fmt.Fprintln(w, "    Applied At                  Migration")
	fmt.Fprintln(w, "    =======================================")
	for _, s := range statuses {
		applied := "Pending"
		if !s.AppliedAt.IsZero() {
			applied = s.AppliedAt.UTC().Format(time.DateTime)
		}
		fmt.Fprintf(w, "    %-24s -- %s\n", applied, s.Source.Path)
	}
	return nil
}

func openPgDB(ctx context.Context, connStr string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
