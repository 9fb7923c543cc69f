package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ResetOptions struct {
	DryRun      bool
	SkipConfirm bool

	// In is read for the confirmation prompt; Out receives the report.
	In  io.Reader
	Out io.Writer
}

// ResetDB drops every table in the public schema, including the goose version table,
// so the next migrate run starts from an empty database.
func ResetDB(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool, opts ResetOptions) error {
	rows, err := pool.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
		  AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`)
	if err != nil {
		return fmt.Errorf("failed to query tables: %w", err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("failed to scan table names: %w", err)
	}

	out := opts.Out
	if len(tables) == 0 {
		fmt.Fprintln(out, "No tables found")
		return nil
	}

	fmt.Fprintf(out, "WARNING: This will DROP %d table(s):\n\n", len(tables))
	for _, table := range tables {
		fmt.Fprintf(out, "  - %s\n", table)
	}

	if opts.DryRun {
		fmt.Fprintln(out, "\n[DRY RUN] Would drop the above tables")
		return nil
	}

	if !opts.SkipConfirm {
		fmt.Fprintf(out, "\nThis is a DESTRUCTIVE operation that cannot be undone!\n")
		fmt.Fprintf(out, "Type 'yes' to confirm: ")

		response, err := bufio.NewReader(opts.In).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(strings.ToLower(response)) != "yes" {
			fmt.Fprintf(out, "\nConfirmation failed. Operation cancelled.\n")
			return nil
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "Dropping tables...")
	for _, table := range tables {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{table}.Sanitize()+" CASCADE"); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
		fmt.Fprintf(out, "  dropped %s\n", table)
	}

	log.Info("database reset", "tables", len(tables))
	fmt.Fprintf(out, "\nSuccessfully dropped %d table(s)\n", len(tables))
	return nil
}
