package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/vionex/impact/admin/internal/admin"
	"github.com/vionex/impact/api/config"
	"github.com/vionex/impact/impact/pkg/reconcile"
	"github.com/vionex/impact/impact/pkg/store"
	"github.com/vionex/impact/ledger/pkg/client"
	"github.com/vionex/impact/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Postgres and ledger settings come from POSTGRES_* and SOLANA_* env vars (or .env).
	rpcURLFlag := flag.String("rpc-url", "", "Solana RPC URL (overrides SOLANA_RPC_URL)")
	keypairFlag := flag.String("keypair", "", "path to the signer keypair (overrides SOLANA_KEYPAIR_PATH)")

	// Database commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run PostgreSQL migrations using goose")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the last PostgreSQL migration")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show PostgreSQL migration status")
	resetDBFlag := flag.Bool("reset-db", false, "Drop all tables in the public schema")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	// Ledger commands
	initCounterFlag := flag.Bool("initialize-counter", false, "Create the on-chain impact counter (one-time bootstrap)")
	balanceFlag := flag.Bool("balance", false, "Show the signer balance and current counter value")
	reconcileFlag := flag.Bool("reconcile", false, "Mirror committed ledger entries missing from Postgres")
	replaySlotFlag := flag.Int64("replay-slot", -1, "Re-mirror the entry at this counter value from on-chain state")
	batchSizeFlag := flag.Int("batch-size", reconcile.DefaultBatchSize, "Slots checked per batch during --reconcile")
	timeoutFlag := flag.Duration("timeout", 10*time.Minute, "Overall timeout for the command")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if *rpcURLFlag != "" {
		os.Setenv("SOLANA_RPC_URL", *rpcURLFlag)
	}
	if *keypairFlag != "" {
		os.Setenv("SOLANA_KEYPAIR_PATH", *keypairFlag)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeoutFlag)
	defer cancelTimeout()

	// Execute commands
	if *pgMigrateFlag || *pgMigrateDownFlag || *pgMigrateStatusFlag {
		pgCfg, err := loadPgConfig()
		if err != nil {
			return err
		}
		switch {
		case *pgMigrateFlag:
			return admin.PgMigrateUp(ctx, log, pgCfg.ConnString())
		case *pgMigrateDownFlag:
			return admin.PgMigrateDown(ctx, log, pgCfg.ConnString())
		default:
			return admin.PgMigrateStatus(ctx, pgCfg.ConnString(), os.Stdout)
		}
	}

	if *resetDBFlag {
		pool, err := openPool(ctx, log)
		if err != nil {
			return err
		}
		defer pool.Close()
		return admin.ResetDB(ctx, log, pool, admin.ResetOptions{
			DryRun:      *dryRunFlag,
			SkipConfirm: *yesFlag,
			In:          os.Stdin,
			Out:         os.Stdout,
		})
	}

	if *initCounterFlag || *balanceFlag {
		ledger, err := openLedger(log)
		if err != nil {
			return err
		}
		if *initCounterFlag {
			if *dryRunFlag {
				fmt.Printf("[DRY RUN] Would initialize counter %s\n", ledger.CounterAddress())
				return nil
			}
			return admin.InitializeCounter(ctx, log, ledger, os.Stdout)
		}
		return admin.ShowBalance(ctx, ledger, os.Stdout)
	}

	if *reconcileFlag || *replaySlotFlag >= 0 {
		ledger, err := openLedger(log)
		if err != nil {
			return err
		}
		pool, err := openPool(ctx, log)
		if err != nil {
			return err
		}
		defer pool.Close()
		st, err := store.NewPostgres(store.PostgresConfig{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
		view, err := reconcile.NewView(reconcile.ViewConfig{
			Logger:          log,
			Ledger:          ledger,
			Mirror:          st,
			ProgramID:       ledger.ProgramID(),
			RefreshInterval: time.Minute,
			BatchSize:       *batchSizeFlag,
		})
		if err != nil {
			return err
		}
		if *reconcileFlag {
			return admin.Reconcile(ctx, log, view, os.Stdout)
		}
		return admin.ReplaySlot(ctx, view, uint64(*replaySlotFlag), os.Stdout)
	}

	flag.Usage()
	return errors.New("no command specified")
}

func loadPgConfig() (config.PgConfig, error) {
	cfg, err := config.LoadPgConfig()
	if err != nil {
		return config.PgConfig{}, fmt.Errorf("failed to load postgres config: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, log *slog.Logger) (*pgxpool.Pool, error) {
	cfg, err := loadPgConfig()
	if err != nil {
		return nil, err
	}
	// Admin commands never migrate implicitly.
	cfg.RunMigrations = false
	return config.OpenPostgres(ctx, log, cfg)
}

func openLedger(log *slog.Logger) (*client.Client, error) {
	cfg, err := config.LoadLedgerConfig()
	if err != nil {
		return nil, err
	}
	return config.NewLedgerClient(log, cfg)
}
