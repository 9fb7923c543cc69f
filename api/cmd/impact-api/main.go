package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/vionex/impact/api/config"
	"github.com/vionex/impact/api/handlers"
	"github.com/vionex/impact/api/metrics"
	"github.com/vionex/impact/impact/pkg/coordinator"
	"github.com/vionex/impact/impact/pkg/feedback"
	"github.com/vionex/impact/impact/pkg/lifecycle"
	"github.com/vionex/impact/impact/pkg/reconcile"
	"github.com/vionex/impact/impact/pkg/rewards"
	"github.com/vionex/impact/impact/pkg/store"
	"github.com/vionex/impact/utils/pkg/logger"
	"github.com/vionex/impact/utils/pkg/retry"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logFormatFlag := flag.String("log-format", "text", "log format: text or json (or set LOG_FORMAT env var)")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address for the HTTP API (or set LISTEN_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics, empty to disable")
	reconcileIntervalFlag := flag.Duration("reconcile-interval", 30*time.Second, "interval between mirror reconciliation passes")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS origins allowed to call the API (or set ALLOWED_ORIGINS env var, comma separated)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 10*time.Second, "maximum time to wait for in-flight requests during shutdown")

	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	if env := os.Getenv("LOG_FORMAT"); env != "" {
		*logFormatFlag = env
	}
	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("ALLOWED_ORIGINS"); env != "" {
		*allowedOriginsFlag = strings.Split(env, ",")
	}

	format, err := logger.ParseFormat(*logFormatFlag)
	if err != nil {
		return err
	}
	log := logger.NewWithFormat(os.Stdout, *verboseFlag, format)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      os.Getenv("SENTRY_ENVIRONMENT"),
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry initialized", "environment", os.Getenv("SENTRY_ENVIRONMENT"))
	}

	// Start metrics server
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgCfg, err := config.LoadPgConfig()
	if err != nil {
		return err
	}
	pool, err := config.OpenPostgres(ctx, log, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	st, err := store.NewPostgres(store.PostgresConfig{Logger: log, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	ledgerCfg, err := config.LoadLedgerConfig()
	if err != nil {
		return err
	}
	ledger, err := config.NewLedgerClient(log, ledgerCfg)
	if err != nil {
		return err
	}

	mgr, err := lifecycle.New(lifecycle.Config{Logger: log, Store: st})
	if err != nil {
		return fmt.Errorf("failed to create lifecycle manager: %w", err)
	}
	ledgerRetry := retry.LedgerConfig()
	coord, err := coordinator.New(coordinator.Config{
		Logger:    log,
		Ledger:    ledger,
		Mirror:    st,
		ProgramID: ledgerCfg.ProgramID,
		Retry:     ledgerRetry,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	rw, err := rewards.New(rewards.Config{Logger: log, Store: st})
	if err != nil {
		return fmt.Errorf("failed to create rewards ledger: %w", err)
	}
	fb, err := feedback.New(feedback.Config{
		Logger:      log,
		Store:       st,
		Lifecycle:   mgr,
		Coordinator: coord,
		Rewards:     rw,
	})
	if err != nil {
		return fmt.Errorf("failed to create feedback service: %w", err)
	}
	view, err := reconcile.NewView(reconcile.ViewConfig{
		Logger:          log,
		Ledger:          ledger,
		Mirror:          st,
		ProgramID:       ledgerCfg.ProgramID,
		RefreshInterval: *reconcileIntervalFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create reconcile view: %w", err)
	}

	limiter := handlers.NewFeedbackRateLimiter()
	api, err := handlers.New(handlers.Config{
		Logger:    log,
		Store:     st,
		Lifecycle: mgr,
		Feedback:  fb,
		ReadyChecks: map[string]handlers.ReadyCheck{
			"ledger": func(ctx context.Context) error {
				_, err := ledger.ReadCounter(ctx)
				return err
			},
			"reconcile": func(context.Context) error {
				if !view.Ready() {
					return errors.New("initial reconciliation pending")
				}
				return nil
			},
		},
		FeedbackLimiter: limiter,
		LedgerRetry:     ledgerRetry,
		AllowedOrigins:  *allowedOriginsFlag,
		Version:         handlers.VersionResponse{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return fmt.Errorf("failed to create api: %w", err)
	}

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	server := &http.Server{
		Addr:              *listenAddrFlag,
		Handler:           sentryHandler.Handle(api.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	view.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("impact api listening", "address", server.Addr, "version", version, "program_id", ledgerCfg.ProgramID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down impact api")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shut down http server", "error", err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("impact api stopped")
	return nil
}
