// Package handlers implements the HTTP surface of the impact API.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"

	"github.com/vionex/impact/api/metrics"
	"github.com/vionex/impact/impact/pkg/feedback"
	"github.com/vionex/impact/impact/pkg/lifecycle"
	"github.com/vionex/impact/impact/pkg/store"
	"github.com/vionex/impact/utils/pkg/retry"
)

// ReadyCheck reports whether a dependency is ready to serve traffic.
type ReadyCheck func(ctx context.Context) error

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Store     store.Store
	Lifecycle *lifecycle.Manager
	Feedback  *feedback.Service

	// ReadyChecks run on /readyz in addition to a store ping.
	ReadyChecks map[string]ReadyCheck

	FeedbackLimiter *RateLimiter
	AllowedOrigins  []string
	Version         VersionResponse
	RequestTimeout  time.Duration

	// LedgerRetry is the coordinator's submission budget. Defaults to
	// retry.LedgerConfig().
	LedgerRetry retry.Config
	// FeedbackTimeout bounds the feedback route. It must cover LedgerRetry's budget so
	// a stalled ledger ends in a ledger error rather than a request timeout.
	FeedbackTimeout time.Duration
}

const (
	DefaultRequestTimeout = 30 * time.Second

	// feedbackOverhead covers the store reads and writes around the ledger append.
	feedbackOverhead = 30 * time.Second
)

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Lifecycle == nil {
		return errors.New("lifecycle is required")
	}
	if cfg.Feedback == nil {
		return errors.New("feedback is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.FeedbackLimiter == nil {
		cfg.FeedbackLimiter = NewFeedbackRateLimiter()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.LedgerRetry.MaxAttempts == 0 {
		cfg.LedgerRetry = retry.LedgerConfig()
	}
	budget := cfg.LedgerRetry.Budget()
	if cfg.FeedbackTimeout <= 0 {
		cfg.FeedbackTimeout = budget + feedbackOverhead
	}
	if cfg.FeedbackTimeout < budget {
		return fmt.Errorf("feedback timeout %s is shorter than the ledger retry budget %s", cfg.FeedbackTimeout, budget)
	}
	return nil
}

type API struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &API{log: cfg.Logger, cfg: cfg}, nil
}

// Routes returns the router serving every API endpoint.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(a.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Readyz)
	r.Get("/version", a.GetVersion)

	timeout := middleware.Timeout(a.cfg.RequestTimeout)

	r.Route("/donor", func(r chi.Router) {
		r.Use(timeout)
		r.Post("/profile", a.PutDonorProfile)
		r.Get("/email/{email}", a.GetDonorByEmail)
		r.Get("/{id}/profile", a.GetDonorProfile)
		r.Get("/{id}/donations", a.ListDonorDonations)
		r.Post("/{id}/donations", a.CreateDonation)
		r.Patch("/donations/{id}/confirm", a.ConfirmDonation)
	})

	r.Route("/ngo", func(r chi.Router) {
		r.With(middleware.Timeout(a.cfg.FeedbackTimeout), RateLimitMiddleware(a.cfg.FeedbackLimiter)).
			Post("/request/{id}/feedback", a.SubmitFeedback)
		r.Group(func(r chi.Router) {
			r.Use(timeout)
			r.Post("/profile", a.PutNGOProfile)
			r.Get("/email/{email}", a.GetNGOByEmail)
			r.Get("/request/{id}", a.GetRequest)
			r.Post("/request/{id}/claim", a.ClaimRequest)
			r.Post("/request/{id}/confirm", a.ConfirmRequest)
		})
	})

	r.Route("/impact", func(r chi.Router) {
		r.Use(timeout)
		r.Get("/logs", a.ListImpactLogs)
		r.Get("/logs/{signature}", a.GetImpactLog)
	})

	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := a.cfg.Clock.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug("api: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", a.cfg.Clock.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
