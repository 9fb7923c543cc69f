package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/vionex/impact/api/handlers"
	"github.com/vionex/impact/impact/pkg/coordinator"
	"github.com/vionex/impact/impact/pkg/feedback"
	"github.com/vionex/impact/impact/pkg/lifecycle"
	"github.com/vionex/impact/impact/pkg/rewards"
	"github.com/vionex/impact/impact/pkg/store"
	"github.com/vionex/impact/ledger/pkg/ledgertest"
	"github.com/vionex/impact/ledger/pkg/slot"
	"github.com/vionex/impact/utils/pkg/retry"
	impacttesting "github.com/vionex/impact/utils/pkg/testing"
)

var testDB *impacttesting.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := slog.Default()

	var err error
	testDB, err = impacttesting.NewDB(ctx, log, nil)
	if err != nil {
		slog.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}

type testEnv struct {
	handler http.Handler
	store   store.Store
	ledger  *ledgertest.Ledger
	clock   *clockwork.FakeClock
}

type envOption func(*handlers.Config)

func newTestEnv(t *testing.T, s store.Store, l *ledgertest.Ledger, opts ...envOption) *testEnv {
	t.Helper()
	log := impacttesting.NewLogger()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	cfg := handlers.Config{
		Logger:          log,
		Clock:           clock,
		Store:           s,
		FeedbackLimiter: handlers.NewRateLimiter("feedback", rate.Inf, 1, clock),
		LedgerRetry:     retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		Version:         handlers.VersionResponse{Version: "v1.2.3", Commit: "abc123", Date: "2026-03-01"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	mgr, err := lifecycle.New(lifecycle.Config{Logger: log, Store: s, Clock: clock})
	require.NoError(t, err)
	coord, err := coordinator.New(coordinator.Config{
		Logger:    log,
		Clock:     clock,
		Ledger:    l,
		Mirror:    s,
		ProgramID: slot.DefaultProgramID,
		Retry:     cfg.LedgerRetry,
	})
	require.NoError(t, err)
	rw, err := rewards.New(rewards.Config{Logger: log, Store: s})
	require.NoError(t, err)
	fb, err := feedback.New(feedback.Config{
		Logger:      log,
		Clock:       clock,
		Store:       s,
		Lifecycle:   mgr,
		Coordinator: coord,
		Rewards:     rw,
	})
	require.NoError(t, err)

	cfg.Lifecycle = mgr
	cfg.Feedback = fb
	api, err := handlers.New(cfg)
	require.NoError(t, err)

	return &testEnv{handler: api.Routes(), store: s, ledger: l, clock: clock}
}

func newMemoryEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	return newTestEnv(t, store.NewMemory(), ledgertest.New(slot.DefaultProgramID, 0), opts...)
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:40000"
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}
