package store_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/vionex/impact/impact/pkg/store"
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

func newPostgres(t *testing.T) store.Store {
	t.Helper()
	pool := impacttesting.NewTestPool(t, testDB, store.Migrate)
	s, err := store.NewPostgres(store.PostgresConfig{
		Logger: impacttesting.NewLogger(),
		Pool:   pool,
	})
	if err != nil {
		t.Fatalf("failed to create postgres store: %v", err)
	}
	return s
}

func newMemory(*testing.T) store.Store {
	return store.NewMemory()
}

var backends = map[string]func(*testing.T) store.Store{
	"memory":   newMemory,
	"postgres": newPostgres,
}
