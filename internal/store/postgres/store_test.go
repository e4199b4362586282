package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/MrWong99/englishpro/internal/store"
	"github.com/MrWong99/englishpro/internal/store/postgres"
	"github.com/MrWong99/englishpro/internal/store/storetest"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if ENGLISHPRO_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ENGLISHPRO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ENGLISHPRO_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a store on a clean schema and closes it on cleanup.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	s, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	for _, stmt := range []string{"TRUNCATE learned_words", "TRUNCATE profiles"} {
		if _, err := s.Pool().Exec(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
	return s
}

func TestPostgres(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newTestStore(t)
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	if err := postgres.Migrate(context.Background(), s.Pool()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestNewStore_BadDSN(t *testing.T) {
	if _, err := postgres.NewStore(context.Background(), "postgres://%zz"); err == nil {
		t.Fatal("NewStore with malformed DSN: want error")
	}
}
