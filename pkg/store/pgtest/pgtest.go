// Package pgtest starts a throwaway Postgres for integration tests. It is
// imported only from files built with the integration tag.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Image can be overridden with PGTEST_IMAGE.
const Image = "postgres:16-alpine"

// Start runs a container, connects a pool and registers cleanup for both.
// It skips the test under -short.
func Start(t testing.TB) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container skipped in short mode")
	}
	ctx := context.Background()
	image := Image
	if v := os.Getenv("PGTEST_IMAGE"); v != "" {
		image = v
	}
	ctr, err := postgres.Run(ctx, image,
		postgres.WithDatabase("gravitas"),
		postgres.WithUsername("gravitas"),
		postgres.WithPassword("gravitas"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(45*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres dsn: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// Exec applies each SQL file in order.
func Exec(t testing.TB, pool *pgxpool.Pool, files ...string) {
	t.Helper()
	for _, f := range files {
		ddl, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if _, err := pool.Exec(context.Background(), string(ddl)); err != nil {
			t.Fatalf("exec %s: %v", f, err)
		}
	}
}
