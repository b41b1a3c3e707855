package store

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_HOST", "")
	assert.Empty(t, PostgresDSN())

	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("DATABASE_PORT", "-1")
	t.Setenv("DATABASE_USER", "svc")
	t.Setenv("POSTGRES_PASSWORD", "p@ss word")
	t.Setenv("DATABASE_NAME", "governance")
	t.Setenv("DATABASE_SSLMODE", "verify-full")
	u, err := url.Parse(PostgresDSN())
	require.NoError(t, err)
	assert.Equal(t, "db.internal:5432", u.Host)
	assert.Equal(t, "/governance", u.Path)
	assert.Equal(t, "svc", u.User.Username())
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss word", pw)
	assert.Equal(t, "verify-full", u.Query().Get("sslmode"))

	t.Setenv("DATABASE_URL", "postgres://explicit@h/db")
	assert.Equal(t, "postgres://explicit@h/db", PostgresDSN())
}

func TestCheckPostgresTLS(t *testing.T) {
	for dsn, ok := range map[string]bool{
		"postgres://u@h/db?sslmode=require":     true,
		"postgres://u@h/db?sslmode=verify-ca":   true,
		"postgres://u@h/db?sslmode=VERIFY-FULL": true,
		"postgres://u@h/db?sslmode=prefer":      false,
		"postgres://u@h/db":                     false,
		"://bad":                                false,
	} {
		err := checkPostgresTLS(dsn)
		assert.Equal(t, ok, err == nil, dsn)
	}
}

func TestOpenPostgresValidatesBeforeDialing(t *testing.T) {
	ctx := context.Background()
	_, err := OpenPostgres(ctx, PostgresOptions{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = OpenPostgres(ctx, PostgresOptions{DSN: "postgres://u@h/db?sslmode=disable", RequireTLS: true})
	assert.ErrorContains(t, err, "not encrypted")

	_, err = OpenPostgres(ctx, PostgresOptions{DSN: "postgres://u@h:notaport/db"})
	assert.ErrorContains(t, err, "parse DATABASE_URL")
}

func withPostgresSeams(t *testing.T, newPool func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error), wait func(context.Context, time.Duration) error) {
	t.Helper()
	origNew, origWait := pgxPoolNewWithConfig, postgresWait
	pgxPoolNewWithConfig, postgresWait = newPool, wait
	t.Cleanup(func() { pgxPoolNewWithConfig, postgresWait = origNew, origWait })
}

func TestOpenPostgresRetriesThenGivesUp(t *testing.T) {
	var seen *pgxpool.Config
	calls, waits := 0, 0
	withPostgresSeams(t,
		func(_ context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
			calls++
			seen = cfg
			return nil, errors.New("connection refused")
		},
		func(context.Context, time.Duration) error { waits++; return nil },
	)
	_, err := OpenPostgres(context.Background(), PostgresOptions{
		DSN:      "postgres://u@localhost:5432/db",
		AppName:  "gravitas",
		MaxConns: 7,
		Attempts: 3,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, waits)
	require.NotNil(t, seen)
	assert.Equal(t, int32(7), seen.MaxConns)
	assert.Equal(t, "gravitas", seen.ConnConfig.RuntimeParams["application_name"])
}

func TestOpenPostgresStopsWhenContextEnds(t *testing.T) {
	calls := 0
	withPostgresSeams(t,
		func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error) {
			calls++
			return nil, errors.New("down")
		},
		func(ctx context.Context, _ time.Duration) error { return context.Canceled },
	)
	_, err := OpenPostgres(context.Background(), PostgresOptions{DSN: "postgres://u@localhost/db", Attempts: 10})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPostgresWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, postgresWait(ctx, time.Hour), context.Canceled)
	assert.NoError(t, postgresWait(context.Background(), time.Millisecond))
}
