//go:build integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gravitas/pkg/store/pgtest"
)

// go test -tags=integration -timeout 180s ./cmd/migrator/...
func TestApplyAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_widgets.sql"), []byte("CREATE TABLE widgets (id SERIAL PRIMARY KEY);"), 0o600))

	m := &migrator{db: pool, dir: dir}
	applied, err := m.apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_widgets.sql"}, applied)

	var recorded string
	require.NoError(t, pool.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename = $1`, "001_widgets.sql").Scan(&recorded))
	assert.Equal(t, checksum([]byte("CREATE TABLE widgets (id SERIAL PRIMARY KEY);")), recorded)
	_, err = pool.Exec(ctx, `INSERT INTO widgets DEFAULT VALUES`)
	require.NoError(t, err)

	applied, err = m.apply(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied, "second run applies nothing")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_broken.sql"), []byte("CREATE TABLE broken (;"), 0o600))
	_, err = m.apply(ctx)
	require.Error(t, err)
	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n, "failed script is not recorded")
}

func TestShippedMigrations(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t)

	m := &migrator{db: pool, dir: filepath.Join("..", "..", "migrations")}
	applied, err := m.apply(ctx)
	require.NoError(t, err)
	assert.Len(t, applied, 4)

	for _, table := range []string{"audit_log", "routing_audit", "agent_certificates", "certificate_reviews", "agent_sessions"} {
		var exists bool
		require.NoError(t, pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists))
		assert.True(t, exists, table)
	}
}
