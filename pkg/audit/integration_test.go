//go:build integration

package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gravitas/pkg/store/pgtest"
)

// go test -tags=integration -run TestPostgresStore ./pkg/audit/...
func TestPostgresStoreUnderConcurrentLoad(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Start(t)
	pgtest.Exec(t, pool, filepath.Join("..", "..", "migrations", "001_audit_log.sql"))

	l := New(Options{Store: &PostgresStore{DB: pool, Redact: true, HashSalt: []byte("it")}})
	var wg sync.WaitGroup
	for i := range 1000 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.LogEvent(Event{
				Identity: fmt.Sprintf("agent-%d", i%5),
				Action:   "read",
				Resource: "docs/a",
				Result:   ResultAllowed,
				Metadata: map[string]any{"n": i, "tier": "fast"},
			})
		}()
	}
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	require.NoError(t, l.Stop(flushCtx))
	assert.Zero(t, l.Failed())

	all, err := l.QueryEvents(ctx, "", 1000)
	require.NoError(t, err)
	assert.Len(t, all, 1000)

	one, err := l.QueryEvents(ctx, "agent-3", 1000)
	require.NoError(t, err)
	assert.Len(t, one, 200)
	assert.Equal(t, "fast", one[0].Metadata["tier"])
	assert.Contains(t, one[0].Metadata, "n_hash")

	removed, err := (&PostgresStore{DB: pool}).DeleteBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1000, removed)
}
