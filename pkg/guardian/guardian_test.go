package guardian

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gravitas/pkg/certstore"
	"gravitas/pkg/store/pgfake"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var issued = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTable(t *testing.T, names ...string) *certstore.Table {
	t.Helper()
	table := certstore.NewTable(nil, nil)
	for _, n := range names {
		require.NoError(t, table.Put(context.Background(), certstore.Certificate{
			AgentName: n, IssuedAt: issued, ExpiresAt: issued.Add(30 * 24 * time.Hour), Signature: "s", Version: "1.0",
		}))
	}
	return table
}

func TestSessionStartRequiresCertificate(t *testing.T) {
	clock := &fakeClock{t: issued}
	g := New(newTable(t, "Echo"), WithClock(clock.Now))

	_, err := g.SessionStart(context.Background(), "Nobody", "s1", nil)
	assert.ErrorIs(t, err, ErrNotCertified)
	assert.Contains(t, err.Error(), "'Nobody'")
	assert.Empty(t, g.Active())
}

func TestCertificateValidityWindow(t *testing.T) {
	clock := &fakeClock{t: issued.Add(29 * 24 * time.Hour)}
	g := New(newTable(t, "Echo"), WithClock(clock.Now))

	perm, err := g.SessionStart(context.Background(), "Echo", "day29", nil)
	require.NoError(t, err)
	assert.True(t, perm.Allowed)

	clock.Advance(2 * 24 * time.Hour)
	_, err = g.SessionStart(context.Background(), "Echo", "day31", nil)
	require.ErrorIs(t, err, ErrCertificationExpired)
	assert.Contains(t, err.Error(), "expired on 2026-01-31T00:00:00Z")
	assert.Len(t, g.Active(), 1)
}

func TestDuplicateActiveSessionRejected(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	g := New(newTable(t, "Echo"), WithClock((&fakeClock{t: issued}).Now), WithLogger(log))

	perm, err := g.SessionStart(context.Background(), "Echo", "s1", nil)
	require.NoError(t, err)
	require.True(t, perm.Allowed)

	perm, err = g.SessionStart(context.Background(), "Echo", "s1", nil)
	require.NoError(t, err)
	assert.False(t, perm.Allowed)
	assert.Equal(t, "Session s1 is already active.", perm.Reason)
	assert.Len(t, g.Active(), 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestConcurrentDuplicateStartsAdmitOne(t *testing.T) {
	g := New(newTable(t, "Echo"), WithClock((&fakeClock{t: issued}).Now))
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			perm, err := g.SessionStart(context.Background(), "Echo", "same", nil)
			if err == nil && perm.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, allowed)
	assert.Len(t, g.Active(), 1)
}

type recorder struct {
	mu       sync.Mutex
	sessions []Session
	err      error
}

func (r *recorder) RecordSession(_ context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
	return r.err
}

func TestSessionEndAndStats(t *testing.T) {
	clock := &fakeClock{t: issued}
	rec := &recorder{}
	table := newTable(t, "Echo", "Atlas")
	g := New(table, WithClock(clock.Now), WithRecorder(rec))
	ctx := context.Background()

	for i, d := range []time.Duration{1500 * time.Millisecond, 2500 * time.Millisecond} {
		id := fmt.Sprintf("s%d", i)
		_, err := g.SessionStart(ctx, "Echo", id, map[string]any{"model": "m"})
		require.NoError(t, err)
		clock.Advance(d)
		g.SessionEnd(ctx, id, "/tmp/"+id+".md")
	}
	_, err := g.SessionStart(ctx, "Echo", "open", nil)
	require.NoError(t, err)

	require.Len(t, rec.sessions, 2)
	assert.Equal(t, 1.5, rec.sessions[0].Duration)
	assert.Equal(t, StatusCompleted, rec.sessions[0].Status)
	assert.Equal(t, "/tmp/s0.md", rec.sessions[0].OutputRef)

	stats := g.Stats("Echo")["Echo"]
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 2, stats.CompletedTotal)
	assert.Equal(t, 2.0, stats.AvgDuration)
	require.NotNil(t, stats.CertificationExpires)
	assert.False(t, stats.PendingReview)

	require.NoError(t, table.Flag(ctx, certstore.Review{AgentName: "Atlas", Reason: "low"}))
	all := g.Stats("")
	assert.Len(t, all, 2)
	assert.True(t, all["Atlas"].PendingReview)
	assert.Zero(t, all["Atlas"].CompletedTotal)

	unknown := g.Stats("Ghost")["Ghost"]
	assert.Nil(t, unknown.CertificationExpires)
}

func TestSessionEndUnknownIsNoop(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	rec := &recorder{}
	g := New(newTable(t, "Echo"), WithLogger(log), WithRecorder(rec))
	g.SessionEnd(context.Background(), "missing", "")
	assert.Empty(t, rec.sessions)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "session end for unknown session", hook.LastEntry().Message)
}

func TestRecorderFailureIsLogged(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	rec := &recorder{err: errors.New("db down")}
	g := New(newTable(t, "Echo"), WithClock((&fakeClock{t: issued}).Now), WithLogger(log), WithRecorder(rec))
	perm, err := g.SessionStart(context.Background(), "Echo", "s", nil)
	require.NoError(t, err)
	require.True(t, perm.Allowed, perm.Reason)
	g.SessionEnd(context.Background(), "s", "")
	assert.Equal(t, "record session failed", hook.LastEntry().Message)
	assert.Equal(t, 1, g.Stats("Echo")["Echo"].CompletedTotal)
}

func TestPruneCompleted(t *testing.T) {
	clock := &fakeClock{t: issued}
	g := New(newTable(t, "Echo"), WithClock(clock.Now))
	ctx := context.Background()
	for _, id := range []string{"old", "new"} {
		_, err := g.SessionStart(ctx, "Echo", id, nil)
		require.NoError(t, err)
		g.SessionEnd(ctx, id, "")
		clock.Advance(48 * time.Hour)
	}
	assert.Equal(t, 1, g.PruneCompleted(issued.Add(time.Hour)))
	assert.Equal(t, 1, g.Stats("Echo")["Echo"].CompletedTotal)
}

func TestPostgresRecorder(t *testing.T) {
	db := &pgfake.DB{Tag: "DELETE 3"}
	p := &PostgresRecorder{DB: db}
	end := issued.Add(time.Second)
	require.NoError(t, p.RecordSession(context.Background(), Session{ID: "s", Identity: "Echo", Start: issued, End: &end, Duration: 1}))
	assert.Equal(t, "s", db.LastExec().Args[0])
	n, err := p.Prune(context.Background(), issued)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
