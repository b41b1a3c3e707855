package quality

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gravitas/pkg/certstore"
	"gravitas/pkg/journal"
)

type fakeCerts struct {
	ids     []string
	flagged []certstore.Review
	err     error
}

func (f *fakeCerts) Identities() []string { return f.ids }

func (f *fakeCerts) Flag(_ context.Context, r certstore.Review) error {
	if f.err != nil {
		return f.err
	}
	f.flagged = append(f.flagged, r)
	return nil
}

func writeRecord(t *testing.T, dir, identity, session string, tokens int) string {
	t.Helper()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return start.Add(time.Duration(tick) * time.Second)
	}
	p := journal.New(identity, session, "echo-local", "L1", journal.WithDir(dir), journal.WithClock(clock))
	p.SetTask("summarize")
	require.NoError(t, p.LogThought("thinking"))
	p.LogAction("search", map[string]string{"q": "x"})
	ok := true
	p.LogResult("done", &journal.Metrics{Tokens: tokens, Cost: 0.0001, Success: &ok})
	path, err := p.Finalize()
	require.NoError(t, err)
	return path
}

func TestScoreRecordFull(t *testing.T) {
	dir := t.TempDir()
	path := writeRecord(t, dir, "Research_Agent", "s1", 50)
	src, err := os.ReadFile(path)
	require.NoError(t, err)
	rec, err := journal.Parse(src)
	require.NoError(t, err)

	b := ScoreRecord(rec)
	assert.Equal(t, Breakdown{Format: 40, Completeness: 30, Efficiency: 20, Cost: 10}, b)
	assert.Equal(t, 100, b.Total())
}

func TestScoreRecordEfficiencyOutOfRange(t *testing.T) {
	dir := t.TempDir()
	path := writeRecord(t, dir, "Research_Agent", "s1", 0)
	src, err := os.ReadFile(path)
	require.NoError(t, err)
	rec, err := journal.Parse(src)
	require.NoError(t, err)
	assert.Equal(t, 10, ScoreRecord(rec).Efficiency)
}

func TestScoreRecordEmptyDocument(t *testing.T) {
	rec, _ := journal.Parse([]byte("just some notes\n"))
	assert.Equal(t, Breakdown{}, ScoreRecord(rec))
}

func TestRunFlagsLowQuality(t *testing.T) {
	dir := t.TempDir()
	writeRecord(t, dir, "Good_Agent", "s1", 50)
	writeRecord(t, dir, "Poor_Agent", "s1", 50)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Poor_Agent_s2.md"), []byte("# ReasoningPipe: Poor_Agent | Session: s2\n\nnothing here\n"), 0o644))

	certs := &fakeCerts{ids: []string{"Poor_Agent", "Good_Agent", "Idle_Agent"}}
	a := New(certs, Options{Dir: dir})
	report, err := a.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Audited)
	assert.Equal(t, []string{"Poor_Agent"}, report.Flagged)
	assert.Equal(t, 100, report.Details["Good_Agent"].Total)
	poor := report.Details["Poor_Agent"]
	assert.Equal(t, 2, poor.Records)
	assert.Less(t, poor.Total, DefaultThreshold)
	require.Len(t, certs.flagged, 1)
	assert.Equal(t, "Poor_Agent", certs.flagged[0].AgentName)
	assert.Equal(t, poor.Total, certs.flagged[0].Score)
	assert.Contains(t, certs.flagged[0].Reason, "below threshold (75)")
}

func TestAuditIdentityIgnoresSummaryAndOldRecords(t *testing.T) {
	dir := t.TempDir()
	path := writeRecord(t, dir, "Agent", "s1", 50)
	old := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	_, err := os.Stat(filepath.Join(dir, journal.SummaryFile("Agent")))
	require.NoError(t, err)

	a := New(&fakeCerts{}, Options{Dir: dir})
	_, ok, err := a.AuditIdentity("Agent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuditIdentitySkipsOtherIdentityWithSharedPrefix(t *testing.T) {
	dir := t.TempDir()
	writeRecord(t, dir, "Agent_X", "s1", 50)
	a := New(&fakeCerts{}, Options{Dir: dir})
	_, ok, err := a.AuditIdentity("Agent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunFlagFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Agent_s1.md"), []byte("# ReasoningPipe: Agent | Session: s1\n"), 0o644))
	certs := &fakeCerts{ids: []string{"Agent"}, err: errors.New("disk full")}
	report, err := New(certs, Options{Dir: dir}).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Flagged)
	assert.Equal(t, 1, report.Audited)
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(&fakeCerts{ids: []string{"a"}}, Options{Dir: t.TempDir()}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
