package journal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) now() time.Time {
	cur := c.t
	c.t = c.t.Add(c.step)
	return cur
}

func TestPipeFinalizeWritesRecord(t *testing.T) {
	dir := t.TempDir()
	clock := &stepClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), step: 500 * time.Millisecond}
	p := New("Echo", "s1", "echo-model", "L1", WithDir(dir), WithClock(clock.now))
	p.SetTask("Summarize the word 'gravitas'")
	require.NoError(t, p.LogThought("reading the prompt"))
	p.LogAction("lookup", map[string]string{"word": "gravitas", "depth": "1"})
	ok := true
	p.LogResult("done", &Metrics{Tokens: 20, Cost: 0.002, Success: &ok})

	path, err := p.Finalize()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Echo_s1.md"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	body := string(data)
	assert.True(t, strings.HasPrefix(body, "# ReasoningPipe: Echo | Session: s1\n"))
	assert.Contains(t, body, "**[10:00:00.500]** THOUGHT: reading the prompt")
	assert.Contains(t, body, "ACTION: lookup (depth: 1, word: gravitas)")
	assert.Contains(t, body, "**Duration**: 2s")
	assert.Contains(t, body, "**Efficiency**: 10 tok/s")
	assert.Contains(t, body, "**Cost**: $0.002 (L1)")
	assert.Empty(t, Validate(data))

	summary, err := os.ReadFile(filepath.Join(dir, "Echo_journal.md"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "[s1](Echo_s1.md)")
	assert.Contains(t, string(summary), "Success: true")
}

func TestPipeFinalizeTwiceWarns(t *testing.T) {
	dir := t.TempDir()
	log, hook := test.NewNullLogger()
	p := New("Echo", "s2", "m", "L2", WithDir(dir), WithLogger(log))
	require.NoError(t, p.LogThought("x"))
	first, err := p.Finalize()
	require.NoError(t, err)
	second, err := p.Finalize()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	summary, err := os.ReadFile(filepath.Join(dir, "Echo_journal.md"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(summary), "\n"))
}

func TestPipeRejectsEmptyThought(t *testing.T) {
	p := New("Echo", "s3", "m", "L1", WithDir(t.TempDir()))
	assert.ErrorIs(t, p.LogThought("   "), ErrEmptyThought)
	assert.False(t, p.HasContent())
}

func TestPipeTaskDefaultsToNA(t *testing.T) {
	p := New("Echo", "s4", "m", "L1", WithDir(t.TempDir()))
	p.LogResult("r", nil)
	path, err := p.Finalize()
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	rec, err := Parse(data)
	require.NoError(t, err)
	task, ok := rec.Field("Task")
	require.True(t, ok)
	assert.Equal(t, "N/A", task)
	assert.Equal(t, []string{"No THOUGHT entries logged"}, Validate(data))
}

func TestPipeFinalizeUnwritableDir(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	p := New("Echo", "s5", "m", "L1", WithDir(filepath.Join(blocker, "sub")))
	_, err := p.Finalize()
	assert.ErrorIs(t, err, ErrWrite)
}
