package journal

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gravitas/pkg/logging"
)

var (
	ErrEmptyThought = errors.New("thought content must be a non-empty string")
	ErrWrite        = errors.New("execution record write failed")
)

const (
	// DefaultDir is where records land unless WithDir overrides it.
	DefaultDir      = "docs/journals"
	entryTimeLayout = "15:04:05.000"
)

// Metrics are reported by the unit with its result.
type Metrics struct {
	Tokens  int
	Cost    float64
	Success *bool
}

// Pipe buffers one session's reasoning trace and writes it as a markdown
// execution record on Finalize.
type Pipe struct {
	mu        sync.Mutex
	identity  string
	session   string
	model     string
	tier      string
	dir       string
	now       func() time.Time
	log       logrus.FieldLogger
	start     time.Time
	task      string
	buffer    []string
	metrics   Metrics
	finalized bool
}

type Option func(*Pipe)

func WithDir(dir string) Option {
	return func(p *Pipe) {
		if strings.TrimSpace(dir) != "" {
			p.dir = dir
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipe) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Pipe) { p.log = logging.OrDiscard(log) }
}

func New(identity, session, model, tier string, opts ...Option) *Pipe {
	p := &Pipe{
		identity: identity,
		session:  session,
		model:    model,
		tier:     tier,
		dir:      DefaultDir,
		now:      time.Now,
		log:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.start = p.now()
	return p
}

func (p *Pipe) Identity() string { return p.identity }
func (p *Pipe) Session() string  { return p.session }

// Path is where Finalize writes the record.
func (p *Pipe) Path() string {
	return filepath.Join(p.dir, p.identity+"_"+p.session+".md")
}

func (p *Pipe) SummaryPath() string {
	return filepath.Join(p.dir, SummaryFile(p.identity))
}

// SummaryFile is the name of the per-identity summary journal.
func SummaryFile(identity string) string {
	return identity + "_journal.md"
}

func (p *Pipe) SetTask(description string) {
	p.mu.Lock()
	p.task = description
	p.mu.Unlock()
}

func (p *Pipe) LogThought(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyThought
	}
	p.append("THOUGHT", content)
	return nil
}

func (p *Pipe) LogAction(action string, details map[string]string) {
	line := action
	if len(details) > 0 {
		keys := make([]string, 0, len(details))
		for k := range details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+details[k])
		}
		line += " (" + strings.Join(parts, ", ") + ")"
	}
	p.append("ACTION", line)
}

// LogResult records the outcome; a non-nil m replaces the session metrics.
func (p *Pipe) LogResult(result string, m *Metrics) {
	p.append("RESULT", result)
	if m != nil {
		p.mu.Lock()
		p.metrics = *m
		p.mu.Unlock()
	}
}

func (p *Pipe) append(kind, content string) {
	ts := p.now().Format(entryTimeLayout)
	p.mu.Lock()
	p.buffer = append(p.buffer, fmt.Sprintf("**[%s]** %s: %s", ts, kind, content))
	p.mu.Unlock()
}

// HasContent reports whether anything was logged since the last Finalize.
func (p *Pipe) HasContent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer) > 0
}

// Finalize writes the record and appends a line to the identity's summary
// journal. Calling it again returns the same path without rewriting.
func (p *Pipe) Finalize() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path := p.Path()
	if p.finalized {
		p.log.WithFields(logrus.Fields{"identity": p.identity, "session": p.session}).Warn("execution record already finalized")
		return path, nil
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}
	end := p.now()
	duration := round2(end.Sub(p.start).Seconds())
	efficiency := 0.0
	if p.metrics.Tokens > 0 && duration > 0 {
		efficiency = round2(float64(p.metrics.Tokens) / duration)
	}
	task := p.task
	if task == "" {
		task = "N/A"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# ReasoningPipe: %s | Session: %s\n\n", p.identity, p.session)
	fmt.Fprintf(&b, "**Started**: %s  \n", p.start.Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "**Model**: %s  \n", p.model)
	fmt.Fprintf(&b, "**Tier**: %s  \n", p.tier)
	fmt.Fprintf(&b, "**Task**: %s\n\n---\n\n", task)
	b.WriteString("## Thought Stream\n\n")
	b.WriteString(strings.Join(p.buffer, "\n\n"))
	b.WriteString("\n\n---\n\n## Session Metadata\n\n")
	fmt.Fprintf(&b, "**Duration**: %ss  \n", formatFloat(duration))
	fmt.Fprintf(&b, "**Tokens Generated**: %d  \n", p.metrics.Tokens)
	fmt.Fprintf(&b, "**Efficiency**: %s tok/s  \n", formatFloat(efficiency))
	fmt.Fprintf(&b, "**Cost**: $%s (%s)  \n", formatFloat(p.metrics.Cost), p.tier)
	fmt.Fprintf(&b, "**Finalized**: %s\n", end.Format(time.RFC3339Nano))

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrWrite, path, err)
	}
	success := "N/A"
	if p.metrics.Success != nil {
		success = strconv.FormatBool(*p.metrics.Success)
	}
	summary := fmt.Sprintf("- %s | Session: [%s](%s) | Model: %s | Tier: %s | Success: %s\n",
		end.Format("2006-01-02 15:04:05"), p.session, filepath.Base(path), p.model, p.tier, success)
	f, err := os.OpenFile(p.SummaryPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}
	_, werr := f.WriteString(summary)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		return "", fmt.Errorf("%w: summary journal: %v", ErrWrite, errors.Join(werr, cerr))
	}
	p.finalized = true
	p.buffer = nil
	return path, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
