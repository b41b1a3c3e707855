// Package unit defines the executable-unit contract and the standardized
// execution flow every unit runs under.
package unit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"gravitas/pkg/journal"
	"gravitas/pkg/logging"
)

// ErrSessionRejected is returned when the session gate refuses to open a session.
var ErrSessionRejected = errors.New("session rejected")

const taskSummaryLimit = 200

// Task is the payload handed to a unit. The "prompt" key carries the
// human-readable instruction.
type Task map[string]any

func (t Task) Prompt() string {
	if v, ok := t["prompt"].(string); ok {
		return v
	}
	return ""
}

// Permission is the session gate's answer to a start request.
type Permission struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// SessionGate opens and closes execution sessions for a unit.
type SessionGate interface {
	SessionStart(ctx context.Context, identity, sessionID string, metadata map[string]any) (Permission, error)
	SessionEnd(ctx context.Context, sessionID, outputRef string)
}

// AllowAll is a permissive gate used when a unit runs outside the gateway,
// for example during certification.
type AllowAll struct{}

func (AllowAll) SessionStart(context.Context, string, string, map[string]any) (Permission, error) {
	return Permission{Allowed: true}, nil
}

func (AllowAll) SessionEnd(context.Context, string, string) {}

type Config struct {
	Identity   string
	SessionID  string
	Model      string
	Tier       string
	JournalDir string
	Gate       SessionGate
	Logger     logrus.FieldLogger
	Clock      func() time.Time
}

// Base carries the capabilities every unit shares. Units embed it and
// initialise it with NewBase.
type Base struct {
	identity string
	session  string
	model    string
	tier     string
	gate     SessionGate
	log      logrus.FieldLogger
	pipe     *journal.Pipe
}

func NewBase(cfg Config) *Base {
	gate := cfg.Gate
	if gate == nil {
		gate = AllowAll{}
	}
	log := logging.OrDiscard(cfg.Logger).WithFields(logrus.Fields{
		"identity": cfg.Identity,
		"session":  cfg.SessionID,
	})
	return &Base{
		identity: cfg.Identity,
		session:  cfg.SessionID,
		model:    cfg.Model,
		tier:     cfg.Tier,
		gate:     gate,
		log:      log,
		pipe: journal.New(cfg.Identity, cfg.SessionID, cfg.Model, cfg.Tier,
			journal.WithDir(cfg.JournalDir),
			journal.WithClock(cfg.Clock),
			journal.WithLogger(log)),
	}
}

func (b *Base) Core() *Base                         { return b }
func (b *Base) Identity() string                    { return b.identity }
func (b *Base) SessionID() string                   { return b.session }
func (b *Base) Model() string                       { return b.model }
func (b *Base) Tier() string                        { return b.tier }
func (b *Base) Pipe() *journal.Pipe                 { return b.pipe }
func (b *Base) Logger() logrus.FieldLogger          { return b.log }
func (b *Base) RecordPath() string                  { return b.pipe.Path() }
func (b *Base) Thought(content string) error        { return b.pipe.LogThought(content) }
func (b *Base) Result(r string, m *journal.Metrics) { b.pipe.LogResult(r, m) }

func (b *Base) Action(name string, details map[string]string) {
	b.pipe.LogAction(name, details)
}

// Unit is an executable unit: a Base plus the unit-specific behaviour.
type Unit interface {
	Core() *Base
	ExecuteInternal(ctx context.Context, task Task) (map[string]any, error)
	ParseThought(raw string) string
	ParseAction(raw string) (name string, details map[string]string, ok bool)
}

// Execute runs u under its session gate. The execution record is finalized
// and the session closed on both success and failure.
func Execute(ctx context.Context, u Unit, task Task) (map[string]any, error) {
	b := u.Core()
	if b == nil {
		return nil, errors.New("unit: missing base")
	}
	perm, err := b.gate.SessionStart(ctx, b.identity, b.session, map[string]any{
		"model": b.model,
		"tier":  b.tier,
	})
	if err != nil {
		return nil, err
	}
	if !perm.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrSessionRejected, perm.Reason)
	}
	// session bookkeeping must survive a cancelled caller
	bg := context.WithoutCancel(ctx)

	b.pipe.SetTask(truncate(task.Prompt(), taskSummaryLimit))
	result, err := u.ExecuteInternal(ctx, task)
	if err != nil {
		ref := ""
		if b.pipe.HasContent() {
			b.pipe.LogResult("Error occurred: "+err.Error(), nil)
			if path, ferr := b.pipe.Finalize(); ferr == nil {
				ref = path
			} else {
				b.log.WithError(ferr).Warn("finalize after failure")
			}
		}
		b.gate.SessionEnd(bg, b.session, ref)
		return nil, err
	}
	path, err := b.pipe.Finalize()
	if err != nil {
		b.gate.SessionEnd(bg, b.session, "")
		return nil, err
	}
	b.gate.SessionEnd(bg, b.session, path)
	return result, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
