// Package echo is a deterministic reference unit. It repeats the prompt
// back and is used to exercise the gateway and the certifier end to end.
package echo

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"gravitas/pkg/journal"
	"gravitas/pkg/unit"
)

const (
	Name    = "echo"
	Version = "1.0.0"
	Model   = "echo-local"
	Tier    = "L1"
	Source  = "pkg/unit/echo/echo.go"
)

var ErrEmptyPrompt = errors.New("echo: empty prompt")

type Unit struct {
	*unit.Base
}

func New(cfg unit.Config) unit.Unit {
	if cfg.Model == "" {
		cfg.Model = Model
	}
	if cfg.Tier == "" {
		cfg.Tier = Tier
	}
	return &Unit{Base: unit.NewBase(cfg)}
}

func Spec() unit.Spec {
	return unit.Spec{Name: Name, Version: Version, Model: Model, Tier: Tier, Source: Source, New: New}
}

func Register(r *unit.Registry) error {
	return r.Register(Spec())
}

func (u *Unit) ExecuteInternal(ctx context.Context, task unit.Task) (map[string]any, error) {
	prompt := strings.TrimSpace(task.Prompt())
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := u.Thought(u.ParseThought("THOUGHT: repeating the prompt verbatim")); err != nil {
		return nil, err
	}
	if name, details, ok := u.ParseAction("ACTION: echo words=" + strconv.Itoa(len(strings.Fields(prompt)))); ok {
		u.Action(name, details)
	}
	ok := true
	tokens := len(strings.Fields(prompt))
	u.Result(prompt, &journal.Metrics{Tokens: tokens, Cost: 0, Success: &ok})
	return map[string]any{"output": prompt, "tokens": tokens}, nil
}

// ParseThought strips the THOUGHT: marker from raw model output.
func (u *Unit) ParseThought(raw string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "THOUGHT:"))
}

// ParseAction reads "ACTION: name k=v k=v".
func (u *Unit) ParseAction(raw string) (string, map[string]string, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "ACTION:") {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(raw, "ACTION:"))
	if len(fields) == 0 {
		return "", nil, false
	}
	details := map[string]string{}
	for _, f := range fields[1:] {
		if k, v, found := strings.Cut(f, "="); found && k != "" {
			details[k] = v
		}
	}
	return fields[0], details, true
}
