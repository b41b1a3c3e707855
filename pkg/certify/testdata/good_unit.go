package fixtures

import (
	"context"

	u "gravitas/pkg/unit"
)

type Scout struct {
	*u.Base
}

func NewScout(cfg u.Config) u.Unit {
	return &Scout{Base: u.NewBase(cfg)}
}

func (s *Scout) ExecuteInternal(ctx context.Context, task u.Task) (map[string]any, error) {
	return nil, nil
}

func (s *Scout) ParseThought(raw string) string { return raw }

func (s *Scout) ParseAction(raw string) (string, map[string]string, bool) {
	return "", nil, false
}
