package fixtures

import "gravitas/pkg/unit"

type Half struct {
	unit.Base
}

func (h Half) ParseThought(raw string) string { return raw }
