// Package audit records every authorization decision without making the
// caller wait for durable storage.
package audit

import (
	"context"
	"errors"
	"time"
)

const (
	ResultAllowed = "ALLOWED"
	ResultDenied  = "DENIED"
)

// ErrNoStore is returned by queries on a log that has no durable store.
var ErrNoStore = errors.New("audit store not configured")

type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Identity  string         `json:"ghost_id"`
	UnitID    string         `json:"shell_id,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Result    string         `json:"result"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ResultFor maps a verdict to its audit result.
func ResultFor(allowed bool) string {
	if allowed {
		return ResultAllowed
	}
	return ResultDenied
}

type Store interface {
	Insert(ctx context.Context, ev Event) error
	// Query returns events newest first. An empty identity matches all.
	Query(ctx context.Context, identity string, limit int) ([]Event, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Publisher receives each event after it has been persisted.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
