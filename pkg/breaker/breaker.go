// Package breaker guards calls to a remote dependency. After enough
// consecutive failures the breaker opens and callers go straight to their
// fallback until a cooldown has passed.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	Closed   = "CLOSED"
	Open     = "OPEN"
	HalfOpen = "HALF_OPEN"
)

var ErrOpen = errors.New("circuit open")

type Options struct {
	Name             string
	FailureThreshold int
	Cooldown         time.Duration
	// OnChange observes every state change. It runs under the breaker's
	// lock and must not call back into the breaker.
	OnChange func(from, to string)
}

type Breaker struct {
	cb *gobreaker.CircuitBreaker[struct{}]
}

func New(opts Options) *Breaker {
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	name := opts.Name
	if name == "" {
		name = "gatekeeper"
	}
	settings := gobreaker.Settings{
		Name: name,
		// one trial call in half-open; its outcome closes or reopens the circuit
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: countsAsSuccess,
	}
	if opts.OnChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			opts.OnChange(stateName(from), stateName(to))
		}
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

// countsAsSuccess keeps a caller's own cancellation from being charged to
// the remote side.
func countsAsSuccess(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// Do runs fn unless the circuit is open, in which case it returns ErrOpen
// without calling fn. A non-nil error from fn counts as a failure.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return err
}

func (b *Breaker) State() string {
	return stateName(b.cb.State())
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}
