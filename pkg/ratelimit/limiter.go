package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long a denied caller should wait, at least one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait.Round(time.Second)
}

// Limiter admits at most limit requests per key per window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

// InMemoryLimiter keeps one token bucket per key, refilled at limit/window
// with a burst of limit. Buckets idle for a full window are dropped.
type InMemoryLimiter struct {
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	lim      *rate.Limiter
	limit    int
	lastSeen time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{window: window, now: time.Now, buckets: make(map[string]*bucket)}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	every := rate.Every(l.window / time.Duration(limit))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)
	b, ok := l.buckets[key]
	switch {
	case !ok:
		b = &bucket{lim: rate.NewLimiter(every, limit), limit: limit}
		l.buckets[key] = b
	case b.limit != limit:
		b.lim.SetLimitAt(now, every)
		b.lim.SetBurstAt(now, limit)
		b.limit = limit
	}
	b.lastSeen = now

	allowed := b.lim.AllowN(now, 1)
	tokens := b.lim.TokensAt(now)
	d := Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		ResetAt:   now,
	}
	if tokens < 1 {
		d.ResetAt = now.Add(time.Duration((1 - tokens) / float64(every) * float64(time.Second)))
	}
	return d
}

// Len reports how many buckets are held.
func (l *InMemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *InMemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.window {
			delete(l.buckets, k)
		}
	}
}
