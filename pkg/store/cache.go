package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get for absent or expired keys.
var ErrMiss = redis.Nil

// Cache holds the gateway's hot values. A ttl of zero means no expiry.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// NewCache uses client when it answers a ping and memory otherwise.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client == nil || client.Ping(ctx).Err() != nil {
		return NewMemoryCache()
	}
	return redisCache{client}
}

type redisCache struct{ c *redis.Client }

func (r redisCache) Get(ctx context.Context, key string) (string, error) {
	return r.c.Get(ctx, key).Result()
}

func (r redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

// MemoryCache expires entries lazily when they are read.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cached
	now     func() time.Time
}

type cached struct {
	value    string
	deadline time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cached), now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", ErrMiss
	}
	if !e.deadline.IsZero() && !m.now().Before(e.deadline) {
		delete(m.entries, key)
		return "", ErrMiss
	}
	return e.value, nil
}

func (m *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := cached{value: value}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl > 0 {
		e.deadline = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// Len counts stored entries, including expired ones not yet read.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func IsMiss(err error) bool { return errors.Is(err, ErrMiss) }

func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return c.Set(ctx, key, string(raw), ttl)
}

// GetJSON decodes the value at key into v. Absent keys return ErrMiss.
func GetJSON(ctx context.Context, c Cache, key string, v any) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("cache decode %s: %w", key, err)
	}
	return nil
}
