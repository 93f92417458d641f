// Package dedupe suppresses repeated events within a time window.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/rueidis"
)

// Window claims keys for a limited time.
type Window interface {
	// Claim reports whether key was unclaimed and claims it for ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Memory is a process-local Window.
type Memory struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemory creates an empty Memory window.
func NewMemory() *Memory {
	return &Memory{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, ok := m.expires[key]; ok && now.Before(until) {
		return false, nil
	}

	m.expires[key] = now.Add(ttl)

	// Drop expired keys once the map grows.
	if len(m.expires) > 1024 {
		for k, until := range m.expires {
			if !now.Before(until) {
				delete(m.expires, k)
			}
		}
	}

	return true, nil
}

// Redis is a Window shared by every instance using the same server.
type Redis struct {
	client rueidis.Client
	prefix string
}

// NewRedis creates a Window storing keys under prefix.
func NewRedis(client rueidis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	cmd := r.client.B().Set().Key(r.prefix + ":dedupe:" + key).Value("1").Nx().Px(ttl).Build()

	err := r.client.Do(ctx, cmd).Error()
	switch {
	case err == nil:
		return true, nil
	case rueidis.IsRedisNil(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to claim dedupe key: %w", err)
	}
}
