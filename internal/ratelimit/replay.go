package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryReplay is the in-process DPoP jti cache. An entry lives for the
// replay window; Remember returns false if the key is still live.
type MemoryReplay struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryReplay() *MemoryReplay {
	m := &MemoryReplay{seen: make(map[string]time.Time), now: time.Now}
	go m.sweep()
	return m
}

// NewMemoryReplayWithClock builds a replay cache with an injected clock and
// no sweeper, for tests.
func NewMemoryReplayWithClock(now func() time.Time) *MemoryReplay {
	return &MemoryReplay{seen: make(map[string]time.Time), now: now}
}

func (m *MemoryReplay) Remember(ctx context.Context, key string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, ok := m.seen[key]; ok && now.Before(expiry) {
		return false, nil
	}
	m.seen[key] = now.Add(window)
	return true, nil
}

func (m *MemoryReplay) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := m.now()
		m.mu.Lock()
		for key, expiry := range m.seen {
			if now.After(expiry) {
				delete(m.seen, key)
			}
		}
		m.mu.Unlock()
	}
}

// RedisReplay backs the jti cache with Redis SETNX so the replay window
// holds across instances.
type RedisReplay struct {
	rdb *redis.Client
}

func NewRedisReplay(rdb *redis.Client) *RedisReplay {
	return &RedisReplay{rdb: rdb}
}

func (r *RedisReplay) Remember(ctx context.Context, key string, window time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, "replay:"+key, 1, window).Result()
}
