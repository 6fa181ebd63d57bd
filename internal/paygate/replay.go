package paygate

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayStore reserves a proof key for ttl. A key reserved and not released
// cannot be reserved again until it expires.
type ReplayStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type MemoryReplay struct {
	mu        sync.Mutex
	seen      map[string]int64
	lastPrune int64
	now       func() time.Time
}

func NewMemoryReplay() *MemoryReplay {
	return &MemoryReplay{seen: map[string]int64{}, now: time.Now}
}

func (g *MemoryReplay) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return true, nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	nowMS := g.now().UnixMilli()
	expiresAt := nowMS + ttl.Milliseconds()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shouldPruneLocked(nowMS, ttl) {
		g.pruneLocked(nowMS)
	}
	if exp, ok := g.seen[key]; ok && exp > nowMS {
		return false, nil
	}
	g.seen[key] = expiresAt
	return true, nil
}

func (g *MemoryReplay) Release(_ context.Context, key string) error {
	g.mu.Lock()
	delete(g.seen, key)
	g.mu.Unlock()
	return nil
}

func (g *MemoryReplay) shouldPruneLocked(nowMS int64, ttl time.Duration) bool {
	if len(g.seen) == 0 {
		return false
	}
	if len(g.seen) > 4096 {
		return true
	}
	return nowMS-g.lastPrune > ttl.Milliseconds()/2
}

func (g *MemoryReplay) pruneLocked(nowMS int64) {
	for k, exp := range g.seen {
		if exp <= nowMS {
			delete(g.seen, k)
		}
	}
	g.lastPrune = nowMS
}

// RedisReplay shares reservations across gate instances.
type RedisReplay struct {
	client *redis.Client
	prefix string
}

func NewRedisReplay(client *redis.Client) *RedisReplay {
	return &RedisReplay{client: client, prefix: "trustgate:proof:"}
}

func (r *RedisReplay) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return true, nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return r.client.SetNX(ctx, r.prefix+key, 1, ttl).Result()
}

func (r *RedisReplay) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
