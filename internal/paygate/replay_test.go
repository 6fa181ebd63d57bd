package paygate

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryReplay_RejectsDuplicateWithinWindow(t *testing.T) {
	g := NewMemoryReplay()
	now := time.Unix(1700000000, 0)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := g.Reserve(ctx, "payer|n1", 10*time.Second); !ok {
		t.Fatalf("expected first reservation to pass")
	}
	now = now.Add(time.Second)
	if ok, _ := g.Reserve(ctx, "payer|n1", 10*time.Second); ok {
		t.Fatalf("expected duplicate to be rejected")
	}
	if ok, _ := g.Reserve(ctx, "payer|n2", 10*time.Second); !ok {
		t.Fatalf("expected different nonce to pass")
	}
}

func TestMemoryReplay_AllowsAfterExpiryOrRelease(t *testing.T) {
	g := NewMemoryReplay()
	now := time.Unix(1700000000, 0)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = g.Reserve(ctx, "k", 2*time.Second)
	now = now.Add(3 * time.Second)
	if ok, _ := g.Reserve(ctx, "k", 2*time.Second); !ok {
		t.Fatalf("expected reservation after ttl expiry to pass")
	}
	_ = g.Release(ctx, "k")
	if ok, _ := g.Reserve(ctx, "k", 2*time.Second); !ok {
		t.Fatalf("expected reservation after release to pass")
	}
}

func TestRedisReplay(t *testing.T) {
	addr := os.Getenv("TG_REDIS_ADDR")
	if addr == "" {
		t.Skip("TG_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	r := NewRedisReplay(client)
	ctx := context.Background()
	key := "test|" + time.Now().Format(time.RFC3339Nano)

	ok, err := r.Reserve(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}
	ok, err = r.Reserve(ctx, key, time.Minute)
	if err != nil || ok {
		t.Fatalf("duplicate reserve: ok=%v err=%v", ok, err)
	}
	if err := r.Release(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}
}
