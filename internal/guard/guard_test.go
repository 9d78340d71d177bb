package guard

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"powerhorse/internal/domain"
)

func TestLocalRejectsNestedAcquire(t *testing.T) {
	g := NewLocal()
	ctx := context.Background()

	release, err := g.Acquire(ctx, "session:a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := g.Acquire(ctx, "session:a"); !errors.Is(err, domain.ErrReentrant) {
		t.Fatalf("expected ErrReentrant, got %v", err)
	}
	other, err := g.Acquire(ctx, "session:b")
	if err != nil {
		t.Fatalf("independent key should be free: %v", err)
	}
	other()

	release()
	release()
	if g.Held("session:a") {
		t.Fatalf("key still held after release")
	}
	again, err := g.Acquire(ctx, "session:a")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	again()
}

func TestRedisGuard(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	g := newRedisWithClient(rdb, time.Second)
	defer g.Close()

	key := "test-" + time.Now().Format(time.RFC3339Nano)
	release, err := g.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := g.Acquire(ctx, key); !errors.Is(err, domain.ErrReentrant) {
		t.Fatalf("expected ErrReentrant, got %v", err)
	}
	release()
	release2, err := g.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	release2()
}
