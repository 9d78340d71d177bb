package guard

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"powerhorse/internal/domain"
)

// unlockLua deletes the lock only while it still carries the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool
	// TTL bounds how long a crashed holder can keep a key.
	TTL time.Duration
}

// Redis is a Guard shared by every replica pointing at the same Redis.
type Redis struct {
	rdb      *redis.Client
	ttl      time.Duration
	unlockSc *redis.Script
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return newRedisWithClient(rdb, cfg.TTL), nil
}

func newRedisWithClient(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{rdb: rdb, ttl: ttl, unlockSc: redis.NewScript(unlockLua)}
}

func lockKey(key string) string {
	return "powerhorse:lock:" + key
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := r.rdb.SetNX(ctx, lk, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrReentrant
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.unlockSc.Run(unlockCtx, r.rdb, []string{lk}, token).Err()
		})
	}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Client exposes the connection for other Redis-backed stores.
func (r *Redis) Client() *redis.Client {
	return r.rdb
}
