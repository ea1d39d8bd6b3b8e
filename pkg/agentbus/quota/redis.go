package quota

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a CounterStore backed by a shared Redis instance, for
// deployments where multiple bus processes must share quota windows.
//
// Each scope key maps to one Redis key whose TTL is the window size. The
// INCRBY and the expiry run in a single pipeline, and the expiry is only
// set when the key has none (fresh window), so concurrent processes agree
// on the window boundary.
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces quota keys. Default: "agentbus:quota:".
	KeyPrefix string

	// DialTimeout bounds connection establishment. Default: 5s.
	DialTimeout time.Duration
}

// NewRedisStore connects a new client from cfg.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	return NewRedisStoreFromClient(client, cfg.KeyPrefix)
}

// NewRedisStoreFromClient wraps an existing client, which the caller owns.
func NewRedisStoreFromClient(client redis.Cmdable, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "agentbus:quota:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Incr implements CounterStore.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration, cost int64) (int64, error) {
	rkey := s.keyPrefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, rkey, cost)
	// PEXPIRE ... NX keeps millisecond window precision; the NX option has
	// no typed pipeline method, so it goes through Do.
	pipe.Do(ctx, "pexpire", rkey, window.Milliseconds(), "nx")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
