package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/warp/credit-ledger/logging"
)

const (
	defaultTTL           = 30 * time.Second
	defaultRetryInterval = 50 * time.Millisecond
	defaultMaxRetries    = 100
)

// unlockScript deletes the key only while it still holds our token.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Client is the subset of the go-redis client used by Redis.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisOptions tune a Redis lock set.
type RedisOptions struct {
	// Prefix is prepended to every key.
	Prefix string

	// TTL bounds how long a crashed holder can keep a key.
	TTL time.Duration

	// RetryInterval and MaxRetries bound how long Lock waits.
	RetryInterval time.Duration
	MaxRetries    int

	// Logger receives release failures. The key then lingers until TTL.
	Logger *logging.Logger
}

// Redis is a distributed keyed lock.
type Redis struct {
	client Client
	opts   RedisOptions
}

// NewRedis creates a Redis lock set.
func NewRedis(client Client, opts RedisOptions) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client required for lock")
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Redis{client: client, opts: opts}, nil
}

// Lock retries until key is held, ctx is done or MaxRetries is reached.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	for i := 0; i < r.opts.MaxRetries; i++ {
		release, ok, err := r.TryAcquire(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.opts.RetryInterval):
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
}

// TryAcquire makes one attempt to take key.
func (r *Redis) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	full := r.opts.Prefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, full, token, r.opts.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("setnx %s: %w", full, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// Release must work after the caller's ctx is cancelled.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.client.Eval(rctx, unlockScript, []string{full}, token).Err(); err != nil {
			log := r.opts.Logger
			log.Error(log.WithFields(ctx, map[string]any{"lock_key": full, "ttl": r.opts.TTL.String()}), "lock release failed", err)
		}
	}
	return release, true, nil
}
