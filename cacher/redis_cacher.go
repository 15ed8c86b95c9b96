package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/campusrpc/logger"
)

var (
	// ErrWaitTimeout is returned when another process holds the load lock
	// for longer than Config.WaitTimeout.
	ErrWaitTimeout = errors.New("timeout waiting for cache")
	// ErrLoadAbandoned is returned when the lock holder released the lock
	// without storing a value, i.e. its load failed.
	ErrLoadAbandoned = errors.New("concurrent load failed")

	errStillLoading = errors.New("still loading")
)

var (
	unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// redisCacher stores JSON-encoded values in redis. Loads are coordinated
// across processes with a SET NX lock per key.
type redisCacher[T any] struct {
	client      *redis.Client
	namespace   string
	defaultTTL  time.Duration
	lockTTL     time.Duration
	waitTimeout time.Duration
	stats       stats
	logger      logger.Logger
}

func newRedisCacher[T any](ctx context.Context, cfg Config, s stats, log logger.Logger) (*redisCacher[T], error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}

	c := &redisCacher[T]{
		client:      client,
		namespace:   cfg.Namespace,
		defaultTTL:  cfg.DefaultTTL,
		lockTTL:     cfg.LockTTL,
		waitTimeout: cfg.WaitTimeout,
		stats:       s,
		logger:      log,
	}

	if c.lockTTL <= 0 {
		c.lockTTL = 30 * time.Second
	}
	if c.waitTimeout <= 0 {
		c.waitTimeout = 10 * time.Second
	}

	return c, nil
}

func (c *redisCacher[T]) dataKey(key string) string {
	return c.namespace + ":" + key
}

// lockKey lives outside the data key space so prefix scans never see it.
func (c *redisCacher[T]) lockKey(key string) string {
	return c.namespace + ".lock:" + key
}

func (c *redisCacher[T]) get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	raw, err := c.client.Get(ctx, c.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis get failed: %w", err)
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("failed to decode cached value for %s: %w", key, err)
	}

	return v, true, nil
}

// GetOrLoad implements Cacher.
//
// On a miss the caller that wins the lock loads and stores the value while
// a background goroutine keeps the lock alive; every other caller polls for
// the value with exponential backoff until it appears, the lock disappears
// or WaitTimeout elapses.
func (c *redisCacher[T]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load LoadFunc[T]) (T, error) {
	var zero T

	if v, ok, err := c.get(ctx, key); err != nil {
		return zero, err
	} else if ok {
		c.stats.hit()
		return v, nil
	}

	c.stats.miss()
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	token := uuid.NewString()
	acquired, err := c.client.SetNX(ctx, c.lockKey(key), token, c.lockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("failed to acquire load lock: %w", err)
	}

	if !acquired {
		return c.wait(ctx, key)
	}

	return c.loadLocked(ctx, key, token, ttl, load)
}

func (c *redisCacher[T]) loadLocked(ctx context.Context, key, token string, ttl time.Duration, load LoadFunc[T]) (T, error) {
	var zero T
	lockKey := c.lockKey(key)
	bg := context.WithoutCancel(ctx)

	keepAlive, stop := context.WithCancel(bg)
	defer stop()
	go c.extendLock(keepAlive, lockKey, token)

	defer func() {
		if err := unlockScript.Run(bg, c.client, []string{lockKey}, token).Err(); err != nil {
			c.logger.Warn("failed to release load lock", logger.Field{Key: "key", Value: key}, logger.Err(err))
		}
	}()

	v, err := load(ctx)
	if err != nil {
		return zero, err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("failed to encode value for %s: %w", key, err)
	}

	if err := c.client.Set(bg, c.dataKey(key), raw, ttl).Err(); err != nil {
		return zero, fmt.Errorf("failed to store value for %s: %w", key, err)
	}

	return v, nil
}

func (c *redisCacher[T]) extendLock(ctx context.Context, lockKey, token string) {
	ticker := time.NewTicker(c.lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = extendScript.Run(ctx, c.client, []string{lockKey}, token, c.lockTTL.Milliseconds()).Err()
		}
	}
}

func (c *redisCacher[T]) wait(ctx context.Context, key string) (T, error) {
	var result T

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = c.waitTimeout

	poll := func() error {
		v, ok, err := c.get(ctx, key)
		if err != nil {
			return backoff.Permanent(err)
		}
		if ok {
			result = v
			return nil
		}

		held, err := c.client.Exists(ctx, c.lockKey(key)).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to check load lock: %w", err))
		}
		if held > 0 {
			return errStillLoading
		}

		// The lock may have been released right after the value was stored.
		if v, ok, err := c.get(ctx, key); err == nil && ok {
			result = v
			return nil
		}

		return backoff.Permanent(ErrLoadAbandoned)
	}

	err := backoff.Retry(poll, backoff.WithContext(b, ctx))
	if errors.Is(err, errStillLoading) {
		return result, ErrWaitTimeout
	}

	return result, err
}

// Invalidate implements Cacher.
func (c *redisCacher[T]) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = c.dataKey(key)
	}

	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}

	return nil
}

// scan returns every data key starting with prefix.
func (c *redisCacher[T]) scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := c.client.Scan(ctx, 0, escapeGlob(c.dataKey(prefix))+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return keys, nil
}

// InvalidatePrefix implements Cacher.
func (c *redisCacher[T]) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := c.scan(ctx, prefix)
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", err)
	}

	return int(n), nil
}

// Clear implements Cacher. Only keys in the namespace are removed.
func (c *redisCacher[T]) Clear(ctx context.Context) error {
	_, err := c.InvalidatePrefix(ctx, "")
	return err
}

// Len implements Cacher.
func (c *redisCacher[T]) Len(ctx context.Context) (int, error) {
	keys, err := c.scan(ctx, "")
	return len(keys), err
}

// Close implements Cacher.
func (c *redisCacher[T]) Close() error {
	return c.client.Close()
}

// escapeGlob quotes the characters SCAN MATCH treats as wildcards.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}

	return b.String()
}
