// Package cacher is a read-through cache for values that are expensive to
// load, such as product listings read from the database. Concurrent misses
// on one key trigger a single load.
package cacher

import (
	"context"
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/cyberinferno/campusrpc/logger"
)

// Supported backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// LoadFunc loads the value for a missing key.
type LoadFunc[T any] func(ctx context.Context) (T, error)

// Cacher caches values of type T. Implementations are safe for concurrent
// use.
type Cacher[T any] interface {
	// GetOrLoad returns the cached value for key, or calls load on a miss
	// and caches its result for ttl. Failed loads are not cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key
	//   - ttl: Time-to-live of a freshly loaded value
	//   - load: Called at most once per miss across concurrent callers
	//
	// Returns:
	//   - The cached or loaded value
	//   - The load error, a backend error or a context error
	GetOrLoad(ctx context.Context, key string, ttl time.Duration, load LoadFunc[T]) (T, error)

	// Invalidate removes keys. Missing keys are ignored.
	Invalidate(ctx context.Context, keys ...string) error

	// InvalidatePrefix removes every key starting with prefix and returns
	// how many were removed.
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)

	// Clear removes every key owned by this cacher.
	Clear(ctx context.Context) error

	// Len returns the number of keys owned by this cacher.
	Len(ctx context.Context) (int, error)

	// Close releases the backend.
	Close() error
}

// Config selects and tunes the backend.
type Config struct {
	Backend string
	// Namespace scopes the keys; redis keys are stored as "<namespace>:<key>".
	Namespace       string
	DefaultTTL      time.Duration
	CleanupInterval time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// LockTTL bounds how long a redis load may hold the per-key lock before
	// it is refreshed.
	LockTTL time.Duration
	// WaitTimeout bounds how long a caller waits for another process to
	// finish loading a key.
	WaitTimeout time.Duration

	// Metrics receives cache_hits_total and cache_misses_total; nil disables
	// them.
	Metrics *metrics.Set
}

// DefaultConfig returns an in-memory cache with a five minute TTL.
func DefaultConfig(namespace string) Config {
	return Config{
		Backend:         BackendMemory,
		Namespace:       namespace,
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: 10 * time.Minute,
		RedisAddr:       "localhost:6379",
		LockTTL:         30 * time.Second,
		WaitTimeout:     10 * time.Second,
	}
}

// New builds the configured backend. A redis backend is pinged before it is
// returned.
func New[T any](ctx context.Context, cfg Config, log logger.Logger) (Cacher[T], error) {
	log = log.With(logger.Field{Key: "component", Value: "cacher"}, logger.Field{Key: "namespace", Value: cfg.Namespace})
	stats := newStats(cfg.Metrics, cfg.Namespace)

	switch cfg.Backend {
	case "", BackendMemory:
		return newMemoryCacher[T](cfg, stats), nil
	case BackendRedis:
		return newRedisCacher[T](ctx, cfg, stats, log)
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
}

type stats struct {
	hits   *metrics.Counter
	misses *metrics.Counter
}

func newStats(set *metrics.Set, namespace string) stats {
	if set == nil {
		return stats{}
	}

	return stats{
		hits:   set.GetOrCreateCounter(fmt.Sprintf(`cache_hits_total{namespace=%q}`, namespace)),
		misses: set.GetOrCreateCounter(fmt.Sprintf(`cache_misses_total{namespace=%q}`, namespace)),
	}
}

func (s stats) hit() {
	if s.hits != nil {
		s.hits.Inc()
	}
}

func (s stats) miss() {
	if s.misses != nil {
		s.misses.Inc()
	}
}
