package cacher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryCacher keeps values in process memory. Each instance owns its own
// go-cache store, so the namespace does not appear in its keys.
type MemoryCacher[T any] struct {
	store *cache.Cache
	group singleflight.Group
	stats stats
}

// NewMemoryCacher creates an in-memory cacher.
//
// Parameters:
//   - defaultTTL: TTL used when GetOrLoad is given a zero ttl
//   - cleanupInterval: How often expired items are purged
func NewMemoryCacher[T any](defaultTTL, cleanupInterval time.Duration) *MemoryCacher[T] {
	return &MemoryCacher[T]{store: cache.New(defaultTTL, cleanupInterval)}
}

func newMemoryCacher[T any](cfg Config, s stats) *MemoryCacher[T] {
	c := NewMemoryCacher[T](cfg.DefaultTTL, cfg.CleanupInterval)
	c.stats = s
	return c
}

func (c *MemoryCacher[T]) lookup(key string) (T, bool) {
	if v, found := c.store.Get(key); found {
		if typed, ok := v.(T); ok {
			return typed, true
		}
	}

	var zero T
	return zero, false
}

// GetOrLoad implements Cacher. The load ignores the cancellation of the
// caller that started it; every caller returns as soon as its own ctx is
// done.
func (c *MemoryCacher[T]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load LoadFunc[T]) (T, error) {
	var zero T

	if v, ok := c.lookup(key); ok {
		c.stats.hit()
		return v, nil
	}

	c.stats.miss()
	if ttl == 0 {
		ttl = cache.DefaultExpiration
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}

		v, err := load(loadCtx)
		if err != nil {
			return nil, err
		}

		c.store.Set(key, v, ttl)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}

		v, ok := res.Val.(T)
		if !ok {
			return zero, fmt.Errorf("cached value for %s has type %T", key, res.Val)
		}

		return v, nil
	}
}

// Invalidate implements Cacher.
func (c *MemoryCacher[T]) Invalidate(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, key := range keys {
		c.store.Delete(key)
	}

	return nil
}

// InvalidatePrefix implements Cacher.
func (c *MemoryCacher[T]) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for key := range c.store.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		c.store.Delete(key)
		removed++
	}

	return removed, nil
}

// Clear implements Cacher.
func (c *MemoryCacher[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.store.Flush()
	return nil
}

// Len implements Cacher. Expired items not yet purged are not counted.
func (c *MemoryCacher[T]) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return len(c.store.Items()), nil
}

// Close implements Cacher.
func (c *MemoryCacher[T]) Close() error {
	c.store.Flush()
	return nil
}
