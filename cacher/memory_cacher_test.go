package cacher

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/campusrpc/logger"
)

func newTestCacher[T any]() *MemoryCacher[T] {
	return NewMemoryCacher[T](cache.NoExpiration, time.Minute)
}

func constant[T any](v T) LoadFunc[T] {
	return func(context.Context) (T, error) { return v, nil }
}

func TestNew_Backends(t *testing.T) {
	c, err := New[string](context.Background(), DefaultConfig("shop"), logger.NewNopLogger())
	require.NoError(t, err)
	assert.IsType(t, &MemoryCacher[string]{}, c)
	require.NoError(t, c.Close())

	cfg := DefaultConfig("shop")
	cfg.Backend = "memcached"
	_, err = New[string](context.Background(), cfg, logger.NewNopLogger())
	assert.ErrorContains(t, err, "unsupported cache backend")
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := DefaultConfig("shop")
	cfg.Backend = BackendRedis
	cfg.RedisAddr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := New[string](ctx, cfg, logger.NewNopLogger())
	assert.ErrorContains(t, err, "failed to reach redis")
}

func TestMemoryCacher_LoadOnMissOnly(t *testing.T) {
	c := newTestCacher[string]()
	ctx := context.Background()

	loads := 0
	load := func(context.Context) (string, error) {
		loads++
		return "value", nil
	}

	for n := 0; n < 3; n++ {
		v, err := c.GetOrLoad(ctx, "key", time.Minute, load)
		require.NoError(t, err)
		assert.Equal(t, "value", v)
	}

	assert.Equal(t, 1, loads)
}

func TestMemoryCacher_FailedLoadNotCached(t *testing.T) {
	c := newTestCacher[string]()
	ctx := context.Background()

	_, err := c.GetOrLoad(ctx, "key", time.Minute, func(context.Context) (string, error) {
		return "", assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	v, err := c.GetOrLoad(ctx, "key", time.Minute, constant("fresh"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestMemoryCacher_TTLExpiry(t *testing.T) {
	c := newTestCacher[int]()
	ctx := context.Background()

	_, err := c.GetOrLoad(ctx, "n", 20*time.Millisecond, constant(1))
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	v, err := c.GetOrLoad(ctx, "n", time.Minute, constant(2))
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestMemoryCacher_ConcurrentMissesLoadOnce(t *testing.T) {
	c := newTestCacher[[]string]()
	ctx := context.Background()

	var loads atomic.Int32
	load := func(context.Context) ([]string, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []string{"p1", "p2"}, nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([][]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.GetOrLoad(ctx, "products", time.Minute, load)
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []string{"p1", "p2"}, results[i])
	}
	assert.Equal(t, int32(1), loads.Load())
}

func TestMemoryCacher_CallerCancelDoesNotAbortSharedLoad(t *testing.T) {
	c := newTestCacher[string]()

	release := make(chan struct{})
	load := func(ctx context.Context) (string, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "loaded", nil
	}

	impatient, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrLoad(impatient, "key", time.Minute, load)
		firstErr <- err
	}()

	second := make(chan string, 1)
	go func() {
		v, _ := c.GetOrLoad(context.Background(), "key", time.Minute, load)
		second <- v
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	select {
	case v := <-second:
		assert.Equal(t, "loaded", v)
	case <-time.After(time.Second):
		t.Fatal("second caller never received the value")
	}
}

func TestMemoryCacher_Invalidate(t *testing.T) {
	c := newTestCacher[string]()
	ctx := context.Background()

	_, err := c.GetOrLoad(ctx, "a", time.Minute, constant("old"))
	require.NoError(t, err)
	_, err = c.GetOrLoad(ctx, "b", time.Minute, constant("old"))
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, "a", "b", "missing"))

	v, err := c.GetOrLoad(ctx, "a", time.Minute, constant("new"))
	require.NoError(t, err)
	assert.Equal(t, "new", v)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, c.Invalidate(cancelled, "a"), context.Canceled)
}

func TestMemoryCacher_InvalidatePrefix(t *testing.T) {
	c := newTestCacher[string]()
	ctx := context.Background()

	for _, key := range []string{"shop:product:1", "shop:product:2", "shop:products"} {
		_, err := c.GetOrLoad(ctx, key, time.Minute, constant(key))
		require.NoError(t, err)
	}

	n, err := c.InvalidatePrefix(ctx, "shop:product:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	n, err = c.InvalidatePrefix(ctx, "other:")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = c.InvalidatePrefix(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryCacher_ClearAndLen(t *testing.T) {
	c := newTestCacher[string]()
	ctx := context.Background()

	count, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, _ = c.GetOrLoad(ctx, "k1", time.Minute, constant("v"))
	_, _ = c.GetOrLoad(ctx, "k2", time.Minute, constant("v"))

	count, err = c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, c.Clear(ctx))
	count, err = c.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, c.Clear(cancelled), context.Canceled)
	_, err = c.Len(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryCacher_Metrics(t *testing.T) {
	set := metrics.NewSet()
	cfg := DefaultConfig("shop")
	cfg.Metrics = set

	c, err := New[string](context.Background(), cfg, logger.NewNopLogger())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	_, _ = c.GetOrLoad(ctx, "k", time.Minute, constant("v"))
	_, _ = c.GetOrLoad(ctx, "k", time.Minute, constant("v"))
	_, _ = c.GetOrLoad(ctx, "k", time.Minute, constant("v"))

	var sb strings.Builder
	set.WritePrometheus(&sb)
	assert.Contains(t, sb.String(), `cache_hits_total{namespace="shop"} 2`)
	assert.Contains(t, sb.String(), `cache_misses_total{namespace="shop"} 1`)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `shop:product:`, escapeGlob("shop:product:"))
	assert.Equal(t, `a\*b\?c\[d\]\\`, escapeGlob(`a*b?c[d]\`))
}

func TestMemoryCacher_Interface(t *testing.T) {
	var _ Cacher[string] = (*MemoryCacher[string])(nil)
	var _ Cacher[string] = (*redisCacher[string])(nil)
}
