// README: TTL cache with retrying loads, per-key cooldown and last-known-good fallback.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"shuttle/internal/clock"
	"shuttle/internal/retry"
)

type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

type Options struct {
	TTL      time.Duration
	Cooldown time.Duration
	Retry    retry.Policy
	Clock    clock.Clock
}

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// Cache serves values from memory until they are older than TTL. A stale
// value is refreshed through the loader (retried per the policy); when the
// refresh fails with a retryable error, or a refresh for the key ran less than
// Cooldown ago, the stale value is served instead.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	entries  map[K]entry[V]
	load     Loader[K, V]
	opts     Options
	cooldown *retry.Cooldown
	group    singleflight.Group
}

func New[K comparable, V any](load Loader[K, V], opts Options) *Cache[K, V] {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	return &Cache[K, V]{
		entries:  make(map[K]entry[V]),
		load:     load,
		opts:     opts,
		cooldown: retry.NewCooldown(opts.Cooldown, opts.Clock),
	}
}

func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	now := c.opts.Clock.Now()
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()

	if ok && now.Sub(e.fetchedAt) < c.opts.TTL {
		return e.value, nil
	}
	if ok && !c.cooldown.Allow(keyString(key)) {
		return e.value, nil
	}

	v, err := c.fetch(ctx, key)
	if err != nil {
		if ok && (c.opts.Retry.ShouldRetry(err) || errors.Is(err, context.DeadlineExceeded)) {
			return e.value, nil
		}
		var zero V
		return zero, err
	}
	return v, nil
}

// Refresh reloads key regardless of TTL and cooldown. On failure the previous
// value stays cached and the error is returned.
func (c *Cache[K, V]) Refresh(ctx context.Context, key K) (V, error) {
	c.cooldown.Allow(keyString(key))
	return c.fetch(ctx, key)
}

func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.cooldown.Reset(keyString(key))
}

func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.value, ok
}

func (c *Cache[K, V]) fetch(ctx context.Context, key K) (V, error) {
	res, err, _ := c.group.Do(keyString(key), func() (any, error) {
		v, err := retry.Do(ctx, c.opts.Retry, func(ctx context.Context) (V, error) {
			return c.load(ctx, key)
		})
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry[V]{value: v, fetchedAt: c.opts.Clock.Now()}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func keyString[K comparable](k K) string {
	return fmt.Sprint(k)
}
