package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// snapshot is a worker-local decoded copy of a published entry.
type snapshot[T any] struct {
	version uint64
	value   T
}

// Cache is the per-worker view of a shared Store. Each worker process owns one
// Cache; the decoded snapshots it keeps are private and re-read only when the
// shared version moves.
type Cache[T any] struct {
	store  Store
	codec  Codec[T]
	logger *zap.Logger

	mu    sync.Mutex
	local map[string]snapshot[T]
}

// CacheOption configures a Cache.
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	logger *zap.Logger
}

// WithLogger sets a logger for population events.
func WithLogger(l *zap.Logger) CacheOption {
	return func(o *cacheOptions) { o.logger = l }
}

// New returns a Cache reading and publishing through store.
func New[T any](store Store, codec Codec[T], opts ...CacheOption) *Cache[T] {
	o := cacheOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[T]{
		store:  store,
		codec:  codec,
		logger: o.logger,
		local:  make(map[string]snapshot[T]),
	}
}

// Get returns the current value of key, or ErrNotFound if the key has never
// been populated.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, error) {
	v, found, err := c.lookup(ctx, key)
	if err != nil {
		return v, err
	}
	if !found {
		return v, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

// lookup reads key through the local snapshot. A snapshot is replaced only by
// a newer version, so versions observed by one worker never go backwards.
func (c *Cache[T]) lookup(ctx context.Context, key string) (T, bool, error) {
	var zero T
	version, found, err := c.store.Version(ctx, key)
	if err != nil {
		return zero, false, fmt.Errorf("read version of %s: %w", key, err)
	}
	if !found {
		return zero, false, nil
	}

	c.mu.Lock()
	snap, ok := c.local[key]
	c.mu.Unlock()
	if ok && snap.version >= version {
		return snap.value, true, nil
	}

	entry, found, err := c.store.Load(ctx, key)
	if err != nil {
		return zero, false, fmt.Errorf("load %s: %w", key, err)
	}
	if !found {
		return zero, false, nil
	}
	value, err := c.codec.Decode(entry.Payload)
	if err != nil {
		return zero, false, fmt.Errorf("decode %s v%d: %w", key, entry.Version, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.local[key]; ok && cur.version >= entry.Version {
		return cur.value, true, nil
	}
	c.local[key] = snapshot[T]{version: entry.Version, value: value}
	return value, true, nil
}

// GetOrCreate returns the value of key, running init to populate it when the
// key is absent. Across every Cache sharing the same Store, init runs at most
// once per miss: callers serialize on the store's population lock and re-check
// the key under it. A failed init publishes nothing, so the next caller retries.
func (c *Cache[T]) GetOrCreate(ctx context.Context, key string, init func(ctx context.Context) (T, error)) (T, error) {
	v, found, err := c.lookup(ctx, key)
	if err != nil || found {
		return v, err
	}

	unlock, err := c.store.Lock(ctx)
	if err != nil {
		return v, fmt.Errorf("acquire population lock: %w", err)
	}
	defer unlock()

	if v, found, err = c.lookup(ctx, key); err != nil || found {
		return v, err
	}

	start := time.Now()
	c.logger.Info("populating cache", zap.String("key", key))
	v, err = init(ctx)
	if err != nil {
		c.logger.Warn("cache population failed", zap.String("key", key), zap.Error(err))
		return v, err
	}
	version, err := c.Update(ctx, key, v)
	if err != nil {
		return v, err
	}
	c.logger.Info("cache populated",
		zap.String("key", key),
		zap.Uint64("version", version),
		zap.Duration("took", time.Since(start)),
	)
	return c.Get(ctx, key)
}

// Update publishes v as the new value of key and returns its version.
func (c *Cache[T]) Update(ctx context.Context, key string, v T) (uint64, error) {
	payload, err := c.codec.Encode(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	version, err := c.store.Publish(ctx, key, payload)
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", key, err)
	}
	return version, nil
}

// Version returns the shared version of key, or ErrNotFound.
func (c *Cache[T]) Version(ctx context.Context, key string) (uint64, error) {
	version, found, err := c.store.Version(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return version, nil
}

// IsNotFound reports whether err is a cache miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
