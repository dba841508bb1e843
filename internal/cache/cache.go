package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"fleettrack/internal/metrics"
	"fleettrack/internal/store"
	"fleettrack/pkg/models"
)

// DefaultPrefix namespaces every key written by the cache
const DefaultPrefix = "AppCache"

// Cache is a TTL cache with get-or-set semantics over a durable Store.
//
// Expiration is checked lazily when an entry is read; there is no background
// eviction. Concurrent callers racing on the same expired key each invoke
// their producer.
type Cache struct {
	store   store.Store
	prefix  string
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Cache
type Option func(*Cache)

func WithPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Cache) { c.clock = clk }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache on top of s
func New(s store.Store, opts ...Option) *Cache {
	c := &Cache{
		store:  s,
		prefix: DefaultPrefix,
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Producer computes a fresh value on a cache miss
type Producer[T any] func(ctx context.Context) (T, error)

type entryOptions struct {
	ttl time.Duration
}

// EntryOption configures a single write
type EntryOption func(*entryOptions)

// WithTTL sets how long a written entry stays live. Without it, or with a
// non-positive duration, the entry carries no expiration and is refetched on
// every read.
func WithTTL(ttl time.Duration) EntryOption {
	return func(o *entryOptions) { o.ttl = ttl }
}

// GetOrSet returns the live value stored under key, or invokes producer
// exactly once and stores its result. A failing producer leaves the store
// untouched and its error is returned as is.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, producer Producer[T], opts ...EntryOption) (T, error) {
	qk := c.qualify(key)

	if entry := c.lookup(ctx, qk); entry != nil {
		var value T
		err := json.Unmarshal(entry.Data, &value)
		if err == nil {
			c.metrics.CacheHit()
			c.logger.Debug("cache hit", zap.String("key", qk))
			return value, nil
		}
		c.logger.Warn("cached data does not match requested type, refetching",
			zap.String("key", qk), zap.Error(err))
	}

	c.metrics.CacheMiss()
	value, err := producer(ctx)
	if err != nil {
		c.metrics.ProducerError()
		c.logger.Debug("producer failed, nothing cached", zap.String("key", qk), zap.Error(err))
		var zero T
		return zero, err
	}

	if err := c.write(ctx, qk, value, opts...); err != nil {
		// Persistence is best-effort: the caller still gets the fresh value.
		c.logger.Warn("failed to persist cache entry", zap.String("key", qk), zap.Error(err))
	}

	return value, nil
}

// Set stores value under key unconditionally
func Set[T any](ctx context.Context, c *Cache, key string, value T, opts ...EntryOption) error {
	return c.write(ctx, c.qualify(key), value, opts...)
}

// Entry returns the stored entry for key regardless of its expiration
func (c *Cache) Entry(ctx context.Context, key string) (*models.CacheEntry, bool, error) {
	raw, ok, err := c.store.Get(ctx, c.qualify(key))
	if err != nil || !ok {
		return nil, false, err
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return &entry, true, nil
}

// Invalidate drops the entry stored under key
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, c.qualify(key))
}

// Reset removes every entry of this cache's namespace and returns how many
// entries were dropped.
func (c *Cache) Reset(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx, c.prefix+".*")
	if err != nil {
		return 0, fmt.Errorf("failed to list cache keys: %w", err)
	}

	if err := c.store.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("failed to reset cache: %w", err)
	}

	c.logger.Info("cache reset", zap.Int("entries", len(keys)))
	return len(keys), nil
}

func (c *Cache) qualify(key string) string {
	return c.prefix + "." + key
}

// lookup returns the live entry under qk, or nil. Read failures and corrupt
// payloads count as a miss.
func (c *Cache) lookup(ctx context.Context, qk string) *models.CacheEntry {
	raw, ok, err := c.store.Get(ctx, qk)
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss", zap.String("key", qk), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("corrupt cache entry, treating as miss", zap.String("key", qk), zap.Error(err))
		return nil
	}

	if entry.Expired(c.clock.Now()) {
		c.logger.Debug("cache entry expired", zap.String("key", qk))
		return nil
	}
	return &entry
}

func (c *Cache) write(ctx context.Context, qk string, value any, opts ...EntryOption) error {
	var o entryOptions
	for _, opt := range opts {
		opt(&o)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	raw, err := json.Marshal(models.NewCacheEntry(data, o.ttl, c.clock.Now()))
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err := c.store.Set(ctx, qk, raw); err != nil {
		return err
	}

	c.logger.Debug("cache entry stored", zap.String("key", qk), zap.Duration("ttl", o.ttl))
	return nil
}
