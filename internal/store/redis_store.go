package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const scanCount = 100

// RedisStore implements Store on top of Redis
type RedisStore struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisStore creates a new instance of RedisStore
func NewRedisStore(config *Config, logger *zap.Logger) (*RedisStore, error) {
	if config == nil {
		config = DefaultConfig()
	}

	options := &redis.UniversalOptions{
		Addrs:        config.Addresses,
		Password:     config.Password,
		DB:           config.Database,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolTimeout:  config.PoolTimeout,
	}

	client := redis.NewUniversalClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client, logger), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client redis.UniversalClient, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger,
	}
}

// Get reads a raw value. A missing key is reported as (nil, false, nil).
func (rs *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := rs.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		rs.logger.Error("failed to get value", zap.Error(err), zap.String("key", key))
		return nil, false, fmt.Errorf("failed to get value: %w", err)
	}

	return data, true, nil
}

// Set writes a raw value without a Redis-side expiration; staleness is
// decided by the reader.
func (rs *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := rs.client.Set(ctx, key, value, 0).Err(); err != nil {
		rs.logger.Error("failed to set value", zap.Error(err), zap.String("key", key))
		return fmt.Errorf("failed to set value: %w", err)
	}

	rs.logger.Debug("value stored", zap.String("key", key), zap.Int("bytes", len(value)))
	return nil
}

// Delete removes keys. Each key gets its own DEL so keys living in
// different cluster slots can be removed together.
func (rs *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	pipe := rs.client.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		rs.logger.Error("failed to delete keys", zap.Error(err), zap.Int("count", len(keys)))
		return fmt.Errorf("failed to delete keys: %w", err)
	}

	return nil
}

// Keys returns keys matching a glob pattern, using SCAN so large databases
// are not blocked. On a cluster every master is scanned.
func (rs *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	cluster, ok := rs.client.(*redis.ClusterClient)
	if !ok {
		keys, err := scanKeys(ctx, rs.client, pattern)
		if err != nil {
			rs.logger.Error("failed to scan keys", zap.Error(err), zap.String("pattern", pattern))
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		return keys, nil
	}

	var (
		mu   sync.Mutex
		keys []string
	)
	err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		nodeKeys, err := scanKeys(ctx, node, pattern)
		if err != nil {
			return err
		}
		mu.Lock()
		keys = append(keys, nodeKeys...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		rs.logger.Error("failed to scan cluster keys", zap.Error(err), zap.String("pattern", pattern))
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return keys, nil
}

func scanKeys(ctx context.Context, client redis.Cmdable, pattern string) ([]string, error) {
	var keys []string
	iter := client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// Ping checks the connection to Redis
func (rs *RedisStore) Ping(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		rs.logger.Error("ping failed", zap.Error(err))
		return fmt.Errorf("ping failed: %w", err)
	}

	return nil
}

// Close closes the connection to Redis
func (rs *RedisStore) Close() error {
	if err := rs.client.Close(); err != nil {
		rs.logger.Error("failed to close Redis connection", zap.Error(err))
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}

	rs.logger.Info("Redis connection closed successfully")
	return nil
}
