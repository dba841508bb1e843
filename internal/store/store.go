package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Store is a durable key-value store holding serialized cache entries.
//
// Writes are last-write-wins. The store assumes a single active writer per
// namespace and provides no cross-process locking or transactional isolation.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config configuration for the store
type Config struct {
	Backend      string        `mapstructure:"backend" validate:"omitempty,oneof=redis memory"`
	Addresses    []string      `mapstructure:"addresses" validate:"required_unless=Backend memory"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	MaxRetries   int           `mapstructure:"max_retries"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Backend:      BackendRedis,
		Addresses:    []string{"localhost:6379"},
		Password:     "",
		Database:     0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
}

// New builds the store selected by cfg.Backend
func New(cfg *Config, logger *zap.Logger) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Backend {
	case "", BackendRedis:
		return NewRedisStore(cfg, logger)
	case BackendMemory:
		logger.Warn("using in-memory store, cache entries will not survive a restart")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
