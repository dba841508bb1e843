package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	config := DefaultConfig()
	config.Addresses = []string{mr.Addr()}

	s, err := NewRedisStore(config, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func stores(t *testing.T) map[string]Store {
	rs, _ := setupRedisStore(t)
	return map[string]Store{
		"redis":  rs,
		"memory": NewMemoryStore(),
	}
}

func TestStore_SetAndGet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := s.Set(ctx, "AppCache.tkey", []byte(`{"data":1337}`))
			require.NoError(t, err)

			data, ok, err := s.Get(ctx, "AppCache.tkey")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.JSONEq(t, `{"data":1337}`, string(data))
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			data, ok, err := s.Get(context.Background(), "missing")
			assert.NoError(t, err)
			assert.False(t, ok)
			assert.Nil(t, data)
		})
	}
}

func TestStore_LastWriteWins(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Set(ctx, "k", []byte("first")))
			require.NoError(t, s.Set(ctx, "k", []byte("second")))

			data, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "second", string(data))
		})
	}
}

func TestStore_KeysAndDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, k := range []string{"AppCache.userList", "AppCache.user.1.locations", "Other.key"} {
				require.NoError(t, s.Set(ctx, k, []byte("v")))
			}

			keys, err := s.Keys(ctx, "AppCache.*")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"AppCache.userList", "AppCache.user.1.locations"}, keys)

			require.NoError(t, s.Delete(ctx, keys...))

			keys, err = s.Keys(ctx, "*")
			require.NoError(t, err)
			assert.Equal(t, []string{"Other.key"}, keys)

			assert.NoError(t, s.Delete(ctx))
		})
	}
}

func TestRedisStore_WritesWithoutServerTTL(t *testing.T) {
	s, mr := setupRedisStore(t)

	require.NoError(t, s.Set(context.Background(), "AppCache.place", []byte("v")))

	assert.Equal(t, int64(0), int64(mr.TTL("AppCache.place")))
}

func TestRedisStore_Ping(t *testing.T) {
	s, mr := setupRedisStore(t)

	assert.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestNew_Backends(t *testing.T) {
	logger := zaptest.NewLogger(t)

	s, err := New(&Config{Backend: BackendMemory}, logger)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = New(&Config{Backend: "etcd"}, logger)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	config := DefaultConfig()
	config.Addresses = []string{mr.Addr()}
	s, err = New(config, logger)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	assert.NoError(t, s.Close())
}

func TestRedisStore_ClusterKeysAndDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClusterClient(&redis.ClusterOptions{Addrs: []string{mr.Addr()}})
	s := NewRedisStoreFromClient(client, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	for _, key := range []string{"AppCache.userList", "AppCache.user.1.locations", "AppCache.place.lat1:lon:2", "Other.key"} {
		require.NoError(t, s.Set(ctx, key, []byte(`{}`)))
	}

	keys, err := s.Keys(ctx, "AppCache.*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"AppCache.userList", "AppCache.user.1.locations", "AppCache.place.lat1:lon:2"}, keys)

	require.NoError(t, s.Delete(ctx, keys...))

	keys, err = s.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"Other.key"}, keys)
}
