package store

import (
	"context"
	"path"
	"sort"
	"sync"
)

// MemoryStore is a process-local Store. Values do not survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (ms *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	v, ok := ms.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (ms *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.data[key] = append([]byte(nil), value...)
	return nil
}

func (ms *MemoryStore) Delete(_ context.Context, keys ...string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, k := range keys {
		delete(ms.data, k)
	}
	return nil
}

// Keys matches with path.Match, which covers the *, ? and [] forms of Redis
// glob patterns.
func (ms *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	keys := make([]string, 0)
	for k := range ms.data {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (ms *MemoryStore) Ping(context.Context) error { return nil }

func (ms *MemoryStore) Close() error { return nil }
