package snapshot

import (
	"context"
	"time"

	"github.com/BaSui01/flowengine/internal/cache"
)

// RedisStore 基于缓存管理器的快照存储，快照按 TTL 过期
type RedisStore struct {
	cache *cache.Manager
	ttl   time.Duration
}

// NewRedisStore creates a store on m. A zero ttl uses the manager default.
func NewRedisStore(m *cache.Manager, ttl time.Duration) *RedisStore {
	return &RedisStore{cache: m, ttl: ttl}
}

func snapshotKey(key string) string {
	return "snapshot:" + key
}

func (s *RedisStore) Put(ctx context.Context, key string, data []byte, buildTimestamp int64) (string, error) {
	snap := newSnapshot(key, data, buildTimestamp)
	if err := s.cache.SetJSON(ctx, snapshotKey(key), snap, s.ttl); err != nil {
		return "", err
	}
	return snap.ID, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Snapshot, error) {
	var snap Snapshot
	if err := s.cache.GetJSON(ctx, snapshotKey(key), &snap); err != nil {
		if cache.IsCacheMiss(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &snap, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.cache.Delete(ctx, snapshotKey(key))
}
