package snapshot

import (
	"context"
	"sync"
)

// MemoryStore 进程内快照存储，用于测试与单机运行
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Snapshot
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Snapshot)}
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, buildTimestamp int64) (string, error) {
	snap := newSnapshot(key, data, buildTimestamp)
	s.mu.Lock()
	s.items[key] = snap
	s.mu.Unlock()
	return snap.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	cp.Data = append([]byte(nil), snap.Data...)
	return &cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}
