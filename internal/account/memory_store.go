package account

import (
	"context"
	"sync"
)

// MemoryStore 为单进程部署与测试提供的内存实现。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get 返回账户记录的副本。
func (s *MemoryStore) Get(_ context.Context, userID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// CreateIfAbsent 在同一把锁内完成检查与写入。
func (s *MemoryStore) CreateIfAbsent(_ context.Context, rec Record) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.UserID]; ok {
		return &existing, false, nil
	}
	s.records[rec.UserID] = rec
	return &rec, true, nil
}

// Len 返回已存储的账户数量。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
