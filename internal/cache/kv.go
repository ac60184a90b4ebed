package cache

import (
	"context"
	"sync"
)

// KV is the storage capability the snapshot cache writes through. Implementations
// must be safe for concurrent use.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

type memoryKV struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemoryKV returns an in-process KV. Used as the test double and as the
// fallback when no durable store is configured.
func NewMemoryKV() KV {
	return &memoryKV{m: map[string]string{}}
}

func (s *memoryKV) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *memoryKV) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memoryKV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}
