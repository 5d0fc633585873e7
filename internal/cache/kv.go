// Package cache implements the two-tier result cache: an exact tier
// keyed by request fingerprint, and an approximate tier backed by a
// vector index over prompt embeddings.
//
// Both tiers are probed in order. The exact tier applies approximate
// LRU eviction with a frequency boost: a second-chance counter is
// incremented on hit and halved on each eviction sweep, so recently-hit
// entries survive one sweep.
package cache

import (
	"context"
	"sync"
	"time"
)

type kvItem struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// MemoryKV is the built-in in-process KVStore.
type MemoryKV struct {
	mu    sync.RWMutex
	items map[string]kvItem
}

// NewMemoryKV creates an empty in-memory KV store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string]kvItem)}
}

func (s *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	it, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !it.expiresAt.IsZero() && !time.Now().Before(it.expiresAt) {
		// Lazy expiry.
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return it.value, true, nil
}

func (s *MemoryKV) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	it := kvItem{value: value}
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = it
	s.mu.Unlock()
	return nil
}

func (s *MemoryKV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryKV) Iterate(_ context.Context, fn func(key string, value []byte) bool) error {
	s.mu.RLock()
	snapshot := make(map[string][]byte, len(s.items))
	now := time.Now()
	for k, it := range s.items {
		if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
			continue
		}
		snapshot[k] = it.value
	}
	s.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			break
		}
	}
	return nil
}

// Len returns the number of live entries.
func (s *MemoryKV) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
