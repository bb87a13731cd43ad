package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/quasipeer/internal/core"
)

// MemoryStore is an in-process twin of RedisStore, used when no store URL is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]*memoryItem
	stop   chan struct{}
	closed sync.Once
}

type memoryItem struct {
	str        string
	hash       map[string]string
	list       []string
	expireTime time.Time
}

func (i *memoryItem) expired(now time.Time) bool {
	return !i.expireTime.IsZero() && now.After(i.expireTime)
}

var _ core.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]*memoryItem),
		stop:  make(chan struct{}),
	}
	go s.cleanupExpired()
	return s
}

// live returns the item under key if present and not expired. Caller holds mu.
func (s *MemoryStore) live(key string) (*memoryItem, bool) {
	it, ok := s.items[key]
	if !ok || it.expired(time.Now()) {
		return nil, false
	}
	return it, true
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.live(key)
	if !ok {
		return "", core.ErrNotFound
	}
	return it.str, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := &memoryItem{str: value}
	if ttl > 0 {
		it.expireTime = time.Now().Add(ttl)
	}
	s.items[key] = it
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.live(key)
	if !ok {
		return 0, core.ErrNotFound
	}
	if it.expireTime.IsZero() {
		return 0, nil
	}
	return time.Until(it.expireTime), nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key)
	if !ok {
		return nil
	}
	if ttl > 0 {
		it.expireTime = time.Now().Add(ttl)
	} else {
		delete(s.items, key)
	}
	return nil
}

func (s *MemoryStore) HSet(_ context.Context, key string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key)
	if !ok {
		it = &memoryItem{}
		s.items[key] = it
	}
	if it.hash == nil {
		it.hash = make(map[string]string, len(values))
	}
	for k, v := range values {
		it.hash[k] = v
	}
	return nil
}

func (s *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key)
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(it.hash, f)
	}
	if len(it.hash) == 0 {
		delete(s.items, key)
	}
	return nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	if it, ok := s.live(key); ok {
		for k, v := range it.hash {
			out[k] = v
		}
	}
	return out, nil
}

func (s *MemoryStore) RPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key)
	if !ok {
		it = &memoryItem{}
		s.items[key] = it
	}
	it.list = append(it.list, values...)
	return nil
}

func (s *MemoryStore) LRange(_ context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if it, ok := s.live(key); ok {
		return slices.Clone(it.list), nil
	}
	return []string{}, nil
}

func (s *MemoryStore) LDrop(_ context.Context, key string, n int) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key)
	if !ok {
		return nil
	}
	if n >= len(it.list) {
		delete(s.items, key)
		return nil
	}
	it.list = slices.Clone(it.list[n:])
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.closed.Do(func() { close(s.stop) })
	return nil
}

// cleanupExpired periodically removes expired items
func (s *MemoryStore) cleanupExpired() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		now := time.Now()
		for key, it := range s.items {
			if it.expired(now) {
				delete(s.items, key)
			}
		}
		s.mu.Unlock()
	}
}
