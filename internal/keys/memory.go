package keys

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, chatID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[chatID]
	if !ok {
		return "", ErrNotFound
	}
	return key, nil
}

func (s *MemoryStore) Set(_ context.Context, chatID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[chatID] = key
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, chatID)
	return nil
}

func (s *MemoryStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.keys)
	return nil
}
