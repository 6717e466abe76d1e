package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-process artifact store for local development and
// tests. URIs use the mem:// scheme.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// URI resolves a key to its mem:// form.
func (s *MemoryStore) URI(key string) string {
	return "mem://" + strings.TrimLeft(key, "/")
}

func keyFromMemURI(uri string) (string, error) {
	key, ok := strings.CutPrefix(uri, "mem://")
	if !ok || key == "" {
		return "", fmt.Errorf("not a mem:// URI: %s", uri)
	}
	return key, nil
}

// Put stores data under key.
func (s *MemoryStore) Put(_ context.Context, key string, data []byte) (string, error) {
	key = strings.TrimLeft(key, "/")
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.objects[key] = cp
	s.mu.Unlock()
	return s.URI(key), nil
}

// Get fetches an artifact by mem:// URI.
func (s *MemoryStore) Get(_ context.Context, uri string) ([]byte, error) {
	key, err := keyFromMemURI(uri)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Exists reports whether the artifact at uri is present.
func (s *MemoryStore) Exists(_ context.Context, uri string) (bool, error) {
	key, err := keyFromMemURI(uri)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	return ok, nil
}

// DeletePrefix removes every artifact under the key prefix.
func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	prefix = strings.TrimLeft(prefix, "/")

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports how many artifacts the store holds.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
