package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// InMemoryKVStore keeps records in a map. It is used for tests and for the
// `memory` storage backend, where nothing outlives the process.
type InMemoryKVStore struct {
	mu     sync.Mutex
	values map[string]string
}

var _ KVStore = &InMemoryKVStore{}

func NewInMemoryKVStore() *InMemoryKVStore {
	return &InMemoryKVStore{values: map[string]string{}}
}

func (s *InMemoryKVStore) Close() error { return nil }

func (s *InMemoryKVStore) Get(_ context.Context, key string) (string, error) {
	if s == nil {
		return "", errors.New("in-memory kv store: nil store")
	}
	if strings.TrimSpace(key) == "" {
		return "", errors.New("in-memory kv store: key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *InMemoryKVStore) Set(_ context.Context, key string, value string) error {
	if s == nil {
		return errors.New("in-memory kv store: nil store")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("in-memory kv store: key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *InMemoryKVStore) Delete(_ context.Context, key string) error {
	if s == nil {
		return errors.New("in-memory kv store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *InMemoryKVStore) Keys(_ context.Context, prefix string) ([]string, error) {
	if s == nil {
		return nil, errors.New("in-memory kv store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
