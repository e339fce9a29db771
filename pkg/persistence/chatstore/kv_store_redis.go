package chatstore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisKVStore stores each record under its key verbatim, optionally behind a
// namespace prefix shared by every key of this store.
type RedisKVStore struct {
	client    *redis.Client
	namespace string
}

var _ KVStore = &RedisKVStore{}

func NewRedisKVStore(addr string, namespace string) (*RedisKVStore, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("redis kv store: empty addr")
	}
	return NewRedisKVStoreFromClient(redis.NewClient(&redis.Options{Addr: addr}), namespace), nil
}

func NewRedisKVStoreFromClient(client *redis.Client, namespace string) *RedisKVStore {
	return &RedisKVStore{client: client, namespace: namespace}
}

func (s *RedisKVStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisKVStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("redis kv store: key is empty")
	}
	v, err := s.client.Get(ctx, s.namespace+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "redis kv store: get")
	}
	return v, nil
}

func (s *RedisKVStore) Set(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("redis kv store: key is empty")
	}
	if err := s.client.Set(ctx, s.namespace+key, value, 0).Err(); err != nil {
		return errors.Wrap(err, "redis kv store: set")
	}
	return nil
}

func (s *RedisKVStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.namespace+key).Err(); err != nil {
		return errors.Wrap(err, "redis kv store: delete")
	}
	return nil
}

func (s *RedisKVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	seen := map[string]struct{}{}
	var cursor uint64
	match := escapeGlob(s.namespace+prefix) + "*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, errors.Wrap(err, "redis kv store: scan")
		}
		// SCAN may return a key more than once
		for _, k := range batch {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, strings.TrimPrefix(k, s.namespace))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
