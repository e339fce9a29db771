package chatstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type OpenOptions struct {
	Backend        string
	SQLitePath     string
	RedisAddr      string
	RedisNamespace string
}

// Open builds the KVStore selected by opts.Backend, creating the SQLite
// parent directory when needed.
func Open(ctx context.Context, opts OpenOptions) (KVStore, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case BackendMemory:
		return NewInMemoryKVStore(), nil
	case BackendRedis:
		s, err := NewRedisKVStore(opts.RedisAddr, opts.RedisNamespace)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, errors.Wrapf(err, "redis kv store: ping %s", opts.RedisAddr)
		}
		return s, nil
	case BackendSQLite, "":
		path := strings.TrimSpace(opts.SQLitePath)
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(err, "create sqlite kv store dir")
			}
		}
		dsn, err := SQLiteKVDSNForFile(path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteKVStore(dsn)
	default:
		return nil, errors.Errorf("unknown storage backend %q", opts.Backend)
	}
}
