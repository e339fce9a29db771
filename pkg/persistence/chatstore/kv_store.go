package chatstore

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by KVStore.Get for missing keys.
var ErrNotFound = errors.New("chatstore: key not found")

// KVStore is the durable text key-value sink conversations and settings are
// persisted into. Values are opaque text; keys follow `chat-{id}` for
// conversation records and SettingsKey for settings.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
	// Keys returns all keys starting with prefix, in unspecified order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
