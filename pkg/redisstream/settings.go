package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

// SectionSlug names the glazed section carrying the redis flags.
const SectionSlug = "redis"

// Settings holds Redis Streams transport configuration for Watermill. The
// same struct is filled from the config file (mapstructure) and from the
// redis command section (glazed).
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled" mapstructure:"redis_enabled" yaml:"redis_enabled"`
	Addr     string `glazed:"redis-addr" mapstructure:"redis_addr" yaml:"redis_addr"`
	Group    string `glazed:"redis-group" mapstructure:"redis_group" yaml:"redis_group"`
	Consumer string `glazed:"redis-consumer" mapstructure:"redis_consumer" yaml:"redis_consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Group:    "chat-ui",
		Consumer: "ui-1",
	}
}

// NewSection exposes Settings as command flags, defaulting to DefaultSettings.
func NewSection() (schema.Section, error) {
	d := DefaultSettings()
	return schema.NewSection(SectionSlug, "Redis Streams transport for lifecycle events",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool,
				fields.WithDefault(d.Enabled),
				fields.WithHelp("Use Redis Streams instead of the in-process channel")),
			fields.New("redis-addr", fields.TypeString,
				fields.WithDefault(d.Addr),
				fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString,
				fields.WithDefault(d.Group),
				fields.WithHelp("Redis consumer group")),
			fields.New("redis-consumer", fields.TypeString,
				fields.WithDefault(d.Consumer),
				fields.WithHelp("Redis consumer name")),
		))
}
