// Package config loads chatterbox settings from defaults, an optional YAML
// file and CHATTERBOX_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatterbox/pkg/generation"
	"github.com/go-go-golems/chatterbox/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatterbox/pkg/redisstream"
)

const (
	EnvPrefix = "CHATTERBOX"
	appName   = "chatterbox"

	DefaultServerURL     = "http://127.0.0.1:1338"
	DefaultModel         = "gpt-4o"
	DefaultHistoryWindow = 10
)

type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Chat     ChatConfig           `mapstructure:"chat"`
	Storage  StorageConfig        `mapstructure:"storage"`
	Events   redisstream.Settings `mapstructure:"events"`
	Location LocationConfig       `mapstructure:"location"`
}

type ServerConfig struct {
	URL      string `mapstructure:"url"`
	Endpoint string `mapstructure:"endpoint"`
	// Timeout bounds a whole generation. Zero waits indefinitely.
	Timeout time.Duration `mapstructure:"timeout"`
}

type ChatConfig struct {
	Model         string `mapstructure:"model"`
	HistoryWindow int    `mapstructure:"history_window"`
	ReadBuffer    int    `mapstructure:"read_buffer"`
}

type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	RedisAddr string `mapstructure:"redis_addr"`
}

type LocationConfig struct {
	Path string `mapstructure:"path"`
}

func dataDir() string {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return filepath.Join(d, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", appName)
}

func stateDir() string {
	if d := os.Getenv("XDG_STATE_HOME"); d != "" {
		return filepath.Join(d, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", appName)
}

// DefaultConfigDir is where config.yaml is looked up when no explicit file
// is given.
func DefaultConfigDir() string {
	d, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(d, appName)
}

func setDefaults(v *viper.Viper) {
	ev := redisstream.DefaultSettings()

	v.SetDefault("server.url", DefaultServerURL)
	v.SetDefault("server.endpoint", generation.DefaultEndpoint)
	v.SetDefault("server.timeout", time.Duration(0))
	v.SetDefault("chat.model", DefaultModel)
	v.SetDefault("chat.history_window", DefaultHistoryWindow)
	v.SetDefault("chat.read_buffer", generation.DefaultReadBufferSize)
	v.SetDefault("storage.backend", chatstore.BackendSQLite)
	v.SetDefault("storage.path", filepath.Join(dataDir(), "chatterbox.db"))
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("events.redis_enabled", ev.Enabled)
	v.SetDefault("events.redis_addr", ev.Addr)
	v.SetDefault("events.redis_group", ev.Group)
	v.SetDefault("events.redis_consumer", ev.Consumer)
	v.SetDefault("location.path", filepath.Join(stateDir(), "location"))
}

// Load reads configuration. An explicit configFile must exist; the default
// config.yaml is optional.
func Load(configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else if dir := DefaultConfigDir(); dir != "" {
		v.AddConfigPath(dir)
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, errors.Wrap(err, "read config")
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.URL) == "" {
		return errors.New("config: server.url is required")
	}
	if c.Chat.HistoryWindow <= 0 {
		return errors.Errorf("config: chat.history_window must be positive, got %d", c.Chat.HistoryWindow)
	}
	if c.Server.Timeout < 0 {
		return errors.Errorf("config: server.timeout must not be negative, got %s", c.Server.Timeout)
	}
	switch c.Storage.Backend {
	case chatstore.BackendSQLite, chatstore.BackendRedis, chatstore.BackendMemory:
	default:
		return errors.Errorf("config: unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

func (c Config) StoreOptions() chatstore.OpenOptions {
	return chatstore.OpenOptions{
		Backend:    c.Storage.Backend,
		SQLitePath: c.Storage.Path,
		RedisAddr:  c.Storage.RedisAddr,
	}
}
