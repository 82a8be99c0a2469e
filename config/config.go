// Package config loads mailstore settings from a file and the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/infodancer/mailstore"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MAILSTORE_STORE_BASE_PATH.
const EnvPrefix = "MAILSTORE"

// Config is the top-level configuration.
type Config struct {
	Store StoreConfig `mapstructure:"store"`
	Log   LogConfig   `mapstructure:"log"`
	Redis RedisConfig `mapstructure:"redis"`
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Type     string            `mapstructure:"type"` // "maildir" or "memory"
	BasePath string            `mapstructure:"base_path"`
	Options  map[string]string `mapstructure:"options"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// RedisConfig points the memory backend's redis UID provider at a server.
type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	Prefix string `mapstructure:"prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.type", "maildir")
	v.SetDefault("store.base_path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.prefix", "")
}

// Load reads configuration from path, if non-empty, and from MAILSTORE_
// environment variables. The file type follows the extension.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// StoreConfig converts the loaded settings into a registry config.
func (c *Config) StoreConfig(logger *slog.Logger) mailstore.StoreConfig {
	opts := make(map[string]string, len(c.Store.Options)+2)
	for k, val := range c.Store.Options {
		opts[k] = val
	}
	if c.Redis.Addr != "" {
		if _, ok := opts["redis_addr"]; !ok {
			opts["redis_addr"] = c.Redis.Addr
		}
		if _, ok := opts["uid_provider"]; !ok {
			opts["uid_provider"] = "redis"
		}
	}
	if c.Redis.Prefix != "" {
		if _, ok := opts["redis_prefix"]; !ok {
			opts["redis_prefix"] = c.Redis.Prefix
		}
	}
	return mailstore.StoreConfig{
		Type:     c.Store.Type,
		BasePath: c.Store.BasePath,
		Options:  opts,
		Logger:   logger,
	}
}

// ParseLevel maps a level name to a slog level. Unknown names are an error.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}

// NewLogger builds a logger writing to stderr.
func NewLogger(level, format string) (*slog.Logger, error) {
	return newLogger(os.Stderr, level, format)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: l}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
