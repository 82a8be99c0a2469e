package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "maildir", cfg.Store.Type)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "mailstore.yaml", `
store:
  type: maildir
  base_path: /var/mail
  options:
    maildir_subdir: Maildir
    path_template: "{domain}/{localpart}"
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/mail", cfg.Store.BasePath)
	assert.Equal(t, "Maildir", cfg.Store.Options["maildir_subdir"])
	assert.Equal(t, "{domain}/{localpart}", cfg.Store.Options["path_template"])
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "mailstore.toml", `
[store]
type = "memory"

[redis]
addr = "localhost:6379"
prefix = "test:uid:"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	sc := cfg.StoreConfig(nil)
	assert.Equal(t, "redis", sc.Options["uid_provider"])
	assert.Equal(t, "localhost:6379", sc.Options["redis_addr"])
	assert.Equal(t, "test:uid:", sc.Options["redis_prefix"])
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeFile(t, "mailstore.yaml", "store:\n  base_path: /from/file\n")
	t.Setenv("MAILSTORE_STORE_BASE_PATH", "/from/env")
	t.Setenv("MAILSTORE_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Store.BasePath)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStoreConfigKeepsExplicitOptions(t *testing.T) {
	cfg := &Config{
		Store: StoreConfig{Type: "memory", Options: map[string]string{"uid_provider": "caching"}},
		Redis: RedisConfig{Addr: "localhost:6379"},
	}
	sc := cfg.StoreConfig(slog.Default())
	assert.Equal(t, "caching", sc.Options["uid_provider"])
	assert.Equal(t, "localhost:6379", sc.Options["redis_addr"])
	assert.NotNil(t, sc.Logger)
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		want    string
		wantErr bool
	}{
		{name: "text", level: "info", format: "text", want: "level=INFO"},
		{name: "json", level: "debug", format: "json", want: `"level":"INFO"`},
		{name: "default format", level: "INFO", format: "", want: "level=INFO"},
		{name: "bad level", level: "loud", format: "text", wantErr: true},
		{name: "bad format", level: "info", format: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(&buf, tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			logger.Info("hello")
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

func TestNewLoggerFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "text")
	require.NoError(t, err)
	logger.Info("hidden")
	assert.Empty(t, buf.String())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}
