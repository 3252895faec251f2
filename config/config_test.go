package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer("")
	require.NoError(t, err)
	assert.Equal(t, ":8372", cfg.Listen)
	assert.Equal(t, 50*time.Millisecond, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.MaxIdle)
	assert.Equal(t, "info", cfg.Log.Level)
	// Failed reads are reported, not retried, unless configured
	assert.Zero(t, cfg.ReadRetries)
	assert.Zero(t, cfg.CommandTimeout)
}

func TestLoadServerOverrides(t *testing.T) {
	path := writeFile(t, `
listen: 0.0.0.0:9000
advertise: 10.0.0.5:9000
max_idle: 10s
rate_limit: 20
etcd:
  endpoints: [127.0.0.1:2379]
log:
  level: debug
  file: /var/log/ctrl/server.log
`)
	cfg, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "10.0.0.5:9000", cfg.Advertise)
	assert.Equal(t, 10*time.Second, cfg.MaxIdle)
	assert.Equal(t, 20.0, cfg.RateLimit)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched fields keep their defaults
	assert.Equal(t, "spider", cfg.Device)
	assert.Equal(t, 5*time.Second, cfg.Etcd.DialTimeout)
	assert.Equal(t, 100, cfg.Log.MaxSize)
}

func TestLoadServerErrors(t *testing.T) {
	_, err := LoadServer(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = LoadServer(writeFile(t, "listen: [unclosed"))
	assert.ErrorContains(t, err, "parse config")

	_, err = LoadServer(writeFile(t, "max_idle: 10ms\nread_timeout: 50ms\n"))
	assert.ErrorContains(t, err, "shorter than read_timeout")
}

func TestLoadConsole(t *testing.T) {
	cfg, err := LoadConsole(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConsole(), cfg)

	cfg, err = LoadConsole(writeFile(t, "server: \"\"\nbalancer: consistent_hash\nttl: 2s\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Server)
	assert.Equal(t, "consistent_hash", cfg.Balancer)
	assert.Equal(t, 2*time.Second, cfg.TTL)
	assert.Equal(t, "warn", cfg.Log.Level)
}
