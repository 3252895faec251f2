package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesJSONFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	cfg.File = filepath.Join(t.TempDir(), "logs", "ctrl.log")

	log, err := New(cfg)
	require.NoError(t, err)
	log.Debug("servo moved", zap.String("servo", "FL_ELBOW"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(cfg.File)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	assert.Equal(t, "servo moved", entry["msg"])
	assert.Equal(t, "FL_ELBOW", entry["servo"])
	assert.Equal(t, "debug", entry["level"])
}

type syncErr struct {
	err error
}

func (s syncErr) Write(p []byte) (int, error) { return len(p), nil }
func (s syncErr) Sync() error                 { return s.err }

func TestTerminalSync(t *testing.T) {
	pipe := &os.PathError{Op: "sync", Path: "/dev/stdout", Err: syscall.EINVAL}
	assert.NoError(t, terminalSyncer{syncErr{pipe}}.Sync())
	assert.NoError(t, terminalSyncer{syncErr{&os.PathError{Op: "sync", Path: "/dev/tty", Err: syscall.ENOTTY}}}.Sync())

	full := &os.PathError{Op: "sync", Path: "/var/log/ctrl.log", Err: syscall.ENOSPC}
	assert.ErrorIs(t, terminalSyncer{syncErr{full}}.Sync(), syscall.ENOSPC)
}

func TestLevelFilters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "warn"
	cfg.Format = "json"
	cfg.File = filepath.Join(t.TempDir(), "ctrl.log")

	log, err := New(cfg)
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown")
	log.Sync()

	data, err := os.ReadFile(cfg.File)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.ErrorContains(t, err, "invalid log level")

	_, err = New(Config{Format: "xml"})
	assert.ErrorContains(t, err, "invalid log format")
}
