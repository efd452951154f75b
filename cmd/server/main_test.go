package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"pagepilot-mcp-server/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func offlineConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Browser.AutoStart = false
	cfg.Browser.DownloadsPath = filepath.Join(dir, "downloads")
	cfg.Browser.SessionStore = filepath.Join(dir, "sessions.json")
	cfg.Recorder.TraceDir = filepath.Join(dir, "traces")
	return cfg
}

func TestBuildWiresServer(t *testing.T) {
	cfg := offlineConfig(t)
	a, err := build(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.shutdown()

	assert.Contains(t, a.server.ToolNames(), "dispatch_action")
	assert.Contains(t, a.server.ToolNames(), "query_journal")
	assert.False(t, a.bridge.Alive(), "bridge starts only with the browser")
	assert.Nil(t, a.controller.CurrentState())

	traces, err := os.ReadDir(cfg.Recorder.TraceDir)
	require.NoError(t, err)
	assert.Empty(t, traces, "no trace before a browser session starts")
}

func TestBuildRejectsBadSchema(t *testing.T) {
	cfg := offlineConfig(t)
	cfg.Mangle.SchemaPath = filepath.Join(t.TempDir(), "missing.mg")
	_, err := build(cfg, zap.NewNop())
	assert.ErrorContains(t, err, "journal")
}

func TestStartWithoutBrowser(t *testing.T) {
	cfg := offlineConfig(t)
	a, err := build(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.shutdown()

	// No debugger URL and no launch command: the session manager refuses to start
	// and the bridge is never brought up.
	err = a.start(context.Background())
	assert.ErrorContains(t, err, "start browser")
	assert.False(t, a.bridge.Alive())
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "server.log")

	logger, err := newLogger(config.ServerConfig{Name: "t", LogFile: logFile, LogLevel: "debug"}, true)
	require.NoError(t, err)
	logger.Debug("hello")
	_ = logger.Sync()

	raw, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"msg":"hello"`)
	assert.Contains(t, string(raw), `"service":"t"`)

	_, err = newLogger(config.ServerConfig{LogLevel: "loud"}, true)
	assert.Error(t, err)

	logger, err = newLogger(config.ServerConfig{LogFormat: "console"}, false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}
