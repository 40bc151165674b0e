package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromPathCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.FileExists(t, path)
	assert.Equal(t, "http://127.0.0.1:8990", cfg.Backend.BaseURL)
	assert.Equal(t, 5000, cfg.Turn.PollIntervalMs)
	assert.Equal(t, 10, cfg.Conversation.IdleTimeoutMin)
	assert.Equal(t, 50, cfg.Conversation.TitleLimit)
	assert.False(t, cfg.Engine.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromPathReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
backend:
  base_url: https://api.example.com
turn:
  poll_interval_ms: 250
conversation:
  idle_timeout_min: 3
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, 250, cfg.Turn.PollIntervalMs)
	assert.Equal(t, 3, cfg.Conversation.IdleTimeoutMin)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset keys fall back to defaults.
	assert.Equal(t, "/v1/chat", cfg.Backend.ChatPath)
	assert.Equal(t, 150, cfg.Turn.PollSettleMs)
	assert.Equal(t, 5, cfg.Conversation.DedupLiveWindowSec)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Default()
	cfg.Backend.BaseURL = "https://edited.example.com"
	cfg.Engine.Enabled = true
	require.NoError(t, cfg.SaveToPath(path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "https://edited.example.com", loaded.Backend.BaseURL)
	assert.True(t, loaded.Engine.Enabled)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Backend.BaseURL = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Engine.Enabled = true
	cfg.Engine.Endpoint = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Turn.CancelGraceMs = -1
	assert.Error(t, cfg.Validate())
}

func TestIdleTimeout(t *testing.T) {
	cfg := Default()
	cfg.Conversation.IdleTimeoutMin = 7
	assert.Equal(t, 7*time.Minute, cfg.IdleTimeout())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".juniper"), expandPath("~/.juniper"))
	assert.Equal(t, home, expandPath("~"))
	assert.Equal(t, "/absolute/path", expandPath("/absolute/path"))
	assert.Equal(t, "", expandPath(""))
}
