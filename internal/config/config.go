// Package config loads and persists the Juniper client configuration.
// Configuration lives at ~/.juniper/config.yaml and every key can be
// overridden by environment variables with the JUNIPER_ prefix, e.g.
// JUNIPER_BACKEND_BASE_URL.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all client configuration.
type Config struct {
	User         UserConfig         `mapstructure:"user" yaml:"user"`
	Backend      BackendConfig      `mapstructure:"backend" yaml:"backend"`
	Engine       EngineConfig       `mapstructure:"engine" yaml:"engine"`
	Store        StoreConfig        `mapstructure:"store" yaml:"store"`
	Turn         TurnConfig         `mapstructure:"turn" yaml:"turn"`
	Conversation ConversationConfig `mapstructure:"conversation" yaml:"conversation"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
}

// UserConfig identifies the local user.
type UserConfig struct {
	// ID is the stable user identifier attached to persisted records.
	ID string `mapstructure:"id" yaml:"id"`
}

// BackendConfig configures the inference endpoint.
type BackendConfig struct {
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	ChatPath   string `mapstructure:"chat_path" yaml:"chat_path"`
	CancelPath string `mapstructure:"cancel_path" yaml:"cancel_path"`
	AuthToken  string `mapstructure:"auth_token" yaml:"auth_token,omitempty"`
	// ConnectTimeoutSec bounds connection establishment. The chat call
	// itself carries no overall deadline; completion is tracked by polling.
	ConnectTimeoutSec int `mapstructure:"connect_timeout_sec" yaml:"connect_timeout_sec"`
	CancelTimeoutSec  int `mapstructure:"cancel_timeout_sec" yaml:"cancel_timeout_sec"`
}

// EngineConfig configures the native voice engine bridge.
type EngineConfig struct {
	// Enabled gates the bridge entirely; text-only sessions leave it off.
	Enabled          bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint         string `mapstructure:"endpoint" yaml:"endpoint"`
	ReconnectWaitSec int    `mapstructure:"reconnect_wait_sec" yaml:"reconnect_wait_sec"`
	MaxReconnects    int    `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	PingIntervalSec  int    `mapstructure:"ping_interval_sec" yaml:"ping_interval_sec"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// DataDir holds the database; must be a local filesystem.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// TurnConfig tunes the request lifecycle.
type TurnConfig struct {
	// PollIntervalMs is the status polling cadence.
	PollIntervalMs int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	// PollSettleMs delays the first poll so the backing record exists.
	PollSettleMs int `mapstructure:"poll_settle_ms" yaml:"poll_settle_ms"`
	// TerminalClearMs holds failed/cancelled before the indicator clears.
	TerminalClearMs int `mapstructure:"terminal_clear_ms" yaml:"terminal_clear_ms"`
	// CancelGraceMs holds the cancelled status before state is nulled.
	CancelGraceMs int `mapstructure:"cancel_grace_ms" yaml:"cancel_grace_ms"`
}

// ConversationConfig tunes history and dedup behavior.
type ConversationConfig struct {
	// IdleTimeoutMin finalizes the conversation after inactivity.
	IdleTimeoutMin int `mapstructure:"idle_timeout_min" yaml:"idle_timeout_min"`
	// DedupLiveWindowSec is the duplicate window for live responses.
	DedupLiveWindowSec int `mapstructure:"dedup_live_window_sec" yaml:"dedup_live_window_sec"`
	// DedupReconcileWindowSec is the wider window used during background
	// reconciliation.
	DedupReconcileWindowSec int `mapstructure:"dedup_reconcile_window_sec" yaml:"dedup_reconcile_window_sec"`
	// DedupLedgerSize bounds the recent-response ledger.
	DedupLedgerSize int `mapstructure:"dedup_ledger_size" yaml:"dedup_ledger_size"`
	// TitleLimit truncates conversation titles.
	TitleLimit int `mapstructure:"title_limit" yaml:"title_limit"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// File is the log destination; empty logs to stderr.
	File string `mapstructure:"file" yaml:"file,omitempty"`
	// Pretty enables human-readable console output.
	Pretty bool `mapstructure:"pretty" yaml:"pretty"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		User: UserConfig{ID: "local"},
		Backend: BackendConfig{
			BaseURL:           "http://127.0.0.1:8990",
			ChatPath:          "/v1/chat",
			CancelPath:        "/v1/chat/cancel",
			ConnectTimeoutSec: 30,
			CancelTimeoutSec:  10,
		},
		Engine: EngineConfig{
			Enabled:          false,
			Endpoint:         "ws://127.0.0.1:8875/v1/engine",
			ReconnectWaitSec: 1,
			MaxReconnects:    5,
			PingIntervalSec:  30,
		},
		Store: StoreConfig{
			DataDir: filepath.Join(homeDir, ".juniper"),
		},
		Turn: TurnConfig{
			PollIntervalMs:  5000,
			PollSettleMs:    150,
			TerminalClearMs: 500,
			CancelGraceMs:   2000,
		},
		Conversation: ConversationConfig{
			IdleTimeoutMin:          10,
			DedupLiveWindowSec:      5,
			DedupReconcileWindowSec: 30,
			DedupLedgerSize:         3,
			TitleLimit:              50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// Load reads configuration from ~/.juniper/config.yaml, creating it with
// defaults when missing, and merges environment overrides.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".juniper", "config.yaml"))
}

// LoadFromPath reads configuration from a specific file, creating it with
// defaults when missing.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example override: JUNIPER_BACKEND_BASE_URL
	v.SetEnvPrefix("JUNIPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Store.DataDir = expandPath(cfg.Store.DataDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills zero values so a partial config file still yields a
// working client.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.User.ID == "" {
		c.User.ID = defaults.User.ID
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = defaults.Backend.BaseURL
	}
	if c.Backend.ChatPath == "" {
		c.Backend.ChatPath = defaults.Backend.ChatPath
	}
	if c.Backend.CancelPath == "" {
		c.Backend.CancelPath = defaults.Backend.CancelPath
	}
	if c.Backend.ConnectTimeoutSec == 0 {
		c.Backend.ConnectTimeoutSec = defaults.Backend.ConnectTimeoutSec
	}
	if c.Backend.CancelTimeoutSec == 0 {
		c.Backend.CancelTimeoutSec = defaults.Backend.CancelTimeoutSec
	}
	if c.Engine.Endpoint == "" {
		c.Engine.Endpoint = defaults.Engine.Endpoint
	}
	if c.Engine.ReconnectWaitSec == 0 {
		c.Engine.ReconnectWaitSec = defaults.Engine.ReconnectWaitSec
	}
	if c.Engine.PingIntervalSec == 0 {
		c.Engine.PingIntervalSec = defaults.Engine.PingIntervalSec
	}
	if c.Store.DataDir == "" {
		c.Store.DataDir = defaults.Store.DataDir
	}
	if c.Turn.PollIntervalMs == 0 {
		c.Turn.PollIntervalMs = defaults.Turn.PollIntervalMs
	}
	if c.Turn.PollSettleMs == 0 {
		c.Turn.PollSettleMs = defaults.Turn.PollSettleMs
	}
	if c.Turn.TerminalClearMs == 0 {
		c.Turn.TerminalClearMs = defaults.Turn.TerminalClearMs
	}
	if c.Turn.CancelGraceMs == 0 {
		c.Turn.CancelGraceMs = defaults.Turn.CancelGraceMs
	}
	if c.Conversation.IdleTimeoutMin == 0 {
		c.Conversation.IdleTimeoutMin = defaults.Conversation.IdleTimeoutMin
	}
	if c.Conversation.DedupLiveWindowSec == 0 {
		c.Conversation.DedupLiveWindowSec = defaults.Conversation.DedupLiveWindowSec
	}
	if c.Conversation.DedupReconcileWindowSec == 0 {
		c.Conversation.DedupReconcileWindowSec = defaults.Conversation.DedupReconcileWindowSec
	}
	if c.Conversation.DedupLedgerSize == 0 {
		c.Conversation.DedupLedgerSize = defaults.Conversation.DedupLedgerSize
	}
	if c.Conversation.TitleLimit == 0 {
		c.Conversation.TitleLimit = defaults.Conversation.TitleLimit
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
}

// Save writes the configuration to the default location.
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	return c.SaveToPath(filepath.Join(homeDir, ".juniper", "config.yaml"))
}

// SaveToPath writes the configuration to a specific file.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// Validate checks for common configuration errors.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url cannot be empty")
	}
	if c.Engine.Enabled && c.Engine.Endpoint == "" {
		return fmt.Errorf("engine.endpoint cannot be empty when engine.enabled is true")
	}
	if c.Turn.PollIntervalMs < 0 || c.Turn.PollSettleMs < 0 || c.Turn.TerminalClearMs < 0 || c.Turn.CancelGraceMs < 0 {
		return fmt.Errorf("turn timings cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

// IdleTimeout returns the conversation idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Conversation.IdleTimeoutMin) * time.Minute
}

// writeConfigFile serializes the config as YAML.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Juniper client configuration.\n# Every key can be overridden with a JUNIPER_-prefixed environment variable.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands a leading tilde to the home directory.
func expandPath(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return homeDir
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~/"))
}
