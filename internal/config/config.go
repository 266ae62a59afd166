// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for relaychat.
//
// Configuration file location: ~/.relaychat/config.toml, with built-in
// defaults and RELAYCHAT_* environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/relaychat/internal/stream"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete relaychat configuration.
type Config struct {
	// DefaultProvider picks the provider used when none is named
	DefaultProvider string `toml:"default_provider"`
	// DefaultModel picks the model when none is named ("" = provider default)
	DefaultModel string `toml:"default_model"`

	Stream    StreamConfig            `toml:"stream"`
	Retry     RetryConfig             `toml:"retry"`
	Storage   StorageConfig           `toml:"storage"`
	Log       LogConfig               `toml:"log"`
	Providers map[string]ProviderConf `toml:"providers"`
}

// StreamConfig tunes the emission throttle and stream reads.
type StreamConfig struct {
	// EmitIntervalMs is the time trigger for partial-text emissions
	EmitIntervalMs int `toml:"emit_interval_ms"`
	// EmitMinChars is the size trigger for partial-text emissions
	EmitMinChars int `toml:"emit_min_chars"`
	// ReadTimeoutSecs bounds each blocking stream read
	ReadTimeoutSecs int `toml:"read_timeout_secs"`
}

// RetryConfig tunes the orchestrator.
type RetryConfig struct {
	// MaxAttempts is the request ceiling per logical call (initial + retries)
	MaxAttempts int `toml:"max_attempts"`
	// ToolLoopCap bounds tool-call continuation rounds per turn
	ToolLoopCap int `toml:"tool_loop_cap"`
}

// StorageConfig locates the on-disk state.
type StorageConfig struct {
	// Path is the SQLite database file ("" = ~/.relaychat/relaychat.db)
	Path string `toml:"path"`
	// SecretsDir holds encrypted provider secrets ("" = ~/.relaychat/secrets)
	SecretsDir string `toml:"secrets_dir"`
}

// LogConfig tunes logging.
type LogConfig struct {
	// Level is a zerolog level name
	Level string `toml:"level"`
}

// ProviderConf is the per-provider settings block. Fields apply only to the
// providers that use them.
type ProviderConf struct {
	// BaseURL / Endpoint override the provider's default addresses
	BaseURL  string `toml:"base_url"`
	Endpoint string `toml:"endpoint"`
	// BootstrapURL overrides the credential bootstrap address (rotating-token provider)
	BootstrapURL string `toml:"bootstrap_url"`
	// System is a system prompt for providers that accept one
	System string `toml:"system"`
	// Referrer identifies this client to keyless endpoints
	Referrer string `toml:"referrer"`
	// MaxTokens caps generation for providers that require it
	MaxTokens int `toml:"max_tokens"`
	// PSID / PSIDTS are the cookie provider's session cookies; prefer the
	// encrypted secret store over the config file
	PSID   string `toml:"psid"`
	PSIDTS string `toml:"psidts"`
	// Disabled removes the provider from the registry
	Disabled bool `toml:"disabled"`
}

// =============================================================================
// DEFAULTS AND LOADING
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProvider: "pollinations",
		Stream: StreamConfig{
			EmitIntervalMs:  40,
			EmitMinChars:    24,
			ReadTimeoutSecs: 60,
		},
		Retry: RetryConfig{
			MaxAttempts: 2,
			ToolLoopCap: 5,
		},
		Log:       LogConfig{Level: "info"},
		Providers: map[string]ProviderConf{},
	}
}

// Dir returns the relaychat home directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaychat"
	}
	return filepath.Join(home, ".relaychat")
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.toml")
}

// Load reads the config at path ("" = default location), applies environment
// overrides, and validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RELAYCHAT_PROVIDER"); v != "" {
		c.DefaultProvider = v
	}
	if v := os.Getenv("RELAYCHAT_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("RELAYCHAT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RELAYCHAT_DB"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("RELAYCHAT_EMIT_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Stream.EmitIntervalMs = n
		}
	}
	if v := os.Getenv("RELAYCHAT_EMIT_MIN_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Stream.EmitMinChars = n
		}
	}
}

// Validate checks value ranges, repairing recoverable fields to defaults.
func (c *Config) Validate() error {
	if c.Stream.EmitIntervalMs < 0 || c.Stream.EmitMinChars < 0 {
		return fmt.Errorf("stream throttle values must not be negative")
	}
	if c.Stream.ReadTimeoutSecs <= 0 {
		c.Stream.ReadTimeoutSecs = 60
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 2
	}
	if c.Retry.ToolLoopCap <= 0 {
		c.Retry.ToolLoopCap = 5
	}
	return nil
}

// =============================================================================
// DERIVED VIEWS
// =============================================================================

// EmitConfig returns the throttle tuning as a stream.Config.
func (c *Config) EmitConfig() stream.Config {
	return stream.Config{
		Interval: time.Duration(c.Stream.EmitIntervalMs) * time.Millisecond,
		MinChars: c.Stream.EmitMinChars,
	}
}

// ReadTimeout returns the per-read stream deadline.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Stream.ReadTimeoutSecs) * time.Second
}

// StoragePath returns the SQLite path, defaulted into the home dir.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(Dir(), "relaychat.db")
}

// SecretsDir returns the secret store directory, defaulted into the home dir.
func (c *Config) SecretsDir() string {
	if c.Storage.SecretsDir != "" {
		return c.Storage.SecretsDir
	}
	return filepath.Join(Dir(), "secrets")
}

// Provider returns the settings block for a provider name ({} when absent).
func (c *Config) Provider(name string) ProviderConf {
	return c.Providers[name]
}

// Save writes the config as TOML to path ("" = default location).
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}
