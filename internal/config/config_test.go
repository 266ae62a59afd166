// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 40, cfg.Stream.EmitIntervalMs)
	assert.Equal(t, 24, cfg.Stream.EmitMinChars)
	assert.Equal(t, 60, cfg.Stream.ReadTimeoutSecs)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Retry.ToolLoopCap)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Stream, cfg.Stream)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
default_provider = "qwen"
default_model = "qwen3-max"

[stream]
emit_interval_ms = 10
emit_min_chars = 8
read_timeout_secs = 30

[retry]
max_attempts = 3
tool_loop_cap = 2

[providers.qwen]
base_url = "https://example.test/api/v2"

[providers.gemini]
disabled = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "qwen", cfg.DefaultProvider)
	assert.Equal(t, 10, cfg.Stream.EmitIntervalMs)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "https://example.test/api/v2", cfg.Provider("qwen").BaseURL)
	assert.True(t, cfg.Provider("gemini").Disabled)
	assert.False(t, cfg.Provider("kimi").Disabled)

	assert.Equal(t, 10*time.Millisecond, cfg.EmitConfig().Interval)
	assert.Equal(t, 8, cfg.EmitConfig().MinChars)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAYCHAT_PROVIDER", "kimi")
	t.Setenv("RELAYCHAT_EMIT_MIN_CHARS", "12")
	t.Setenv("RELAYCHAT_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, "kimi", cfg.DefaultProvider)
	assert.Equal(t, 12, cfg.Stream.EmitMinChars)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRepairsZeroes(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60, cfg.Stream.ReadTimeoutSecs)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Retry.ToolLoopCap)
}

func TestValidateRejectsNegatives(t *testing.T) {
	cfg := Default()
	cfg.Stream.EmitIntervalMs = -1
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "config.toml")
	cfg := Default()
	cfg.DefaultProvider = "zhipu"
	cfg.Providers["zhipu"] = ProviderConf{BaseURL: "https://z.test"}
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "zhipu", got.DefaultProvider)
	assert.Equal(t, "https://z.test", got.Provider("zhipu").BaseURL)
}
