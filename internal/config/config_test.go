// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfig_ConcurrentAccess tests that Global() and SetGlobal()
// can be safely called concurrently without race conditions.
func TestConfig_ConcurrentAccess(t *testing.T) {
	t.Setenv("BAISS_HOME", t.TempDir())
	ResetGlobalForTesting()
	defer ResetGlobalForTesting()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := Default()
			c.Version = "test"
			SetGlobal(c)
		}()
		go func() {
			defer wg.Done()
			if Global() == nil {
				t.Error("Global() returned nil")
			}
		}()
	}
	wg.Wait()
}

func TestGlobal_LoadsOnceAndFallsBack(t *testing.T) {
	home := t.TempDir()
	t.Setenv("BAISS_HOME", home)
	ResetGlobalForTesting()
	defer ResetGlobalForTesting()

	cfg := Default()
	cfg.API.Addr = "127.0.0.1:9999"
	require.NoError(t, SaveTOML(cfg, filepath.Join(home, "config.toml")))
	assert.Equal(t, "127.0.0.1:9999", Global().API.Addr)

	// Later edits are not picked up until SetGlobal.
	require.NoError(t, SaveTOML(Default(), filepath.Join(home, "config.toml")))
	assert.Equal(t, "127.0.0.1:9999", Global().API.Addr)
	SetGlobal(Default())
	assert.Equal(t, DefaultAPIAddr, Global().API.Addr)

	ResetGlobalForTesting()
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte("not = [toml"), 0o600))
	assert.Equal(t, DefaultAPIAddr, Global().API.Addr, "a broken file falls back to defaults")
}

func TestDefault_MatchesDesktopPorts(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 9911, cfg.Sidecar.Port)
	assert.Equal(t, 8080, cfg.Inference.ChatPort)
	assert.Equal(t, 8081, cfg.Inference.EmbeddingPort)
	assert.Equal(t, 30000, cfg.Inference.CtxSize)
	assert.Equal(t, 100, cfg.Ports.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Supervisor.StopGrace())
	assert.Equal(t, 2*time.Second, cfg.Supervisor.ForceKillWait())
	assert.Equal(t, time.Second, cfg.Ports.ReclaimWait())
	assert.Equal(t, 5*time.Second, cfg.Relay.DialTimeout())
	assert.Equal(t, 15*time.Second, cfg.Health.Interval())
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromPath_TOMLPartial(t *testing.T) {
	t.Setenv("BAISS_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[sidecar]
entrypoint = "/opt/baiss/run_local.py"
port = 9950

[inference]
chat_model = "/models/qwen.gguf"
extra_args = ["--threads", "4"]

[health]
interval_secs = 30
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/baiss/run_local.py", cfg.Sidecar.Entrypoint)
	assert.Equal(t, 9950, cfg.Sidecar.Port)
	assert.Equal(t, "127.0.0.1", cfg.Sidecar.Host, "unset fields keep defaults")
	assert.Equal(t, "/models/qwen.gguf", cfg.Inference.ChatModel)
	assert.Equal(t, []string{"--threads", "4"}, cfg.Inference.ExtraArgs)
	assert.Equal(t, 8080, cfg.Inference.ChatPort)
	assert.Equal(t, 30*time.Second, cfg.Health.Interval())
	assert.Equal(t, 3, cfg.Health.MaxRestartsPerMinute)
}

func TestLoadFromPath_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sidecar":{"port":9000},"log":{"level":"debug"}}`), 0600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Sidecar.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFromPath_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sidecar]\nport = 80\n"), 0600))

	_, err := LoadFromPath(path)
	require.Error(t, err)

	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))
	require.Len(t, verrs, 1)
	assert.Equal(t, "sidecar.port", verrs[0].Field)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"chat port too high", func(c *Config) { c.Inference.ChatPort = 70000 }, "inference.chat_port"},
		{"bad host", func(c *Config) { c.Sidecar.Host = "not a host" }, "sidecar.host"},
		{"localhost ok", func(c *Config) { c.Sidecar.Host = "localhost" }, ""},
		{"bad fallback url", func(c *Config) { c.Inference.FallbackChatURL = "ftp://x" }, "inference.fallback_chat_url"},
		{"negative grace", func(c *Config) { c.Supervisor.StopGraceMs = -1 }, "supervisor.stop_grace_ms"},
		{"bad api addr", func(c *Config) { c.API.Addr = "9910" }, "api.addr"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verrs ValidateErrors
			require.True(t, errors.As(err, &verrs), "expected ValidateErrors, got %v", err)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("BAISS_PYTHON", "/venv/bin/python")
	t.Setenv("BAISS_SIDECAR_PORT", "9999")
	t.Setenv("BAISS_LLAMA_SERVER", "/bin/llama-server")
	t.Setenv("BAISS_CHAT_MODEL", "/m/chat.gguf")
	t.Setenv("BAISS_API_ADDR", "127.0.0.1:1234")
	t.Setenv("BAISS_LOG_LEVEL", "warn")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "/venv/bin/python", cfg.Sidecar.PythonPath)
	assert.Equal(t, 9999, cfg.Sidecar.Port)
	assert.Equal(t, "/bin/llama-server", cfg.Inference.ServerPath)
	assert.Equal(t, "/m/chat.gguf", cfg.Inference.ChatModel)
	assert.Equal(t, "127.0.0.1:1234", cfg.API.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestApplyEnvOverrides_IgnoresBadPort(t *testing.T) {
	t.Setenv("BAISS_SIDECAR_PORT", "nine")
	cfg := Default()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, DefaultSidecarPort, cfg.Sidecar.Port)
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.Sidecar.Entrypoint = "/srv/run_local.py"
	cfg.Inference.ExtraArgs = []string{"--flash-attn"}

	require.NoError(t, SaveTOML(cfg, path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Sidecar.Entrypoint, loaded.Sidecar.Entrypoint)
	assert.Equal(t, cfg.Inference.ExtraArgs, loaded.Inference.ExtraArgs)
}

func TestLoad_UsesConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("BAISS_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte("[api]\naddr = \"127.0.0.1:7000\"\n"), 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.API.Addr)

	dbPath, err := cfg.DatabasePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "baiss.db"), dbPath)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Setenv("BAISS_HOME", t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIAddr, cfg.API.Addr)
}

func TestClone_Independent(t *testing.T) {
	cfg := Default()
	cfg.Inference.ExtraArgs = []string{"a"}
	clone := cfg.Clone()
	clone.Inference.ExtraArgs[0] = "b"
	assert.Equal(t, "a", cfg.Inference.ExtraArgs[0])
}

func TestSidecarLaunchable(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, cfg.SidecarLaunchable(), ErrNoSidecar)
	cfg.Sidecar.Entrypoint = "run_local.py"
	assert.NoError(t, cfg.SidecarLaunchable())
}

func TestWatch_ReloadsOnSave(t *testing.T) {
	old := WatchDebounce
	WatchDebounce = 20 * time.Millisecond
	defer func() { WatchDebounce = old }()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveTOML(Default(), path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config, err error) {
			if err == nil {
				got <- cfg
			}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	cfg := Default()
	cfg.Health.IntervalSecs = 42
	require.NoError(t, SaveTOML(cfg, path))

	select {
	case reloaded := <-got:
		assert.Equal(t, 42, reloaded.Health.IntervalSecs)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}

	cancel()
	assert.NoError(t, <-done)
}
