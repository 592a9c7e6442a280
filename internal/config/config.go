// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for baissd.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.baiss/config.toml
//   - ~/.baiss/config.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/baissd/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete baissd configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Sidecar is the Python orchestration process.
	Sidecar SidecarConfig `toml:"sidecar" json:"sidecar"`

	// Inference holds the llama.cpp-compatible server settings.
	Inference InferenceConfig `toml:"inference" json:"inference"`

	Ports      PortsConfig      `toml:"ports" json:"ports"`
	Supervisor SupervisorConfig `toml:"supervisor" json:"supervisor"`
	Relay      RelayConfig      `toml:"relay" json:"relay"`
	Health     HealthConfig     `toml:"health" json:"health"`
	API        APIConfig        `toml:"api" json:"api"`
	Storage    StorageConfig    `toml:"storage" json:"storage"`
	Log        LogConfig        `toml:"log" json:"log"`
}

// SidecarConfig describes how to launch the Python sidecar.
type SidecarConfig struct {
	// PythonPath is the python interpreter (or the directory containing it).
	PythonPath string `toml:"python_path" json:"python_path"`
	// Entrypoint is the sidecar script, e.g. .../baiss_agents/run_local.py
	Entrypoint string `toml:"entrypoint" json:"entrypoint"`
	// Host the sidecar listens on.
	Host string `toml:"host" json:"host"`
	// Port is the preferred starting port (default 9911).
	Port int `toml:"port" json:"port"`
	// Autostart launches the sidecar when the daemon starts.
	Autostart bool `toml:"autostart" json:"autostart"`
}

// InferenceConfig describes the local inference servers.
type InferenceConfig struct {
	// ServerPath is the llama-server executable.
	ServerPath string `toml:"server_path" json:"server_path"`
	// ChatModel is the GGUF model served under the "chat" role.
	ChatModel string `toml:"chat_model" json:"chat_model"`
	// EmbeddingModel is the GGUF model served under the "embedding" role.
	EmbeddingModel string `toml:"embedding_model" json:"embedding_model"`
	ChatPort       int    `toml:"chat_port" json:"chat_port"`
	EmbeddingPort  int    `toml:"embedding_port" json:"embedding_port"`
	CtxSize        int    `toml:"ctx_size" json:"ctx_size"`
	// ExtraArgs are appended to the llama-server command line.
	ExtraArgs []string `toml:"extra_args" json:"extra_args"`
	// EmbeddingArgs are appended only for the embedding role.
	EmbeddingArgs []string `toml:"embedding_args" json:"embedding_args"`
	// FallbackChatURL is sent to the sidecar when no chat server is running.
	FallbackChatURL string `toml:"fallback_chat_url" json:"fallback_chat_url"`
	// FallbackEmbeddingURL is sent when no embedding server is running.
	FallbackEmbeddingURL string `toml:"fallback_embedding_url" json:"fallback_embedding_url"`
}

// PortsConfig controls port negotiation.
type PortsConfig struct {
	// MaxAttempts is the number of ports scanned beyond the preferred one.
	MaxAttempts int `toml:"max_attempts" json:"max_attempts"`
	// Reclaim terminates whatever process holds the preferred port.
	Reclaim bool `toml:"reclaim" json:"reclaim"`
	// ReclaimWaitMs is how long to wait after terminating the owner.
	ReclaimWaitMs int `toml:"reclaim_wait_ms" json:"reclaim_wait_ms"`
}

// SupervisorConfig controls process lifecycle timing.
type SupervisorConfig struct {
	// StopGraceMs is the polite-termination window before force kill.
	StopGraceMs int `toml:"stop_grace_ms" json:"stop_grace_ms"`
	// ForceKillWaitMs bounds the wait after a force kill.
	ForceKillWaitMs int `toml:"force_kill_wait_ms" json:"force_kill_wait_ms"`
	// LaunchRetries bounds re-negotiation when a leased port is taken
	// between the check and the spawn.
	LaunchRetries int `toml:"launch_retries" json:"launch_retries"`
	// LogTailLines is how many output lines are kept per process for crash reports.
	LogTailLines int `toml:"log_tail_lines" json:"log_tail_lines"`
}

// RelayConfig controls the websocket chat relay.
type RelayConfig struct {
	DialTimeoutSecs  int `toml:"dial_timeout_secs" json:"dial_timeout_secs"`
	WriteTimeoutSecs int `toml:"write_timeout_secs" json:"write_timeout_secs"`
	// LegacyCompletion enables the old "message contains complete" end-of-stream sniffing.
	LegacyCompletion bool `toml:"legacy_completion" json:"legacy_completion"`
	// MaxFrameBytes caps a single inbound frame (0 = library default).
	MaxFrameBytes int64 `toml:"max_frame_bytes" json:"max_frame_bytes"`
}

// HealthConfig controls the sidecar health/restart loop.
type HealthConfig struct {
	IntervalSecs     int  `toml:"interval_secs" json:"interval_secs"`
	CheckTimeoutSecs int  `toml:"check_timeout_secs" json:"check_timeout_secs"`
	FailureThreshold int  `toml:"failure_threshold" json:"failure_threshold"`
	RestartOnFailure bool `toml:"restart_on_failure" json:"restart_on_failure"`
	// MaxRestartsPerMinute rate-limits relaunches of a flapping sidecar.
	MaxRestartsPerMinute int `toml:"max_restarts_per_minute" json:"max_restarts_per_minute"`
}

// APIConfig controls the local status API.
type APIConfig struct {
	Addr string `toml:"addr" json:"addr"`
	// RateLimitPerMinute is the per-client request budget (0 disables).
	RateLimitPerMinute int `toml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
}

// StorageConfig locates the conversation/path-score database.
type StorageConfig struct {
	// DatabasePath is the SQLite file (empty = ~/.baiss/baiss.db).
	DatabasePath string `toml:"database_path" json:"database_path"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level"`
	// Format is "text" or "json".
	Format string `toml:"format" json:"format"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default ports used by the original desktop app.
const (
	DefaultSidecarPort   = 9911
	DefaultChatPort      = 8080
	DefaultEmbeddingPort = 8081
	DefaultCtxSize       = 30000
	DefaultAPIAddr       = "127.0.0.1:9910"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: "1",
		Sidecar: SidecarConfig{
			PythonPath: "python3",
			Host:       "127.0.0.1",
			Port:       DefaultSidecarPort,
			Autostart:  true,
		},
		Inference: InferenceConfig{
			ChatPort:             DefaultChatPort,
			EmbeddingPort:        DefaultEmbeddingPort,
			CtxSize:              DefaultCtxSize,
			EmbeddingArgs:        []string{"--embedding"},
			FallbackChatURL:      "http://127.0.0.1:8080",
			FallbackEmbeddingURL: "http://127.0.0.1:8081",
		},
		Ports: PortsConfig{
			MaxAttempts:   100,
			Reclaim:       true,
			ReclaimWaitMs: 1000,
		},
		Supervisor: SupervisorConfig{
			StopGraceMs:     3000,
			ForceKillWaitMs: 2000,
			LaunchRetries:   3,
			LogTailLines:    50,
		},
		Relay: RelayConfig{
			DialTimeoutSecs:  5,
			WriteTimeoutSecs: 5,
		},
		Health: HealthConfig{
			IntervalSecs:         15,
			CheckTimeoutSecs:     3,
			FailureThreshold:     1,
			RestartOnFailure:     true,
			MaxRestartsPerMinute: 3,
		},
		API: APIConfig{
			Addr:               DefaultAPIAddr,
			RateLimitPerMinute: 120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults fills zero values left by a partial config file.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Sidecar.PythonPath == "" {
		c.Sidecar.PythonPath = d.Sidecar.PythonPath
	}
	if c.Sidecar.Host == "" {
		c.Sidecar.Host = d.Sidecar.Host
	}
	if c.Sidecar.Port == 0 {
		c.Sidecar.Port = d.Sidecar.Port
	}
	if c.Inference.ChatPort == 0 {
		c.Inference.ChatPort = d.Inference.ChatPort
	}
	if c.Inference.EmbeddingPort == 0 {
		c.Inference.EmbeddingPort = d.Inference.EmbeddingPort
	}
	if c.Inference.CtxSize == 0 {
		c.Inference.CtxSize = d.Inference.CtxSize
	}
	if c.Inference.FallbackChatURL == "" {
		c.Inference.FallbackChatURL = d.Inference.FallbackChatURL
	}
	if c.Inference.FallbackEmbeddingURL == "" {
		c.Inference.FallbackEmbeddingURL = d.Inference.FallbackEmbeddingURL
	}
	if c.Ports.MaxAttempts == 0 {
		c.Ports.MaxAttempts = d.Ports.MaxAttempts
	}
	if c.Ports.ReclaimWaitMs == 0 {
		c.Ports.ReclaimWaitMs = d.Ports.ReclaimWaitMs
	}
	if c.Supervisor.StopGraceMs == 0 {
		c.Supervisor.StopGraceMs = d.Supervisor.StopGraceMs
	}
	if c.Supervisor.ForceKillWaitMs == 0 {
		c.Supervisor.ForceKillWaitMs = d.Supervisor.ForceKillWaitMs
	}
	if c.Supervisor.LaunchRetries == 0 {
		c.Supervisor.LaunchRetries = d.Supervisor.LaunchRetries
	}
	if c.Supervisor.LogTailLines == 0 {
		c.Supervisor.LogTailLines = d.Supervisor.LogTailLines
	}
	if c.Relay.DialTimeoutSecs == 0 {
		c.Relay.DialTimeoutSecs = d.Relay.DialTimeoutSecs
	}
	if c.Relay.WriteTimeoutSecs == 0 {
		c.Relay.WriteTimeoutSecs = d.Relay.WriteTimeoutSecs
	}
	if c.Health.IntervalSecs == 0 {
		c.Health.IntervalSecs = d.Health.IntervalSecs
	}
	if c.Health.CheckTimeoutSecs == 0 {
		c.Health.CheckTimeoutSecs = d.Health.CheckTimeoutSecs
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = d.Health.FailureThreshold
	}
	if c.Health.MaxRestartsPerMinute == 0 {
		c.Health.MaxRestartsPerMinute = d.Health.MaxRestartsPerMinute
	}
	if c.API.Addr == "" {
		c.API.Addr = d.API.Addr
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// =============================================================================
// DURATION HELPERS
// =============================================================================

// StopGrace returns the configured polite-termination window.
func (s SupervisorConfig) StopGrace() time.Duration {
	return time.Duration(s.StopGraceMs) * time.Millisecond
}

// ForceKillWait returns the wait bound after a force kill.
func (s SupervisorConfig) ForceKillWait() time.Duration {
	return time.Duration(s.ForceKillWaitMs) * time.Millisecond
}

// ReclaimWait returns the pause after terminating a port owner.
func (p PortsConfig) ReclaimWait() time.Duration {
	return time.Duration(p.ReclaimWaitMs) * time.Millisecond
}

// DialTimeout returns the websocket connect timeout.
func (r RelayConfig) DialTimeout() time.Duration {
	return time.Duration(r.DialTimeoutSecs) * time.Second
}

// WriteTimeout returns the websocket send timeout.
func (r RelayConfig) WriteTimeout() time.Duration {
	return time.Duration(r.WriteTimeoutSecs) * time.Second
}

// Interval returns the health check period.
func (h HealthConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSecs) * time.Second
}

// CheckTimeout returns the per-check HTTP timeout.
func (h HealthConfig) CheckTimeout() time.Duration {
	return time.Duration(h.CheckTimeoutSecs) * time.Second
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the baissd configuration directory path.
// BAISS_HOME overrides the default ~/.baiss location.
func ConfigDir() (string, error) {
	if dir := os.Getenv("BAISS_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".baiss"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// DatabasePath resolves the storage path, defaulting into ConfigDir.
func (c *Config) DatabasePath() (string, error) {
	if c.Storage.DatabasePath != "" {
		return c.Storage.DatabasePath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "baiss.db"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	if tomlPath, err := ConfigPathTOML(); err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			return LoadFromPath(tomlPath)
		}
	}

	if jsonPath, err := ConfigPathJSON(); err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			return LoadFromPath(jsonPath)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON decodes a JSON file over cfg.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// LoadFromPath loads configuration from a specific file path with full validation.
// Values absent from the file keep their defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", path, err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration to the default TOML path.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg as TOML atomically with owner-only permissions.
func SaveTOML(cfg *Config, path string) error {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns ValidateErrors when any
// field is out of range.
func (c *Config) Validate() error {
	var errs ValidateErrors

	checkPort := func(field string, port int) {
		if port < 1024 || port > 65535 {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("port %d out of range 1024-65535", port),
			})
		}
	}
	checkPort("sidecar.port", c.Sidecar.Port)
	checkPort("inference.chat_port", c.Inference.ChatPort)
	checkPort("inference.embedding_port", c.Inference.EmbeddingPort)

	if c.Sidecar.Host != "" && net.ParseIP(c.Sidecar.Host) == nil && c.Sidecar.Host != "localhost" {
		errs = append(errs, ValidationError{Field: "sidecar.host", Message: fmt.Sprintf("%q is not an IP address", c.Sidecar.Host)})
	}

	for field, raw := range map[string]string{
		"inference.fallback_chat_url":      c.Inference.FallbackChatURL,
		"inference.fallback_embedding_url": c.Inference.FallbackEmbeddingURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid URL %q", raw)})
		}
	}

	if c.Inference.CtxSize < 0 {
		errs = append(errs, ValidationError{Field: "inference.ctx_size", Message: "must not be negative"})
	}
	if c.Ports.MaxAttempts < 0 || c.Ports.MaxAttempts > 10000 {
		errs = append(errs, ValidationError{Field: "ports.max_attempts", Message: "must be between 0 and 10000"})
	}
	if c.Supervisor.StopGraceMs < 0 {
		errs = append(errs, ValidationError{Field: "supervisor.stop_grace_ms", Message: "must not be negative"})
	}
	if c.Supervisor.ForceKillWaitMs < 0 {
		errs = append(errs, ValidationError{Field: "supervisor.force_kill_wait_ms", Message: "must not be negative"})
	}
	if c.Relay.DialTimeoutSecs < 0 || c.Relay.WriteTimeoutSecs < 0 {
		errs = append(errs, ValidationError{Field: "relay", Message: "timeouts must not be negative"})
	}
	if c.Health.IntervalSecs < 0 {
		errs = append(errs, ValidationError{Field: "health.interval_secs", Message: "must not be negative"})
	}
	if c.Health.FailureThreshold < 0 {
		errs = append(errs, ValidationError{Field: "health.failure_threshold", Message: "must not be negative"})
	}

	if c.API.Addr != "" {
		if _, _, err := net.SplitHostPort(c.API.Addr); err != nil {
			errs = append(errs, ValidationError{Field: "api.addr", Message: err.Error()})
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{Field: "log.level", Message: fmt.Sprintf("unknown level %q", c.Log.Level)})
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, ValidationError{Field: "log.format", Message: fmt.Sprintf("unknown format %q", c.Log.Format)})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ErrNoSidecar is returned when the sidecar cannot be launched for lack of
// an entrypoint.
var ErrNoSidecar = errors.New("sidecar entrypoint not configured")

// SidecarLaunchable reports whether enough is configured to spawn the sidecar.
func (c *Config) SidecarLaunchable() error {
	if c.Sidecar.Entrypoint == "" {
		return ErrNoSidecar
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - BAISS_PYTHON: overrides sidecar.python_path
//   - BAISS_SIDECAR_ENTRYPOINT: overrides sidecar.entrypoint
//   - BAISS_SIDECAR_PORT: overrides sidecar.port
//   - BAISS_LLAMA_SERVER: overrides inference.server_path
//   - BAISS_CHAT_MODEL / BAISS_EMBEDDING_MODEL: override the model paths
//   - BAISS_API_ADDR: overrides api.addr
//   - BAISS_LOG_LEVEL: overrides log.level
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("BAISS_PYTHON"); v != "" {
		c.Sidecar.PythonPath = v
	}
	if v := os.Getenv("BAISS_SIDECAR_ENTRYPOINT"); v != "" {
		c.Sidecar.Entrypoint = v
	}
	if v := os.Getenv("BAISS_SIDECAR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Sidecar.Port = port
		}
	}
	if v := os.Getenv("BAISS_LLAMA_SERVER"); v != "" {
		c.Inference.ServerPath = v
	}
	if v := os.Getenv("BAISS_CHAT_MODEL"); v != "" {
		c.Inference.ChatModel = v
	}
	if v := os.Getenv("BAISS_EMBEDDING_MODEL"); v != "" {
		c.Inference.EmbeddingModel = v
	}
	if v := os.Getenv("BAISS_API_ADDR"); v != "" {
		c.API.Addr = v
	}
	if v := os.Getenv("BAISS_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Inference.ExtraArgs = append([]string(nil), c.Inference.ExtraArgs...)
	clone.Inference.EmbeddingArgs = append([]string(nil), c.Inference.EmbeddingArgs...)
	return &clone
}

// String renders the configuration as TOML.
func (c *Config) String() string {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return b.String()
}
