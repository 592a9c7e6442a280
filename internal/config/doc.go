// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for baissd.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - SidecarConfig: How the Python sidecar is launched and addressed
//   - InferenceConfig: llama-server binary, models and preferred ports
//   - SupervisorConfig, HealthConfig: lifecycle timing
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (BAISS_*)
//   - ~/.baiss/config.toml
//   - ~/.baiss/config.json
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Follow edits to the file:
//
//	go config.Watch(ctx, path, func(cfg *config.Config, err error) { ... })
package config
