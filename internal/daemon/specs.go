// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"

	"github.com/jeranaias/baissd/internal/config"
	"github.com/jeranaias/baissd/internal/supervisor"
)

// ErrNoModel is returned for an inference role without a model or server.
var ErrNoModel = errors.New("inference server or model not configured")

// pythonExecutable resolves sidecar.python_path, which may name the
// interpreter itself or the directory that holds it.
func pythonExecutable(path string) string {
	name := "python3"
	if runtime.GOOS == "windows" {
		name = "python.exe"
	}
	if path == "" {
		if runtime.GOOS == "windows" {
			return "python"
		}
		return name
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, name)
	}
	return path
}

// SidecarSpec builds the launch spec of the Python sidecar. The sidecar runs
// from the directory of its entrypoint.
func SidecarSpec(cfg *config.Config) (supervisor.LaunchSpec, error) {
	if err := cfg.SidecarLaunchable(); err != nil {
		return supervisor.LaunchSpec{}, err
	}
	return supervisor.LaunchSpec{
		Role:          supervisor.RoleSidecar,
		Command:       pythonExecutable(cfg.Sidecar.PythonPath),
		Args:          supervisor.SidecarArgs(cfg.Sidecar.Entrypoint),
		Host:          cfg.Sidecar.Host,
		PreferredPort: cfg.Sidecar.Port,
		MaxAttempts:   cfg.Ports.MaxAttempts,
		Env:           []string{"PYTHONUNBUFFERED=1"},
		Dir:           filepath.Dir(cfg.Sidecar.Entrypoint),
	}, nil
}

// InferenceSpec builds the launch spec of the chat or embedding server.
func InferenceSpec(cfg *config.Config, role supervisor.Role) (supervisor.LaunchSpec, error) {
	inf := cfg.Inference
	var (
		model string
		port  int
		extra = append([]string(nil), inf.ExtraArgs...)
	)
	switch role {
	case supervisor.RoleChat:
		model, port = inf.ChatModel, inf.ChatPort
	case supervisor.RoleEmbedding:
		model, port = inf.EmbeddingModel, inf.EmbeddingPort
		extra = append(extra, inf.EmbeddingArgs...)
	default:
		return supervisor.LaunchSpec{}, errors.New("not an inference role: " + string(role))
	}
	if inf.ServerPath == "" || model == "" {
		return supervisor.LaunchSpec{}, ErrNoModel
	}

	host := "127.0.0.1"
	return supervisor.LaunchSpec{
		Role:          role,
		Command:       inf.ServerPath,
		Args:          supervisor.LlamaServerArgs(model, host, inf.CtxSize, extra...),
		Host:          host,
		PreferredPort: port,
		MaxAttempts:   cfg.Ports.MaxAttempts,
	}, nil
}
