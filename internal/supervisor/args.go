// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"strconv"
	"strings"
)

// PortPlaceholder is replaced by the negotiated port in LaunchSpec.Args.
const PortPlaceholder = "{port}"

// DefaultCtxSize is the llama-server context size used when none is given.
const DefaultCtxSize = 30000

// LlamaServerArgs builds the argument list for a llama.cpp server:
// -m <model> --host <host> --port {port} --ctx-size <n> [extra...]
func LlamaServerArgs(model, host string, ctxSize int, extra ...string) []string {
	if host == "" {
		host = DefaultHost
	}
	if ctxSize <= 0 {
		ctxSize = DefaultCtxSize
	}
	args := []string{
		"-m", model,
		"--host", host,
		"--port", PortPlaceholder,
		"--ctx-size", strconv.Itoa(ctxSize),
	}
	return append(args, extra...)
}

// SidecarArgs builds the argument list for the Python sidecar:
// <entrypoint> --port {port}
func SidecarArgs(entrypoint string, extra ...string) []string {
	args := []string{entrypoint, "--port", PortPlaceholder}
	return append(args, extra...)
}

// expandArgs substitutes the negotiated port into args.
func expandArgs(args []string, port int) []string {
	p := strconv.Itoa(port)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, PortPlaceholder, p)
	}
	return out
}
