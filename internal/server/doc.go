// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the local HTTP API of baissd.
//
// The API binds to loopback by default and exposes the daemon's status, the
// chat relay and the sidecar control plane to local clients such as the
// baissd CLI.
//
// # Endpoints
//
//   - GET    /health                        - Liveness and sidecar health
//   - GET    /v1/status                     - Daemon status snapshot
//   - GET    /v1/servers                    - Supervised processes
//   - POST   /v1/sidecar/restart            - Relaunch the sidecar now
//   - POST   /v1/sidecar/update             - Ask the sidecar to update itself
//   - POST   /v1/chat                       - Chat (server-sent events or JSON)
//   - POST   /v1/index                      - Index folders on the sidecar
//   - DELETE /v1/index                      - Cancel indexing
//   - GET    /v1/models                     - Local models
//   - POST   /v1/models/start               - Start a model download
//   - POST   /v1/models/stop                - Stop a model download
//   - GET    /v1/models/progress/{id}       - Download progress
//   - GET    /v1/conversations              - List or search (?q=) conversations
//   - GET    /v1/conversations/{id}         - One conversation with messages
//   - GET    /v1/conversations/{id}/export  - Markdown export
//   - DELETE /v1/conversations/{id}         - Delete a conversation
//   - GET    /v1/messages/{id}/paths        - Retrieval sources of a message
//
// # Chat Streams
//
// A streaming chat answers with text/event-stream. The first event is
// "session"; then any number of "text", "paths" and "code_exec" events;
// then exactly one "end" or "error" event.
//
// # Middleware
//
// Requests pass through recovery, request IDs, security headers, slog
// request logging and a per-client token-bucket rate limiter.
package server
