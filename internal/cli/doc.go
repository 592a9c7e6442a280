// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the baissd command line.
//
// The root command is built with cobra. "baissd serve" runs the daemon in
// the foreground; every other command is a thin client of the local HTTP API
// of a running daemon, reached at --api or the configured api.addr.
//
// # Commands
//
//	serve                  run the supervisor, relay and local API
//	ask <question>         stream one answer ("-" reads the question from stdin)
//	chat                   interactive chat with slash commands
//	status                 supervised servers, sidecar health, degraded components
//	restart                relaunch the Python sidecar
//	index <path>...        index folders for retrieval
//	history [export <id>]  list, search or export stored conversations
//	ports find <port>      first free port at or above a preferred one
//	config show|path|init  inspect or create the configuration file
//	version                build information
//
// The global --json flag switches every command to machine-readable output.
// Colors follow NO_COLOR and FORCE_COLOR and are disabled by --no-color.
package cli
