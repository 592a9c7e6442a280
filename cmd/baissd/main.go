// baissd - supervisor and chat relay for the Baiss sidecar and llama.cpp servers.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"os"

	"github.com/jeranaias/baissd/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	// cobra already printed the error
	if err := cli.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}
