// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/jeranaias/baissd/internal/config"
)

// Version information (set at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// skipConfigLoad marks commands that must work without a loadable config.
const skipConfigLoad = "skip-config-load"

// app holds the global flags shared by every command.
type app struct {
	configPath string
	apiAddr    string
	jsonOut    bool
	noColor    bool
}

// Execute runs the baissd command line.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "baissd",
		Short: "Supervisor and chat relay for the Baiss sidecar and llama.cpp servers",
		Long: "baissd launches and watches the Python sidecar and the local llama.cpp chat and " +
			"embedding servers, relays chats to the sidecar and serves a local API.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a.noColor {
				disableColors()
			}
			if a.configPath != "" && cmd.Annotations[skipConfigLoad] == "" {
				cfg, err := config.LoadFromPath(a.configPath)
				if err != nil {
					return err
				}
				config.SetGlobal(cfg)
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default ~/.baiss/config.toml)")
	flags.StringVar(&a.apiAddr, "api", "", "address of a running baissd API (default from config)")
	flags.BoolVar(&a.jsonOut, "json", false, "output JSON")
	flags.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(
		newServeCmd(a),
		newAskCmd(a),
		newChatCmd(a),
		newStatusCmd(a),
		newRestartCmd(a),
		newIndexCmd(a),
		newHistoryCmd(a),
		newPortsCmd(a),
		newConfigCmd(a),
		newVersionCmd(a),
	)
	return rootCmd
}

// config returns the configuration selected by --config or the default
// location.
func (a *app) config() *config.Config {
	return config.Global()
}

// client returns an API client for --api or the configured address.
func (a *app) client() *Client {
	addr := a.apiAddr
	if addr == "" {
		addr = a.config().API.Addr
	}
	return NewClient(addr)
}

// outputJSON writes data as indented JSON.
func outputJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
