// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/baissd/internal/config"
	"github.com/jeranaias/baissd/internal/ports"
	"github.com/jeranaias/baissd/internal/server"
	"github.com/jeranaias/baissd/internal/storage"
)

// =============================================================================
// RESTART
// =============================================================================

func newRestartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Relaunch the Python sidecar now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Stopping and relaunching can take longer than a plain request.
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			if err := a.client().RestartSidecar(ctx); err != nil {
				return err
			}
			st, err := a.client().Status(ctx)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Sidecar restarted"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Sidecar restarted")+" "+DimStyle.Render(st.Sidecar))
			return nil
		},
	}
}

// =============================================================================
// INDEX
// =============================================================================

func newIndexCmd(a *app) *cobra.Command {
	var (
		extensions   []string
		embeddingURL string
	)
	cmd := &cobra.Command{
		Use:   "index <path>...",
		Short: "Index folders for retrieval",
		Example: `  baissd index ~/Documents
  baissd index --ext .md --ext .pdf ~/notes ~/papers`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			req := server.IndexRequest{Paths: args, Extensions: extensions, URL: embeddingURL}
			err := a.client().Index(cmd.Context(), req, func(msg string) {
				fmt.Fprintln(out, DimStyle.Render("  "+msg))
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(out, SuccessStyle.Render("Indexing complete"))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&extensions, "ext", nil, "only index files with these extensions")
	cmd.Flags().StringVar(&embeddingURL, "embedding-url", "", "embedding server to use (default: supervised server)")
	return cmd
}

// =============================================================================
// HISTORY
// =============================================================================

func newHistoryCmd(a *app) *cobra.Command {
	var (
		query string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			convs, err := a.client().Conversations(ctx, query, limit)
			if err != nil {
				return err
			}
			if a.jsonOut {
				if convs == nil {
					convs = []storage.ConversationMeta{}
				}
				return outputJSON(cmd.OutOrStdout(), convs)
			}
			fmt.Fprint(cmd.OutOrStdout(), storage.FormatConversationList(convs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "search", "s", "", "only conversations matching this text")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum conversations to list")

	cmd.AddCommand(&cobra.Command{
		Use:   "export <conversation-id>",
		Short: "Print a conversation as markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			md, err := a.client().ExportConversation(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), md)
			return err
		},
	})
	return cmd
}

// =============================================================================
// PORTS
// =============================================================================

func newPortsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Port utilities",
	}

	var maxAttempts int
	find := &cobra.Command{
		Use:   "find <preferred-port>",
		Short: "Print the first free port at or above the preferred one",
		Example: `  baissd ports find 8080
  baissd ports find 9911 --max-attempts 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			preferred, err := strconv.Atoi(args[0])
			if err != nil || preferred < 1 || preferred > 65535 {
				return fmt.Errorf("invalid port %q", args[0])
			}
			if maxAttempts <= 0 {
				maxAttempts = a.config().Ports.MaxAttempts
			}

			// Never reclaim from the CLI: it would kill whatever holds the port.
			n := ports.NewNegotiator(ports.Options{Reclaim: false})
			lease, err := n.FindAvailable(cmd.Context(), preferred, maxAttempts)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return outputJSON(cmd.OutOrStdout(), map[string]int{"preferred": preferred, "port": lease.Port})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), lease.Port)
			return err
		},
	}
	find.Flags().IntVar(&maxAttempts, "max-attempts", 0, "ports to try above the preferred one (default from config)")
	cmd.AddCommand(find)
	return cmd
}

// =============================================================================
// CONFIG
// =============================================================================

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.config()
			if a.jsonOut {
				return outputJSON(cmd.OutOrStdout(), cfg)
			}
			_, err := fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Print the config file location",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigLoad: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.configPath
			if path == "" {
				var err error
				if path, err = config.ConfigPathTOML(); err != nil {
					return err
				}
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write the default configuration file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigLoad: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.configPath
			if path == "" {
				var err error
				if path, err = config.ConfigPathTOML(); err != nil {
					return err
				}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.SaveTOML(config.Default(), path); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Wrote "+path))
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

// =============================================================================
// VERSION
// =============================================================================

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigLoad: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.jsonOut {
				return outputJSON(cmd.OutOrStdout(), map[string]string{
					"version":    Version,
					"git_commit": GitCommit,
					"build_date": BuildDate,
					"go_version": runtime.Version(),
					"platform":   runtime.GOOS + "/" + runtime.GOARCH,
				})
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "baissd %s (%s, built %s, %s %s/%s)\n",
				Version, GitCommit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return err
		},
	}
}
