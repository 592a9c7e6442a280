// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/baissd/internal/config"
	"github.com/jeranaias/baissd/internal/daemon"
	"github.com/jeranaias/baissd/internal/logging"
	"github.com/jeranaias/baissd/internal/server"
)

// shutdownTimeout bounds stopping the API and every child process.
const shutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var (
		addr      string
		noStorage bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor and the local API until interrupted",
		Example: `  baissd serve
  baissd serve --config ./baiss.toml --addr 127.0.0.1:9920`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := a.serveConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.API.Addr = addr
			}

			config.SetGlobal(cfg)

			log := logging.New(cfg.Log, cmd.ErrOrStderr())
			d, err := daemon.New(daemon.Options{
				Config:         cfg,
				ConfigPath:     path,
				Logger:         log,
				DisableStorage: noStorage,
				OnReload:       config.SetGlobal,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, d, cfg, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "API listen address (overrides api.addr)")
	cmd.Flags().BoolVar(&noStorage, "no-storage", false, "run without the conversation database")
	return cmd
}

// serveConfig loads the config strictly: a broken file is an error rather
// than a warning. The returned path is watched for changes.
func (a *app) serveConfig() (*config.Config, string, error) {
	if a.configPath != "" {
		cfg, err := config.LoadFromPath(a.configPath)
		return cfg, a.configPath, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, "", err
	}
	path, err := config.ConfigPathTOML()
	if err != nil {
		return cfg, "", nil
	}
	if _, statErr := os.Stat(path); statErr != nil {
		path = ""
	}
	return cfg, path, nil
}

// runServe starts the daemon and the API and blocks until ctx ends or the
// API fails.
func runServe(ctx context.Context, d *daemon.Daemon, cfg *config.Config, log *logging.Logger) error {
	if err := d.Start(ctx); err != nil {
		return err
	}

	srv := server.New(server.Options{
		Addr:               cfg.API.Addr,
		RateLimitPerMinute: cfg.API.RateLimitPerMinute,
		Version:            Version,
		Daemon:             d,
		Relay:              d.Relay(),
		Models:             d.Client(),
		Store:              d.Store(),
		Logger:             log.Logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, srv.Shutdown(shutdownCtx), d.Shutdown(shutdownCtx))
}
