// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/phira-mp/plughost/internal/config"
	"github.com/phira-mp/plughost/internal/control"
	"github.com/phira-mp/plughost/internal/gateway"
	"github.com/phira-mp/plughost/internal/host"
	"github.com/phira-mp/plughost/internal/logging"
	"github.com/phira-mp/plughost/internal/observability"
	plugins "github.com/phira-mp/plughost/internal/plugin"
	"github.com/phira-mp/plughost/pkg/errutil"
	"github.com/phira-mp/plughost/plugins/authgreet"
)

const shutdownTimeout = 10 * time.Second

// builtins are the Go modules compiled into the binary.
var builtins = plugins.Builtins{
	authgreet.Name: authgreet.New,
}

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin host",
		Long: `Run the plugin host: load every plugin in the plugins directory,
serve metrics and health probes, the control socket, and optionally the
development line gateway.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cmd, cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.SetDefault(logging.Options{
		Service: "plughost",
		Version: version,
		Format:  cfg.Log.Format,
		Level:   level,
		Writer:  os.Stderr,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := observability.NewRegistry()
	h, err := host.New(ctx, *cfg,
		host.WithLogger(logger),
		host.WithRegisterer(reg),
		host.WithBuiltins(builtins))
	if err != nil {
		return oops.In("serve").Wrapf(err, "create host")
	}
	defer stopServer(logger, "host", h.Close)

	if err := h.Start(ctx); err != nil {
		return oops.In("serve").Wrapf(err, "start host")
	}

	if cfg.Metrics.Addr != "" {
		obs := observability.NewServer(cfg.Metrics.Addr, reg, h.Ready, logger)
		errCh, err := obs.Start()
		if err != nil {
			return err
		}
		defer stopServer(logger, "observability", obs.Stop)
		go monitorServerErrors(ctx, cancel, errCh, "observability", logger)
	}

	if cfg.Control.Enabled {
		ctl := control.NewServer(cfg.Control.Socket, h, control.ShutdownFunc(cancel),
			control.WithLogger(logger), control.WithVersion(version))
		if err := ctl.Start(); err != nil {
			return err
		}
		defer stopServer(logger, "control", ctl.Stop)
	}

	gwDone := make(chan error, 1)
	if cfg.Gateway.Addr != "" {
		gw := gateway.NewServer(cfg.Gateway.Addr, h,
			gateway.WithLogger(logger),
			gateway.WithMetrics(observability.NewGatewayMetrics(reg)))
		if err := gw.Listen(); err != nil {
			return err
		}
		go func() { gwDone <- gw.Run(ctx) }()
	} else {
		close(gwDone)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("plughost started")
	logger.Info("plughost ready", "plugins", len(h.Plugins()), "plugins_dir", cfg.Plugins.Dir)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutdown requested")
	}
	cancel()

	if err, ok := <-gwDone; ok && err != nil {
		errutil.LogWarn(logger, "gateway stopped with error", err)
	}
	logger.Info("shutting down")
	return nil
}

// stopServer stops a server within shutdownTimeout, logging failures.
func stopServer(logger *slog.Logger, name string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := stop(ctx); err != nil {
		errutil.LogWarn(logger, "error stopping server", err, "server", name)
	}
}

// monitorServerErrors cancels ctx when a server reports a serve error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, server string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			logger.Error("server error, triggering shutdown", "server", server, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
