// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/phira-mp/plughost/internal/config"
	"github.com/phira-mp/plughost/internal/control"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plughost",
		Short: "plughost - plugin host for multiplayer game servers",
		Long: `plughost loads Lua and builtin plugins, routes server events to
their handlers, and exposes an admin API over a Unix socket.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/plughost/config.yaml)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewPluginsCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}

// addSocketFlag registers --control-socket on a client command.
func addSocketFlag(fs *pflag.FlagSet) {
	fs.String("control-socket", "", "control socket path (default from config)")
}

// newClient builds a control client for the socket named by the flags or
// the config file.
func newClient(cmd *cobra.Command) (*control.Client, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	path := cfg.Control.Socket
	if path == "" {
		if path, err = control.DefaultSocketPath(); err != nil {
			return nil, err
		}
	}
	return control.NewClient(path), nil
}
