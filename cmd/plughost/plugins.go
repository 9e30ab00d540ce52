// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/phira-mp/plughost/internal/eventbus"
	"github.com/phira-mp/plughost/internal/host"
	plugins "github.com/phira-mp/plughost/internal/plugin"
	"github.com/phira-mp/plughost/internal/plugin/lua"
)

// NewPluginsCmd creates the plugins command group.
func NewPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Manage plugins on a running host",
		Long: `Inspect, load, unload and reload plugins on a running host through
its control socket, or validate a plugin directory offline.`,
	}
	addSocketFlag(cmd.PersistentFlags())

	cmd.AddCommand(newPluginsListCmd())
	cmd.AddCommand(newPluginsLoadCmd())
	cmd.AddCommand(newPluginsUnloadCmd())
	cmd.AddCommand(newPluginsReloadCmd())
	cmd.AddCommand(newPluginsSubsCmd())
	cmd.AddCommand(newPluginsTopicsCmd())
	cmd.AddCommand(newPluginsValidateCmd())
	return cmd
}

func newPluginsListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			infos, err := client.Plugins(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), infos)
			}
			formatPluginTable(cmd.OutOrStdout(), infos)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func newPluginsLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <name>",
		Short: "Load a plugin from the plugins directory by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			info, err := client.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Printf("loaded %s %s (instance %s)\n", info.ID, info.Version, info.Instance)
			return nil
		},
	}
}

func newPluginsUnloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unload <id>",
		Short: "Unload a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			if err := client.Unload(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("unloaded %s\n", args[0])
			return nil
		},
	}
}

func newPluginsReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload <id>",
		Short: "Reload a plugin from its source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			info, err := client.Reload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Printf("reloaded %s %s (instance %s)\n", info.ID, info.Version, info.Instance)
			return nil
		},
	}
}

func newPluginsSubsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subs <id>",
		Short: "List a plugin's subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			subs, err := client.Subscriptions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			formatSubscriptionTable(cmd.OutOrStdout(), subs)
			return nil
		},
	}
}

func newPluginsTopicsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "List known topics and their subscriber counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			topics, err := client.Topics(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "TOPIC\tPAYLOAD\tSUBSCRIBERS")
			for _, t := range topics {
				payload := t.PayloadType
				if payload == "" {
					payload = "-"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", t.Name, payload, t.Subscribers)
			}
			return w.Flush()
		},
	}
}

func newPluginsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate a plugin directory without loading it",
		Long: `Validate a plugin directory: check plugin.yaml against the manifest
schema and rules, check the host-api constraint, and compile the Lua entry
script or look up the builtin module.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := validatePluginDir(args[0])
			if err != nil {
				return err
			}
			cmd.Printf("%s %s (%s): ok\n", m.Name, m.Version, m.Type)
			return nil
		},
	}
}

// validatePluginDir runs every offline check on dir.
func validatePluginDir(dir string) (*plugins.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, plugins.ManifestFile)) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, oops.In("validate").With("dir", dir).Wrapf(err, "read manifest")
	}
	if err := plugins.ValidateSchema(data); err != nil {
		return nil, err
	}
	m, err := plugins.ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if err := m.CheckHostAPI(host.APIVersion); err != nil {
		return nil, err
	}

	switch m.Type {
	case plugins.TypeLua:
		entry := filepath.Join(dir, m.LuaPlugin.Entry)
		src, err := os.ReadFile(entry) //nolint:gosec // inside the plugin directory
		if err != nil {
			return nil, oops.In("validate").With("path", entry).Wrapf(err, "read entry script")
		}
		if _, err := lua.Compile(src, m.LuaPlugin.Entry); err != nil {
			return nil, err
		}
	case plugins.TypeBuiltin:
		if _, ok := builtins[m.BuiltinPlugin.Module]; !ok {
			return nil, oops.In("validate").
				Code(plugins.CodeUnknownModule).
				With("module", m.BuiltinPlugin.Module).
				Hint("available: "+strings.Join(builtins.Names(), ", ")).
				Errorf("no builtin module %q in this binary", m.BuiltinPlugin.Module)
		}
	}
	return m, nil
}

func formatPluginTable(out io.Writer, infos []plugins.Info) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVERSION\tSTATE\tSUBS\tLOADED\tSOURCE")
	for _, info := range infos {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			info.ID, info.Version, info.State, info.Subscriptions,
			info.LoadedAt.Local().Format(time.DateTime), info.Source)
	}
	_ = w.Flush()
}

func formatSubscriptionTable(out io.Writer, subs []eventbus.SubscriptionInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tTOPIC\tINSTANCE")
	for _, s := range subs {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", s.Seq, s.Topic, s.Instance)
	}
	_ = w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return oops.Wrapf(err, "encode JSON")
	}
	return nil
}
