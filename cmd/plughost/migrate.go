// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/phira-mp/plughost/internal/config"
	"github.com/phira-mp/plughost/internal/store"
)

// NewMigrateCmd creates the migrate command group.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the plugin storage schema",
		Long: `Apply or roll back the PostgreSQL schema used for plugin key-value
storage. The database URL comes from --database-url or store.database_url.`,
	}
	cmd.PersistentFlags().String("database-url", "", "PostgreSQL URL")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m *store.Migrator) error {
				pending, err := m.Pending()
				if err != nil {
					return err
				}
				if err := m.Up(); err != nil {
					return err
				}
				cmd.Printf("applied %d migration(s)\n", len(pending))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Drop the plugin storage schema (all plugin data is lost)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m *store.Migrator) error {
				if err := m.Down(); err != nil {
					return err
				}
				cmd.Println("schema dropped")
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m *store.Migrator) error {
				v, dirty, err := m.Version()
				if err != nil {
					return err
				}
				pending, err := m.Pending()
				if err != nil {
					return err
				}
				cmd.Printf("version %d (dirty: %t, pending: %d)\n", v, dirty, len(pending))
				return nil
			})
		},
	})
	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(*store.Migrator) error) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.Store.DatabaseURL == "" {
		return oops.In("migrate").
			Code(config.CodeInvalid).
			Hint("set --database-url or store.database_url").
			Errorf("database URL is required")
	}
	m, err := store.NewMigrator(cfg.Store.DatabaseURL)
	if err != nil {
		return err
	}
	runErr := fn(m)
	if err := m.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}
