// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package store

import (
	"embed"
	"errors"
	"slices"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	// Register pgx/v5 database driver for golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/samber/oops"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrateIface is the part of *migrate.Migrate the Migrator drives.
type migrateIface interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, err error)
	Close() (source error, database error)
}

// Migrator applies the embedded plugin_kv schema.
type Migrator struct {
	m migrateIface
}

// NewMigrator opens databaseURL for migration. postgres:// and
// postgresql:// URLs are rewritten to the pgx5:// scheme the driver expects.
func NewMigrator(databaseURL string) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, migrationErr(CodeMigrationSource, err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(databaseURL))
	if err != nil {
		_ = source.Close() //nolint:errcheck // init error takes precedence
		return nil, migrationErr(CodeMigrationInit, err)
	}
	return &Migrator{m: m}, nil
}

func migrateURL(databaseURL string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(databaseURL, scheme); ok {
			return "pgx5://" + rest
		}
	}
	return databaseURL
}

// Up applies all pending migrations. An up-to-date schema is not an error.
func (m *Migrator) Up() error {
	return migrationErr(CodeMigrationUp, ignoreNoChange(m.m.Up()))
}

// Down drops the schema. All plugin data is lost.
func (m *Migrator) Down() error {
	return migrationErr(CodeMigrationDown, ignoreNoChange(m.m.Down()))
}

// Version returns the applied version; 0 when nothing is applied.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, false, nil
	case err != nil:
		return 0, false, migrationErr(CodeMigrationVersion, err)
	}
	return version, dirty, nil
}

// Pending lists the embedded versions newer than the applied one.
func (m *Migrator) Pending() ([]uint, error) {
	current, _, err := m.Version()
	if err != nil {
		return nil, err
	}
	all, err := migrationVersions()
	if err != nil {
		return nil, err
	}
	idx, _ := slices.BinarySearch(all, current+1)
	return all[idx:], nil
}

// Close releases the source and database handles.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	component := "database"
	switch {
	case srcErr != nil && dbErr != nil:
		component = "both"
	case srcErr != nil:
		component = "source"
	case dbErr == nil:
		return nil
	}
	return oops.In("store").
		Code(CodeMigrationClose).
		With("component", component).
		Wrap(errors.Join(srcErr, dbErr))
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func migrationErr(code string, err error) error {
	if err == nil {
		return nil
	}
	return oops.In("store").Code(code).Wrap(err)
}

// migrationVersions lists the embedded up-migration versions, ascending.
// Files not named NNNNNN_name.up.sql are skipped.
func migrationVersions() ([]uint, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, migrationErr(CodeMigrationList, err)
	}

	versions := make([]uint, 0, len(entries)/2)
	for _, entry := range entries {
		prefix, ok := strings.CutSuffix(entry.Name(), ".up.sql")
		if !ok {
			continue
		}
		digits, _, _ := strings.Cut(prefix, "_")
		v, err := strconv.ParseUint(digits, 10, 0)
		if err != nil {
			continue
		}
		versions = append(versions, uint(v))
	}
	slices.Sort(versions)
	return versions, nil
}
