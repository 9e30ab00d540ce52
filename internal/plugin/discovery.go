// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/phira-mp/plughost/pkg/errutil"
)

// Discovered is a plugin directory with a valid manifest.
type Discovered struct {
	Manifest *Manifest
	Dir      string
}

// Discover finds all plugin directories under root. Directories without a
// manifest, or with an invalid one, are logged and skipped. A missing root
// yields no plugins.
func Discover(root string, logger *slog.Logger) ([]*Discovered, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oops.In("plugin").
			With("dir", root).
			Wrapf(err, "read plugins directory")
	}

	var found []*Discovered
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
			logger.Warn("skipping plugin without manifest", "dir", entry.Name())
			continue
		}

		m, err := ReadManifest(dir)
		if err != nil {
			errutil.LogWarn(logger, "skipping plugin with invalid manifest", err, "dir", entry.Name())
			continue
		}

		found = append(found, &Discovered{Manifest: m, Dir: dir})
	}

	return found, nil
}

// FindByName returns the discovered plugin whose manifest name is name.
func FindByName(root, name string, logger *slog.Logger) (*Discovered, error) {
	found, err := Discover(root, logger)
	if err != nil {
		return nil, err
	}
	for _, d := range found {
		if d.Manifest.Name == name {
			return d, nil
		}
	}
	return nil, oops.In("plugin").
		Code(CodeNotFound).
		With("plugin", name).
		With("dir", root).
		Errorf("no plugin named %s in %s", name, root)
}
