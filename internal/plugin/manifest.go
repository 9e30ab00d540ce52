// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package plugin loads, tracks and unloads server plugins.
//
// The Registry owns plugin lifecycle: it resolves a Source into a module,
// reserves the plugin id, runs the module's setup with a Context bound to
// that id, and on unload runs the teardown and purges every subscription
// the plugin made.
package plugin

import (
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Type identifies the plugin runtime.
type Type string

// Plugin types supported by the host.
const (
	TypeLua     Type = "lua"
	TypeBuiltin Type = "builtin"
)

// ManifestFile is the manifest file name inside a plugin directory.
const ManifestFile = "plugin.yaml"

// Manifest represents a plugin.yaml file.
type Manifest struct {
	Name          string         `yaml:"name" json:"name" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Version       string         `yaml:"version" json:"version" jsonschema:"minLength=1"`
	Type          Type           `yaml:"type" json:"type" jsonschema:"enum=lua,enum=builtin"`
	Events        []string       `yaml:"events,omitempty" json:"events,omitempty"`
	HostAPI       string         `yaml:"host-api,omitempty" json:"host-api,omitempty"`
	LuaPlugin     *LuaConfig     `yaml:"lua-plugin,omitempty" json:"lua-plugin,omitempty"`
	BuiltinPlugin *BuiltinConfig `yaml:"builtin-plugin,omitempty" json:"builtin-plugin,omitempty"`
}

// LuaConfig holds Lua-specific configuration.
type LuaConfig struct {
	Entry string `yaml:"entry" json:"entry" jsonschema:"minLength=1"`
}

// BuiltinConfig names a module compiled into the host.
type BuiltinConfig struct {
	Module string `yaml:"module" json:"module" jsonschema:"minLength=1"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, ErrInvalidManifest("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, ErrInvalidManifest("invalid YAML: %v", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return ErrInvalidManifest("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return ErrInvalidManifest("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return ErrInvalidManifest("version is required")
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return ErrInvalidManifest("version %q is not semver: %v", m.Version, err)
	}

	if m.HostAPI != "" {
		if _, err := semver.NewConstraint(m.HostAPI); err != nil {
			return ErrInvalidManifest("host-api %q is not a version constraint: %v", m.HostAPI, err)
		}
	}

	for i, ev := range m.Events {
		if ev == "" {
			return ErrInvalidManifest("events[%d] is empty", i)
		}
	}

	switch m.Type {
	case TypeLua:
		if m.LuaPlugin == nil {
			return ErrInvalidManifest("lua-plugin is required when type is lua")
		}
		if m.LuaPlugin.Entry == "" {
			return ErrInvalidManifest("lua-plugin.entry is required")
		}
	case TypeBuiltin:
		if m.BuiltinPlugin == nil {
			return ErrInvalidManifest("builtin-plugin is required when type is builtin")
		}
		if m.BuiltinPlugin.Module == "" {
			return ErrInvalidManifest("builtin-plugin.module is required")
		}
	default:
		return ErrInvalidManifest("type must be 'lua' or 'builtin', got %q", m.Type)
	}

	return nil
}

// CheckHostAPI reports whether the manifest accepts the given host API
// version. A manifest without host-api accepts any host.
func (m *Manifest) CheckHostAPI(hostVersion string) error {
	if m.HostAPI == "" {
		return nil
	}
	c, err := semver.NewConstraint(m.HostAPI)
	if err != nil {
		return ErrInvalidManifest("host-api %q is not a version constraint: %v", m.HostAPI, err)
	}
	v, err := semver.NewVersion(hostVersion)
	if err != nil {
		return ErrInvalidManifest("host API version %q is not semver: %v", hostVersion, err)
	}
	if !c.Check(v) {
		return ErrInvalidManifest("plugin %s requires host API %s, host provides %s", m.Name, m.HostAPI, hostVersion)
	}
	return nil
}
