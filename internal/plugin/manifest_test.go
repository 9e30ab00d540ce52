// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plugins "github.com/phira-mp/plughost/internal/plugin"
	"github.com/phira-mp/plughost/pkg/errutil"
)

func TestParseManifest_LuaPlugin(t *testing.T) {
	yaml := `
name: auth-test
version: 0.0.1
type: lua
events:
  - auth.*
host-api: ">= 1.0.0"
lua-plugin:
  entry: main.lua
`
	m, err := plugins.ParseManifest([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, "auth-test", m.Name)
	assert.Equal(t, "0.0.1", m.Version)
	assert.Equal(t, plugins.TypeLua, m.Type)
	assert.Equal(t, []string{"auth.*"}, m.Events)
	assert.Equal(t, ">= 1.0.0", m.HostAPI)
	require.NotNil(t, m.LuaPlugin)
	assert.Equal(t, "main.lua", m.LuaPlugin.Entry)
}

func TestParseManifest_BuiltinPlugin(t *testing.T) {
	yaml := `
name: authgreet
version: 1.2.0
type: builtin
builtin-plugin:
  module: authgreet
`
	m, err := plugins.ParseManifest([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, plugins.TypeBuiltin, m.Type)
	require.NotNil(t, m.BuiltinPlugin)
	assert.Equal(t, "authgreet", m.BuiltinPlugin.Module)
	assert.Empty(t, m.Events)
}

func TestParseManifest_InvalidName(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{name: "uppercase not allowed", manifest: "Invalid"},
		{name: "underscore not allowed", manifest: "invalid_name"},
		{name: "starts with number", manifest: "1plugin"},
		{name: "starts with dash", manifest: "-plugin"},
		{name: "ends with dash", manifest: "plugin-"},
		{name: "too long", manifest: "a" + strings.Repeat("b", 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := `
name: "` + tt.manifest + `"
version: 1.0.0
type: lua
lua-plugin:
  entry: main.lua
`
			_, err := plugins.ParseManifest([]byte(yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "name")
			errutil.AssertErrorCode(t, err, plugins.CodeInvalidManifest)
		})
	}
}

func TestParseManifest_ValidNames(t *testing.T) {
	for _, name := range []string{"a", "auth-test", "p2", strings.Repeat("a", 64)} {
		t.Run(name, func(t *testing.T) {
			yaml := `
name: ` + name + `
version: 1.0.0
type: lua
lua-plugin:
  entry: main.lua
`
			m, err := plugins.ParseManifest([]byte(yaml))
			require.NoError(t, err)
			assert.Equal(t, name, m.Name)
		})
	}
}

func TestParseManifest_InvalidVersion(t *testing.T) {
	tests := []struct {
		name    string
		version string
	}{
		{name: "not semver - plain text", version: "latest"},
		{name: "not semver - single number", version: "1"},
		{name: "not semver - two numbers", version: "1.0"},
		{name: "not semver - leading v", version: "v1.0.0"},
		{name: "not semver - spaces", version: "1.0.0 beta"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := `
name: test
version: "` + tt.version + `"
type: lua
lua-plugin:
  entry: main.lua
`
			_, err := plugins.ParseManifest([]byte(yaml))
			require.Error(t, err, "expected error for version %q", tt.version)
			assert.Contains(t, err.Error(), "version")
		})
	}
}

func TestParseManifest_HostAPI(t *testing.T) {
	tests := []struct {
		name    string
		hostAPI string
		wantErr bool
	}{
		{name: "range", hostAPI: ">= 1.0.0, < 2.0.0"},
		{name: "caret", hostAPI: "^1.2.0"},
		{name: "wildcard", hostAPI: "1.x"},
		{name: "invalid constraint", hostAPI: "not-a-version", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := `
name: test
version: 1.0.0
type: lua
host-api: "` + tt.hostAPI + `"
lua-plugin:
  entry: main.lua
`
			m, err := plugins.ParseManifest([]byte(yaml))
			if tt.wantErr {
				errutil.AssertErrorCode(t, err, plugins.CodeInvalidManifest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.hostAPI, m.HostAPI)
		})
	}
}

func TestManifest_CheckHostAPI(t *testing.T) {
	m := &plugins.Manifest{Name: "test", HostAPI: "^1.2.0"}

	require.NoError(t, m.CheckHostAPI("1.4.0"))

	err := m.CheckHostAPI("2.0.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires host API")

	assert.Error(t, m.CheckHostAPI("garbage"))
	assert.NoError(t, (&plugins.Manifest{Name: "any"}).CheckHostAPI("0.1.0"))
}

func TestParseManifest_MissingTypeSpecificConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "lua without lua-plugin",
			yaml:    "name: t\nversion: 1.0.0\ntype: lua\n",
			wantErr: "lua-plugin is required",
		},
		{
			name:    "lua with empty entry",
			yaml:    "name: t\nversion: 1.0.0\ntype: lua\nlua-plugin:\n  entry: \"\"\n",
			wantErr: "lua-plugin.entry",
		},
		{
			name:    "builtin without builtin-plugin",
			yaml:    "name: t\nversion: 1.0.0\ntype: builtin\n",
			wantErr: "builtin-plugin is required",
		},
		{
			name:    "builtin with empty module",
			yaml:    "name: t\nversion: 1.0.0\ntype: builtin\nbuiltin-plugin:\n  module: \"\"\n",
			wantErr: "builtin-plugin.module",
		},
		{
			name:    "unknown type",
			yaml:    "name: t\nversion: 1.0.0\ntype: binary\n",
			wantErr: "type must be",
		},
		{
			name:    "missing version",
			yaml:    "name: t\ntype: lua\nlua-plugin:\n  entry: main.lua\n",
			wantErr: "version is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugins.ParseManifest([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseManifest_EmptyEvent(t *testing.T) {
	yaml := `
name: t
version: 1.0.0
type: lua
events:
  - ""
lua-plugin:
  entry: main.lua
`
	_, err := plugins.ParseManifest([]byte(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "events[0]")
}

func TestParseManifest_InvalidYAML(t *testing.T) {
	_, err := plugins.ParseManifest([]byte("name: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid YAML")
}

func TestParseManifest_EmptyInput(t *testing.T) {
	_, err := plugins.ParseManifest(nil)
	errutil.AssertErrorCode(t, err, plugins.CodeInvalidManifest)
}
