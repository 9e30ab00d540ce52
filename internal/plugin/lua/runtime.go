// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package lua

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	plugins "github.com/phira-mp/plughost/internal/plugin"
	pluginpkg "github.com/phira-mp/plughost/pkg/plugin"
)

// CodeScriptError marks failures raised by Lua code.
const CodeScriptError = "SCRIPT_ERROR"

// Runtime builds Lua plugin modules from plugin directories.
type Runtime struct {
	factory *StateFactory
	logger  *slog.Logger
}

var _ plugins.Runtime = (*Runtime)(nil)

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithStateFactory replaces the default sandbox factory.
func WithStateFactory(f *StateFactory) RuntimeOption {
	return func(r *Runtime) { r.factory = f }
}

// WithLogger sets the logger used while compiling scripts.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// NewRuntime creates a Lua runtime.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{factory: NewStateFactory(), logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Type implements plugins.Runtime.
func (*Runtime) Type() plugins.Type { return plugins.TypeLua }

// Module reads and compiles the entry script. Syntax errors surface here,
// before any state is created.
func (r *Runtime) Module(_ context.Context, m *plugins.Manifest, dir string) (pluginpkg.Module, error) {
	if m.LuaPlugin == nil {
		return nil, plugins.ErrInvalidManifest("plugin %s has no lua-plugin section", m.Name)
	}
	path, err := entryPath(dir, m.LuaPlugin.Entry)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(path) //nolint:gosec // entryPath keeps the path inside dir
	if err != nil {
		return nil, oops.In("lua").
			With("plugin", m.Name).
			With("path", path).
			Hint("failed to read entry file").
			Wrap(err)
	}

	proto, err := Compile(src, m.LuaPlugin.Entry)
	if err != nil {
		return nil, oops.In("lua").With("plugin", m.Name).With("path", path).Wrap(err)
	}
	r.logger.Debug("compiled lua plugin", "plugin", m.Name, "entry", path)

	return &module{
		meta:    pluginpkg.Metadata{Name: m.Name, Version: m.Version},
		proto:   proto,
		factory: r.factory,
	}, nil
}

// Compile parses Lua source into a reusable function prototype.
func Compile(src []byte, name string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(bytes.NewReader(src), name)
	if err != nil {
		return nil, oops.In("lua").Code(CodeScriptError).With("chunk", name).Wrapf(err, "syntax error")
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, oops.In("lua").Code(CodeScriptError).With("chunk", name).Wrapf(err, "compile")
	}
	return proto, nil
}

func entryPath(dir, entry string) (string, error) {
	path := filepath.Join(dir, entry)
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", plugins.ErrInvalidManifest("lua-plugin.entry %q escapes the plugin directory", entry)
	}
	return path, nil
}
