// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/samber/oops"

	pluginpkg "github.com/phira-mp/plughost/pkg/plugin"
)

// CodeUnknownModule is returned when a builtin manifest names a module the
// host was not built with.
const CodeUnknownModule = "UNKNOWN_MODULE"

// Source produces a fresh module each time it is resolved.
type Source interface {
	Resolve(ctx context.Context) (pluginpkg.Module, error)
	String() string
}

// Granted is implemented by modules that restrict the topics they may
// subscribe to. Modules without it may subscribe to any topic.
type Granted interface {
	Grants() []string
}

// Runtime builds modules of one plugin type from a plugin directory.
type Runtime interface {
	Type() Type
	Module(ctx context.Context, manifest *Manifest, dir string) (pluginpkg.Module, error)
}

type moduleSource struct {
	mod pluginpkg.Module
}

// ModuleSource wraps an in-process module.
func ModuleSource(m pluginpkg.Module) Source {
	return moduleSource{mod: m}
}

func (s moduleSource) Resolve(context.Context) (pluginpkg.Module, error) {
	if s.mod == nil {
		return nil, oops.In("plugin").Errorf("nil module")
	}
	return s.mod, nil
}

func (s moduleSource) String() string {
	if s.mod == nil {
		return "module:<nil>"
	}
	return "module:" + s.mod.Metadata().Name
}

// Resolver turns plugin directories into sources using the registered
// runtimes.
type Resolver struct {
	hostAPI  string
	runtimes map[Type]Runtime
}

// NewResolver creates a resolver. hostAPI is checked against each
// manifest's host-api constraint.
func NewResolver(hostAPI string, runtimes ...Runtime) *Resolver {
	r := &Resolver{hostAPI: hostAPI, runtimes: make(map[Type]Runtime, len(runtimes))}
	for _, rt := range runtimes {
		r.runtimes[rt.Type()] = rt
	}
	return r
}

// Types lists the plugin types the resolver can build, sorted.
func (r *Resolver) Types() []Type {
	types := make([]Type, 0, len(r.runtimes))
	for t := range r.runtimes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Dir returns a source that reads the manifest in dir on every resolve.
func (r *Resolver) Dir(dir string) Source {
	return dirSource{resolver: r, dir: dir}
}

type dirSource struct {
	resolver *Resolver
	dir      string
}

func (s dirSource) String() string { return "dir:" + s.dir }

func (s dirSource) Resolve(ctx context.Context) (pluginpkg.Module, error) {
	m, err := ReadManifest(s.dir)
	if err != nil {
		return nil, err
	}
	if err := m.CheckHostAPI(s.resolver.hostAPI); err != nil {
		return nil, err
	}

	rt, ok := s.resolver.runtimes[m.Type]
	if !ok {
		return nil, ErrUnsupportedRuntime(m.Name, m.Type)
	}
	mod, err := rt.Module(ctx, m, s.dir)
	if err != nil {
		return nil, err
	}
	return &manifestModule{Module: mod, manifest: m}, nil
}

// ReadManifest reads and validates dir/plugin.yaml.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path) //nolint:gosec // path is a configured plugin directory
	if err != nil {
		return nil, oops.In("plugin").
			Code(CodeInvalidManifest).
			With("path", path).
			Wrapf(err, "read manifest")
	}
	return ParseManifest(data)
}

// manifestModule makes the manifest authoritative for identity and grants.
type manifestModule struct {
	pluginpkg.Module
	manifest *Manifest
}

func (m *manifestModule) Metadata() pluginpkg.Metadata {
	return pluginpkg.Metadata{Name: m.manifest.Name, Version: m.manifest.Version}
}

func (m *manifestModule) Grants() []string {
	return m.manifest.Events
}

// Builtins is the runtime for modules compiled into the host, keyed by the
// builtin-plugin.module name. Each resolve calls the constructor again so
// every load gets a fresh instance.
type Builtins map[string]func() pluginpkg.Module

// Type implements Runtime.
func (Builtins) Type() Type { return TypeBuiltin }

// Module implements Runtime.
func (b Builtins) Module(_ context.Context, m *Manifest, _ string) (pluginpkg.Module, error) {
	name := m.BuiltinPlugin.Module
	newModule, ok := b[name]
	if !ok {
		return nil, oops.In("plugin").
			Code(CodeUnknownModule).
			With("plugin", m.Name).
			With("module", name).
			Errorf("host has no builtin module %q", name)
	}
	return newModule(), nil
}

// Names lists the builtin module names, sorted.
func (b Builtins) Names() []string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
