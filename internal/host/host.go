// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package host wires the event bus, plugin registry and plugin runtimes
// into the surface the game server talks to.
package host

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/phira-mp/plughost/internal/config"
	"github.com/phira-mp/plughost/internal/eventbus"
	plugins "github.com/phira-mp/plughost/internal/plugin"
	"github.com/phira-mp/plughost/internal/plugin/lua"
	"github.com/phira-mp/plughost/internal/store"
	"github.com/phira-mp/plughost/internal/xdg"
	"github.com/phira-mp/plughost/pkg/errutil"
	pluginpkg "github.com/phira-mp/plughost/pkg/plugin"
)

// APIVersion is the plugin API version manifests constrain with host-api.
const APIVersion = "1.0.0"

const dirPrefix = "dir:"

// Host owns one bus and one registry.
type Host struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *eventbus.Bus
	registry *plugins.Registry
	resolver *plugins.Resolver
	kv       store.KV
	closeKV  func()

	mu      sync.Mutex
	sources map[string]plugins.Source
	watcher *plugins.Watcher
	started bool
	closed  bool
}

var _ plugins.Reloader = (*Host)(nil)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	builtins   plugins.Builtins
	kv         store.KV
	runtimes   []plugins.Runtime
}

// Option configures a Host.
type Option func(*options)

// WithLogger sets the host logger. Plugin loggers derive from it.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers bus and registry metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithBuiltins makes Go modules available to builtin manifests.
func WithBuiltins(b plugins.Builtins) Option {
	return func(o *options) { o.builtins = b }
}

// WithKV replaces the configured plugin storage.
func WithKV(kv store.KV) Option {
	return func(o *options) { o.kv = kv }
}

// WithRuntime adds a plugin runtime alongside the Lua and builtin ones.
func WithRuntime(rt plugins.Runtime) Option {
	return func(o *options) { o.runtimes = append(o.runtimes, rt) }
}

// New builds a host from cfg. With a database URL the plugin_kv schema is
// migrated and plugins store state in Postgres; otherwise in memory.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Host, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
	}

	h := &Host{
		cfg:     cfg,
		logger:  o.logger,
		sources: make(map[string]plugins.Source),
		closeKV: func() {},
	}

	if err := h.openKV(ctx, o.kv); err != nil {
		return nil, err
	}

	h.bus = eventbus.New(
		eventbus.WithLogger(o.logger),
		eventbus.WithMetrics(eventbus.NewMetrics(o.registerer)),
		eventbus.WithHandlerTimeout(cfg.Bus.HandlerTimeout),
		eventbus.WithTopics(pluginpkg.AuthSuccessTopic),
	)
	h.registry = plugins.NewRegistry(h.bus,
		plugins.WithLogger(o.logger),
		plugins.WithObserver(plugins.NewMetrics(o.registerer)),
		plugins.WithKV(func(pluginID string) pluginpkg.KV { return store.Scope(h.kv, pluginID) }),
	)

	builtins := o.builtins
	if builtins == nil {
		builtins = plugins.Builtins{}
	}
	runtimes := append([]plugins.Runtime{lua.NewRuntime(lua.WithLogger(o.logger)), builtins}, o.runtimes...)
	h.resolver = plugins.NewResolver(APIVersion, runtimes...)
	return h, nil
}

func (h *Host) openKV(ctx context.Context, kv store.KV) error {
	if kv != nil {
		h.kv = kv
		return nil
	}
	url := h.cfg.Store.DatabaseURL
	if url == "" {
		h.kv = store.NewMemoryKV()
		return nil
	}

	m, err := store.NewMigrator(url)
	if err != nil {
		return err
	}
	upErr := m.Up()
	if err := m.Close(); err != nil {
		errutil.LogWarn(h.logger, "failed to close migrator", err)
	}
	if upErr != nil {
		return upErr
	}

	pg, err := store.OpenPostgres(ctx, url)
	if err != nil {
		return err
	}
	h.kv = pg
	h.closeKV = pg.Close
	h.logger.Info("plugin storage ready", "backend", "postgres")
	return nil
}

// Bus returns the host's event bus.
func (h *Host) Bus() *eventbus.Bus { return h.bus }

// Registry returns the host's plugin registry.
func (h *Host) Registry() *plugins.Registry { return h.registry }

// Start loads every plugin found in the plugins directory and, when
// configured, starts watching it. A plugin that fails to load is logged and
// skipped.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return plugins.ErrHostClosed()
	}
	if h.started {
		h.mu.Unlock()
		return oops.In("host").Errorf("host already started")
	}
	h.started = true
	h.mu.Unlock()

	dir := h.cfg.Plugins.Dir
	found, err := plugins.Discover(dir, h.logger)
	if err != nil {
		return err
	}
	loaded := 0
	for _, d := range found {
		if _, err := h.load(ctx, h.resolver.Dir(d.Dir)); err != nil {
			errutil.LogError(h.logger, "failed to load plugin", err, "dir", d.Dir)
			continue
		}
		loaded++
	}
	h.logger.Info("plugins loaded", "dir", dir, "loaded", loaded, "discovered", len(found))

	if h.cfg.Plugins.Watch && dir != "" {
		if err := xdg.EnsureDir(dir); err != nil {
			return oops.In("host").With("dir", dir).Wrapf(err, "create plugins directory")
		}
		w, err := plugins.NewWatcher(dir, h,
			plugins.WithDebounce(h.cfg.Plugins.ReloadDebounce),
			plugins.WithWatcherLogger(h.logger))
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			_ = w.Close() //nolint:errcheck // start error takes precedence
			return err
		}
		h.mu.Lock()
		h.watcher = w
		h.mu.Unlock()
	}
	return nil
}

// Ready reports whether Start has run and Close has not.
func (h *Host) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started && !h.closed
}

// Publish delivers payload to the subscribers of topic.
func (h *Host) Publish(ctx context.Context, topic string, payload any) error {
	return h.bus.Publish(ctx, topic, payload)
}

// AuthSucceeded publishes auth.success for a freshly authenticated
// connection.
func (h *Host) AuthSucceeded(ctx context.Context, conn pluginpkg.Connection, user pluginpkg.UserInfo, handler pluginpkg.ProtocolHandler) error {
	return h.bus.Publish(ctx, pluginpkg.TopicAuthSuccess, pluginpkg.AuthSuccess{
		Conn:    conn,
		User:    user,
		Handler: handler,
	})
}

// LoadPlugin loads the plugin whose manifest name is name from the plugins
// directory.
func (h *Host) LoadPlugin(ctx context.Context, name string) (plugins.Info, error) {
	d, err := plugins.FindByName(h.cfg.Plugins.Dir, name, h.logger)
	if err != nil {
		return plugins.Info{}, err
	}
	return h.load(ctx, h.resolver.Dir(d.Dir))
}

// LoadModule loads a Go module that has no manifest.
func (h *Host) LoadModule(ctx context.Context, mod pluginpkg.Module) (plugins.Info, error) {
	return h.load(ctx, plugins.ModuleSource(mod))
}

func (h *Host) load(ctx context.Context, src plugins.Source) (plugins.Info, error) {
	p, err := h.registry.Load(ctx, src)
	if err != nil {
		return plugins.Info{}, err
	}
	h.mu.Lock()
	h.sources[p.ID()] = src
	h.mu.Unlock()
	return h.describe(p.ID())
}

func (h *Host) describe(id string) (plugins.Info, error) {
	info, ok := h.registry.Describe(id)
	if !ok {
		return plugins.Info{}, plugins.ErrNotLoaded(id)
	}
	return info, nil
}

// UnloadPlugin unloads plugin id.
func (h *Host) UnloadPlugin(ctx context.Context, id string) error {
	if err := h.registry.Unload(ctx, id); err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.sources, id)
	h.mu.Unlock()
	return nil
}

// ReloadPlugin replaces plugin id with a fresh instance from the source it
// was last loaded from.
func (h *Host) ReloadPlugin(ctx context.Context, id string) (plugins.Info, error) {
	h.mu.Lock()
	src, ok := h.sources[id]
	h.mu.Unlock()
	if !ok {
		return plugins.Info{}, plugins.ErrNotLoaded(id)
	}
	return h.reload(ctx, id, src)
}

func (h *Host) reload(ctx context.Context, id string, src plugins.Source) (plugins.Info, error) {
	p, err := h.registry.Reload(ctx, id, src)
	if err != nil {
		return plugins.Info{}, err
	}
	h.mu.Lock()
	h.sources[p.ID()] = src
	h.mu.Unlock()
	return h.describe(p.ID())
}

// Plugins lists live plugins.
func (h *Host) Plugins() []plugins.Info {
	return h.registry.List()
}

// Subscriptions lists the subscriptions of plugin id.
func (h *Host) Subscriptions(id string) ([]eventbus.SubscriptionInfo, error) {
	if _, ok := h.registry.Get(id); !ok {
		return nil, plugins.ErrNotLoaded(id)
	}
	return h.bus.Subscriptions(id), nil
}

// Topics lists the topics known to the bus.
func (h *Host) Topics() []eventbus.TopicInfo {
	return h.bus.Topics()
}

// ReloadDir loads the plugin in dir, replacing the one previously loaded
// from it.
func (h *Host) ReloadDir(ctx context.Context, dir string) error {
	src := h.resolver.Dir(dir)
	if id, ok := h.loadedFrom(dir); ok {
		_, err := h.reload(ctx, id, src)
		return err
	}
	_, err := h.load(ctx, src)
	return err
}

// UnloadDir unloads the plugin loaded from dir, if any.
func (h *Host) UnloadDir(ctx context.Context, dir string) error {
	id, ok := h.loadedFrom(dir)
	if !ok {
		return nil
	}
	return h.UnloadPlugin(ctx, id)
}

func (h *Host) loadedFrom(dir string) (string, bool) {
	for _, info := range h.registry.List() {
		if d, ok := strings.CutPrefix(info.Source, dirPrefix); ok && d == dir {
			return info.ID, true
		}
	}
	return "", false
}

// Close stops the watcher, unloads every plugin and releases storage.
// Later loads fail with HOST_CLOSED.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	w := h.watcher
	h.mu.Unlock()

	if w != nil {
		if err := w.Close(); err != nil {
			errutil.LogWarn(h.logger, "failed to stop plugin watcher", err)
		}
	}
	err := h.registry.Close(ctx)
	h.closeKV()
	return err
}
