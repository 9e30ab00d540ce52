// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/phira-mp/plughost/internal/eventbus"
	"github.com/phira-mp/plughost/internal/plugin/capability"
	"github.com/phira-mp/plughost/pkg/errutil"
	pluginpkg "github.com/phira-mp/plughost/pkg/plugin"
)

// Plugin is one loaded plugin instance.
type Plugin struct {
	id       string
	instance string
	meta     pluginpkg.Metadata
	source   string
	loadedAt time.Time
	seq      uint64

	state atomic.Int32
	ready chan struct{} // closed when Loading ends

	// Set once setup succeeds; read only by the unloading goroutine.
	teardown pluginpkg.Teardown
	ctx      *pluginContext
}

// ID returns the plugin id (its metadata name).
func (p *Plugin) ID() string { return p.id }

// Instance returns the id of this particular load.
func (p *Plugin) Instance() string { return p.instance }

// Metadata returns the plugin's metadata.
func (p *Plugin) Metadata() pluginpkg.Metadata { return p.meta }

// State returns the current lifecycle state.
func (p *Plugin) State() State { return State(p.state.Load()) }

// Source describes where the plugin was loaded from.
func (p *Plugin) Source() string { return p.source }

// LoadedAt returns when the load started.
func (p *Plugin) LoadedAt() time.Time { return p.loadedAt }

// Info is a snapshot of a plugin for listings.
type Info struct {
	ID            string    `json:"id"`
	Instance      string    `json:"instance"`
	Version       string    `json:"version"`
	State         State     `json:"state"`
	Source        string    `json:"source"`
	LoadedAt      time.Time `json:"loaded_at"`
	Subscriptions int       `json:"subscriptions"`
	Grants        []string  `json:"grants,omitempty"`
}

// Transition is a lifecycle change reported to an Observer.
type Transition struct {
	ID       string
	Instance string
	From     State
	To       State
	Err      error
}

// Observer receives lifecycle transitions. Calls happen outside registry
// locks and may be concurrent.
type Observer interface {
	Observe(Transition)
}

// KVFactory returns the storage namespace for a plugin id.
type KVFactory func(pluginID string) pluginpkg.KV

// Registry tracks loaded plugins and drives their lifecycle.
//
// Registry is safe for concurrent use.
type Registry struct {
	bus       *eventbus.Bus
	enforcer  *capability.Enforcer
	logger    *slog.Logger
	kv        KVFactory
	observers []Observer

	mu      sync.Mutex
	plugins map[string]*Plugin
	seq     uint64
	closed  bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the parent logger for the registry and plugin loggers.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithEnforcer shares a topic grant enforcer.
func WithEnforcer(e *capability.Enforcer) RegistryOption {
	return func(r *Registry) {
		if e != nil {
			r.enforcer = e
		}
	}
}

// WithKV sets the storage handed to plugins through Context.KV.
func WithKV(f KVFactory) RegistryOption {
	return func(r *Registry) { r.kv = f }
}

// WithObserver adds a lifecycle observer.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// NewRegistry creates a registry that subscribes plugins on bus.
func NewRegistry(bus *eventbus.Bus, opts ...RegistryOption) *Registry {
	r := &Registry{
		bus:      bus,
		enforcer: capability.NewEnforcer(),
		logger:   slog.Default(),
		plugins:  make(map[string]*Plugin),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bus returns the bus plugins subscribe on.
func (r *Registry) Bus() *eventbus.Bus { return r.bus }

// Enforcer returns the topic grant enforcer.
func (r *Registry) Enforcer() *capability.Enforcer { return r.enforcer }

// Load resolves src and runs the module's setup. The plugin id is reserved
// before setup, so a duplicate id fails with PLUGIN_CONFLICT without
// running any plugin code. If setup fails or panics, every subscription it
// made is purged and the error is returned as LOAD_FAILED.
func (r *Registry) Load(ctx context.Context, src Source) (*Plugin, error) {
	if r.isClosed() {
		return nil, ErrHostClosed()
	}

	mod, err := src.Resolve(ctx)
	if err != nil {
		return nil, ErrLoadFailed(src.String(), err)
	}
	meta := mod.Metadata()
	if meta.Name == "" {
		return nil, ErrLoadFailed(src.String(), oops.Errorf("module metadata has no name"))
	}
	id := meta.Name

	p, err := r.reserve(id, meta, src)
	if err != nil {
		return nil, err
	}
	logger := r.logger.With("plugin", id, "plugin_version", meta.Version, "instance", p.instance)
	r.notify(Transition{ID: id, Instance: p.instance, From: StateUnloaded, To: StateLoading})

	var grants []string
	if g, ok := mod.(Granted); ok {
		grants = g.Grants()
	}
	if err := r.enforcer.SetGrants(id, grants); err != nil {
		r.abort(p, err)
		return nil, ErrLoadFailed(id, err)
	}

	var kv pluginpkg.KV = unavailableKV{pluginID: id}
	if r.kv != nil {
		kv = r.kv(id)
	}
	pc := &pluginContext{
		owner:    eventbus.Owner{PluginID: id, Instance: p.instance},
		meta:     meta,
		bus:      r.bus,
		enforcer: r.enforcer,
		logger:   logger,
		kv:       kv,
		live:     true,
	}
	p.ctx = pc

	teardown, err := runSetup(ctx, mod, pc)
	if err != nil {
		r.abort(p, err)
		return nil, ErrLoadFailed(id, err)
	}

	p.teardown = teardown
	p.state.Store(int32(StateActive))
	close(p.ready)
	r.notify(Transition{ID: id, Instance: p.instance, From: StateLoading, To: StateActive})

	logger.Info("loaded plugin",
		"source", p.source,
		"subscriptions", len(r.bus.Subscriptions(id)))
	return p, nil
}

func (r *Registry) reserve(id string, meta pluginpkg.Metadata, src Source) (*Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrHostClosed()
	}
	if existing, ok := r.plugins[id]; ok {
		return nil, ErrConflict(id, existing.instance)
	}

	r.seq++
	p := &Plugin{
		id:       id,
		instance: ulid.Make().String(),
		meta:     meta,
		source:   src.String(),
		loadedAt: time.Now(),
		seq:      r.seq,
		ready:    make(chan struct{}),
	}
	p.state.Store(int32(StateLoading))
	r.plugins[id] = p
	return p, nil
}

// abort undoes a failed load: the context goes stale, the subscriptions
// made so far are purged, and the reservation is released.
func (r *Registry) abort(p *Plugin, cause error) {
	if p.ctx != nil {
		p.ctx.invalidate()
	}
	r.bus.PurgeInstance(eventbus.Owner{PluginID: p.id, Instance: p.instance})
	r.enforcer.RemoveGrants(p.id)

	r.mu.Lock()
	delete(r.plugins, p.id)
	r.mu.Unlock()

	p.state.Store(int32(StateUnloaded))
	close(p.ready)
	r.notify(Transition{ID: p.id, Instance: p.instance, From: StateLoading, To: StateUnloaded, Err: cause})
}

// runSetup calls Setup, converting a panic into an error.
func runSetup(ctx context.Context, mod pluginpkg.Module, pc *pluginContext) (td pluginpkg.Teardown, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			td = nil
			err = oops.With("panic", fmt.Sprint(rec)).Errorf("setup panicked: %v", rec)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mod.Setup(pc)
}

// Unload tears down the plugin with the given id and purges its
// subscriptions. A plugin still loading is waited for first. Teardown
// errors are logged, not returned.
func (r *Registry) Unload(ctx context.Context, id string) error {
	p, err := r.claim(ctx, id)
	if err != nil {
		return err
	}
	r.notify(Transition{ID: id, Instance: p.instance, From: StateActive, To: StateTearingDown})

	logger := p.ctx.logger
	if err := runTeardown(p.teardown); err != nil {
		errutil.LogError(logger, "plugin teardown failed", teardownError(id, err))
	}

	p.ctx.invalidate()
	removed := r.bus.PurgeInstance(eventbus.Owner{PluginID: id, Instance: p.instance})
	r.enforcer.RemoveGrants(id)

	r.mu.Lock()
	if r.plugins[id] == p {
		delete(r.plugins, id)
	}
	r.mu.Unlock()
	p.state.Store(int32(StateUnloaded))
	r.notify(Transition{ID: id, Instance: p.instance, From: StateTearingDown, To: StateUnloaded})

	logger.Info("unloaded plugin", "subscriptions_removed", removed)
	return nil
}

// claim moves an Active plugin to TearingDown, waiting out Loading. Only
// one caller can claim a given instance.
func (r *Registry) claim(ctx context.Context, id string) (*Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		p, ok := r.plugins[id]
		if !ok {
			return nil, ErrNotLoaded(id)
		}

		switch p.State() {
		case StateActive:
			p.state.Store(int32(StateTearingDown))
			return p, nil
		case StateLoading:
			r.mu.Unlock()
			select {
			case <-p.ready:
				r.mu.Lock()
			case <-ctx.Done():
				r.mu.Lock()
				return nil, oops.In("plugin").
					Code(CodeNotLoaded).
					With("plugin", id).
					Wrapf(ctx.Err(), "waiting for plugin %s to finish loading", id)
			}
		default:
			return nil, ErrNotLoaded(id)
		}
	}
}

// runTeardown calls td, converting a panic into an error.
func runTeardown(td pluginpkg.Teardown) (err error) {
	if td == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = oops.With("panic", fmt.Sprint(rec)).Errorf("teardown panicked: %v", rec)
		}
	}()
	return td()
}

// Reload unloads id and loads src in its place. Nothing carries over from
// the old instance.
func (r *Registry) Reload(ctx context.Context, id string, src Source) (*Plugin, error) {
	if err := r.Unload(ctx, id); err != nil {
		return nil, err
	}
	return r.Load(ctx, src)
}

// Get returns the live plugin with id.
func (r *Registry) Get(id string) (*Plugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[id]
	return p, ok
}

// List returns a snapshot of live plugins sorted by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	plugins := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		plugins = append(plugins, p)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(plugins))
	for _, p := range plugins {
		infos = append(infos, r.info(p))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Describe returns the Info of the live plugin with id.
func (r *Registry) Describe(id string) (Info, bool) {
	p, ok := r.Get(id)
	if !ok {
		return Info{}, false
	}
	return r.info(p), true
}

func (r *Registry) info(p *Plugin) Info {
	return Info{
		ID:            p.id,
		Instance:      p.instance,
		Version:       p.meta.Version,
		State:         p.State(),
		Source:        p.source,
		LoadedAt:      p.loadedAt,
		Subscriptions: len(r.bus.Subscriptions(p.id)),
		Grants:        r.enforcer.Grants(p.id),
	}
}

// Close unloads every plugin, most recently loaded first, and rejects
// further loads with HOST_CLOSED.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	plugins := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		plugins = append(plugins, p)
	}
	r.mu.Unlock()

	sort.Slice(plugins, func(i, j int) bool { return plugins[i].seq > plugins[j].seq })

	var errs []error
	for _, p := range plugins {
		err := r.Unload(ctx, p.id)
		if err == nil || (errutil.Code(err) == CodeNotLoaded && ctx.Err() == nil) {
			continue
		}
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return oops.In("plugin").Wrapf(errors.Join(errs...), "close registry")
	}
	return nil
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Registry) notify(t Transition) {
	for _, o := range r.observers {
		o.Observe(t)
	}
}
