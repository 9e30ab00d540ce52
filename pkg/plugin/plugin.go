// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package plugin defines the API that server plugins are written against.
//
// A plugin is a Module: it declares Metadata and a Setup entry point. Setup
// receives a Context whose On method subscribes handlers on behalf of that
// plugin only, so the host can drop every subscription the plugin made when
// it is unloaded or reloaded. Setup may return a Teardown that runs once
// during unload, before the subscriptions are purged.
package plugin

import (
	"context"
	"log/slog"
)

// Metadata is the informational block a plugin declares about itself.
// Name doubles as the plugin id for duplicate detection.
type Metadata struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// String returns "name@version".
func (m Metadata) String() string {
	if m.Version == "" {
		return m.Name
	}
	return m.Name + "@" + m.Version
}

// Handler receives an event payload. Returning an error (or panicking)
// is reported by the host and never affects other handlers.
type Handler func(ctx context.Context, payload any) error

// Teardown releases plugin resources. It is invoked exactly once during
// unload; an error is logged and does not stop the unload.
type Teardown func() error

// KV is plugin-scoped key-value storage that survives reloads. Get
// returns nil and no error for an absent key.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Context is the per-plugin facade handed to Setup.
type Context interface {
	// ID returns the plugin id the context is bound to.
	ID() string

	// On subscribes handler to topic on behalf of this plugin.
	On(topic string, handler Handler) error

	// Subscribe is the typed form of On. Prefer the On function for
	// strongly typed handlers.
	Subscribe(topic Descriptor, handler Handler) error

	// Logger returns a logger tagged with the plugin identity.
	Logger() *slog.Logger

	// Metadata returns the plugin's declared metadata.
	Metadata() Metadata

	// KV returns storage namespaced to this plugin.
	KV() KV
}

// Module is a loadable plugin.
type Module interface {
	Metadata() Metadata
	Setup(ctx Context) (Teardown, error)
}

// SetupFunc is the signature of a plugin entry point.
type SetupFunc func(ctx Context) (Teardown, error)

type funcModule struct {
	meta  Metadata
	setup SetupFunc
}

// NewModule builds a Module from metadata and a setup function.
func NewModule(meta Metadata, setup SetupFunc) Module {
	return &funcModule{meta: meta, setup: setup}
}

func (m *funcModule) Metadata() Metadata { return m.meta }

func (m *funcModule) Setup(ctx Context) (Teardown, error) {
	if m.setup == nil {
		return nil, nil
	}
	return m.setup(ctx)
}
