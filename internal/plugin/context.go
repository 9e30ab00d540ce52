// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"github.com/samber/oops"

	"github.com/phira-mp/plughost/internal/eventbus"
	"github.com/phira-mp/plughost/internal/plugin/capability"
	pluginpkg "github.com/phira-mp/plughost/pkg/plugin"
)

// pluginContext is the pluginpkg.Context handed to one plugin instance.
// Every subscription it makes is owned by that instance.
type pluginContext struct {
	owner    eventbus.Owner
	meta     pluginpkg.Metadata
	bus      *eventbus.Bus
	enforcer *capability.Enforcer
	logger   *slog.Logger
	kv       pluginpkg.KV

	mu   sync.Mutex
	live bool
}

var _ pluginpkg.Context = (*pluginContext)(nil)

func (c *pluginContext) ID() string { return c.owner.PluginID }

func (c *pluginContext) Logger() *slog.Logger { return c.logger }

func (c *pluginContext) Metadata() pluginpkg.Metadata { return c.meta }

func (c *pluginContext) KV() pluginpkg.KV { return c.kv }

func (c *pluginContext) On(topic string, handler pluginpkg.Handler) error {
	return c.subscribe(topic, nil, handler)
}

func (c *pluginContext) Subscribe(topic pluginpkg.Descriptor, handler pluginpkg.Handler) error {
	if topic == nil {
		return eventbus.ErrInvalidTopic()
	}
	return c.subscribe(topic.Name(), topic.PayloadType(), handler)
}

// subscribe holds mu across the liveness check and the bus write so a
// concurrent invalidate cannot slip in between and leave a subscription
// behind after the purge.
func (c *pluginContext) subscribe(topic string, payloadType reflect.Type, handler pluginpkg.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.live {
		return ErrNotLoaded(c.owner.PluginID)
	}
	if topic != "" && !c.enforcer.Allowed(c.owner.PluginID, topic) {
		return ErrCapabilityDenied(c.owner.PluginID, topic)
	}
	if _, err := c.bus.Subscribe(topic, c.owner, payloadType, handler); err != nil {
		return err
	}
	c.logger.Debug("subscribed", "topic", topic)
	return nil
}

// invalidate makes the context stale. Later subscribes fail.
func (c *pluginContext) invalidate() {
	c.mu.Lock()
	c.live = false
	c.mu.Unlock()
}

// unavailableKV is used when the host has no store configured.
type unavailableKV struct {
	pluginID string
}

func (k unavailableKV) err() error {
	return oops.In("plugin").
		Code(CodeKVUnavailable).
		With("plugin", k.pluginID).
		Errorf("no key-value store configured")
}

func (k unavailableKV) Get(context.Context, string) ([]byte, error) { return nil, k.err() }

func (k unavailableKV) Set(context.Context, string, []byte) error { return k.err() }

func (k unavailableKV) Delete(context.Context, string) error { return k.err() }
