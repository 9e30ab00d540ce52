// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package authgreet is a builtin plugin that greets every player after
// authentication.
package authgreet

import (
	"context"
	"strconv"

	"github.com/phira-mp/plughost/pkg/errutil"
	"github.com/phira-mp/plughost/pkg/plugin"
)

// Name is the builtin-plugin.module name the module is registered under.
const Name = "authgreet"

// Greeting is sent to every authenticated connection.
const Greeting = "插件测试v0.0.1"

// countKey holds the number of greetings sent, across reloads.
const countKey = "greeted"

// New returns a fresh module instance.
func New() plugin.Module {
	return plugin.NewModule(plugin.Metadata{Name: Name, Version: "0.0.1"}, setup)
}

func setup(ctx plugin.Context) (plugin.Teardown, error) {
	logger := ctx.Logger()
	kv := ctx.KV()

	err := plugin.On(ctx, plugin.AuthSuccessTopic, func(c context.Context, ev plugin.AuthSuccess) error {
		if err := ev.Conn.Send(c, plugin.NewSystemMessage(Greeting)); err != nil {
			errutil.LogError(logger, "failed to greet player", err,
				"user", ev.User.Name, "connection", ev.Conn.ID())
			return nil
		}
		n, err := bump(c, kv)
		if err != nil {
			errutil.LogWarn(logger, "failed to record greeting", err)
		}
		logger.Debug("greeted player", "user", ev.User.Name, "greeted", n)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return func() error {
		logger.Info("plugin teardown")
		return nil
	}, nil
}

func bump(ctx context.Context, kv plugin.KV) (int, error) {
	raw, err := kv.Get(ctx, countKey)
	if err != nil {
		return 0, err
	}
	n := 0
	if raw != nil {
		n, _ = strconv.Atoi(string(raw)) //nolint:errcheck // a corrupt counter restarts at zero
	}
	n++
	return n, kv.Set(ctx, countKey, []byte(strconv.Itoa(n)))
}

// Count returns the number of greetings recorded in kv.
func Count(ctx context.Context, kv plugin.KV) (int, error) {
	raw, err := kv.Get(ctx, countKey)
	if err != nil || raw == nil {
		return 0, err
	}
	return strconv.Atoi(string(raw))
}
