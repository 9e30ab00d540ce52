// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package host_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/phira-mp/plughost/pkg/plugin"
)

type fakeConn struct {
	mu      sync.Mutex
	id      string
	sent    []plugin.Packet
	sendErr error
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:40000" }

func (c *fakeConn) Send(_ context.Context, p plugin.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return plugin.TransportError(c.id, c.sendErr)
	}
	c.sent = append(c.sent, p)
	return nil
}

func (c *fakeConn) packets() []plugin.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]plugin.Packet(nil), c.sent...)
}

type handlerName string

func (h handlerName) Name() string { return string(h) }

// syncBuffer is a log sink safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const greetScript = `
function setup(ctx)
	ctx:on("auth.success", function(ev)
		ev.connection:send(message_packet(chat_message(SYSTEM_SENDER, "hello " .. ev.user_info.name)))
	end)
end
`

// writePlugin creates root/dir with the given files.
func writePlugin(root, dir string, files map[string]string) (string, error) {
	path := filepath.Join(root, dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(path, name), []byte(content), 0o600); err != nil {
			return "", err
		}
	}
	return path, nil
}

func luaManifest(name string) string {
	return "name: " + name + "\nversion: 1.0.0\ntype: lua\nevents:\n  - auth.*\nlua-plugin:\n  entry: main.lua\n"
}

func builtinManifest(name, module string) string {
	return "name: " + name + "\nversion: 0.0.1\ntype: builtin\nbuiltin-plugin:\n  module: " + module + "\n"
}
