// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/phira-mp/plughost/pkg/plugin"
)

// protocol is the ProtocolHandler reported with every session.
type protocol struct{}

func (protocol) Name() string { return "line" }

// lineConn adapts a TCP connection to plugin.Connection. Packets are
// written as one text line each.
type lineConn struct {
	id   string
	conn net.Conn

	mu     sync.Mutex
	closed bool
}

var _ plugin.Connection = (*lineConn)(nil)

func (c *lineConn) ID() string { return c.id }

func (c *lineConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Send writes p as a line. The context deadline, if any, bounds the write.
func (c *lineConn) Send(ctx context.Context, p plugin.Packet) error {
	if err := ctx.Err(); err != nil {
		return plugin.TransportError(c.id, err)
	}
	return c.writeLine(ctx, render(p))
}

func (c *lineConn) writeLine(ctx context.Context, line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return plugin.TransportError(c.id, net.ErrClosed)
	}
	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return plugin.TransportError(c.id, err)
	}
	if _, err := fmt.Fprintln(c.conn, line); err != nil {
		return plugin.TransportError(c.id, err)
	}
	return nil
}

func (c *lineConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// render formats a packet for a terminal.
func render(p plugin.Packet) string {
	switch pkt := p.(type) {
	case plugin.MessagePacket:
		if pkt.Message.Sender == plugin.SystemSender {
			return "[system] " + pkt.Message.Content
		}
		return fmt.Sprintf("[%d] %s", pkt.Message.Sender, pkt.Message.Content)
	case *plugin.MessagePacket:
		return render(*pkt)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "<" + p.PacketType() + ">"
	}
	return "<" + p.PacketType() + "> " + string(data)
}
