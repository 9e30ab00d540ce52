// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"context"
)

// TopicAuthSuccess is raised after a connection completes authentication.
const TopicAuthSuccess = "auth.success"

// AuthSuccessTopic is the typed descriptor for TopicAuthSuccess.
var AuthSuccessTopic = NewTopic[AuthSuccess](TopicAuthSuccess)

// AuthSuccess is the payload of TopicAuthSuccess.
type AuthSuccess struct {
	// Conn is the authenticated connection.
	Conn Connection
	// User identifies the authenticated user.
	User UserInfo
	// Handler is the protocol handler that processed the authentication.
	Handler ProtocolHandler
}

// UserInfo identifies an authenticated user.
type UserInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ProtocolHandler is the protocol state machine bound to a connection.
type ProtocolHandler interface {
	Name() string
}

// Connection is a client connection capability.
type Connection interface {
	// ID is a stable identifier for the connection.
	ID() string
	// RemoteAddr returns the peer address.
	RemoteAddr() string
	// Send writes a packet. Failures are reported as TRANSPORT_FAILED
	// errors and are the caller's to handle.
	Send(ctx context.Context, p Packet) error
}

// Packet is a client-bound protocol packet.
type Packet interface {
	PacketType() string
}

// SystemSender is the sender id of server-originated chat messages.
const SystemSender int32 = -1

// ChatMessage is a chat line with its sender.
type ChatMessage struct {
	Sender  int32  `json:"sender"`
	Content string `json:"content"`
}

// MessagePacket carries a ChatMessage to a client.
type MessagePacket struct {
	Message ChatMessage `json:"message"`
}

// PacketType implements Packet.
func (MessagePacket) PacketType() string { return "message" }

// NewSystemMessage builds a MessagePacket sent by the server.
func NewSystemMessage(text string) MessagePacket {
	return MessagePacket{Message: ChatMessage{Sender: SystemSender, Content: text}}
}
