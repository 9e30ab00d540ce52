// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package lua

import (
	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/phira-mp/plughost/pkg/plugin"
)

func registerPacketGlobals(L *lua.LState) {
	L.SetGlobal("SYSTEM_SENDER", lua.LNumber(plugin.SystemSender))
	L.SetGlobal("chat_message", L.NewFunction(luaChatMessage))
	L.SetGlobal("message_packet", L.NewFunction(luaMessagePacket))
}

// chat_message(sender, content) -> {sender=, content=}
func luaChatMessage(L *lua.LState) int {
	sender := L.CheckInt(1)
	content := L.CheckString(2)
	msg := L.NewTable()
	msg.RawSetString("sender", lua.LNumber(sender))
	msg.RawSetString("content", lua.LString(content))
	L.Push(msg)
	return 1
}

// message_packet(message) -> {type="message", message=}
func luaMessagePacket(L *lua.LState) int {
	msg := L.CheckTable(1)
	pkt := L.NewTable()
	pkt.RawSetString("type", lua.LString("message"))
	pkt.RawSetString("message", msg)
	L.Push(pkt)
	return 1
}

// packetFromLua decodes a table built by message_packet.
func packetFromLua(v lua.LValue) (plugin.Packet, error) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, oops.In("lua").Errorf("packet must be a table, got %s", v.Type())
	}
	kind := lua.LVAsString(tbl.RawGetString("type"))
	switch kind {
	case "message":
		msg, ok := tbl.RawGetString("message").(*lua.LTable)
		if !ok {
			return nil, oops.In("lua").Errorf("message packet has no message table")
		}
		sender, ok := msg.RawGetString("sender").(lua.LNumber)
		if !ok {
			return nil, oops.In("lua").Errorf("chat message sender must be a number")
		}
		return plugin.MessagePacket{Message: plugin.ChatMessage{
			Sender:  int32(sender),
			Content: lua.LVAsString(msg.RawGetString("content")),
		}}, nil
	default:
		return nil, oops.In("lua").With("type", kind).Errorf("unsupported packet type %q", kind)
	}
}
