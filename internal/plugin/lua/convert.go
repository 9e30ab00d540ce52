// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package lua

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/phira-mp/plughost/pkg/plugin"
)

const connectionType = "plughost.connection"

// registerConnectionType installs the metatable for connection userdata.
// Send failures are passed to raise.
func registerConnectionType(L *lua.LState, raise func(*lua.LState, error)) {
	mt := L.NewTypeMetatable(connectionType)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"send":        connSend(raise),
		"id":          connID,
		"remote_addr": connRemoteAddr,
	}))
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString("connection(" + checkConnection(L).ID() + ")"))
		return 1
	}))
}

func checkConnection(L *lua.LState) plugin.Connection {
	ud := L.CheckUserData(1)
	conn, ok := ud.Value.(plugin.Connection)
	if !ok {
		L.ArgError(1, "connection expected")
		return nil
	}
	return conn
}

// connection:send(packet) raises on transport failure.
func connSend(raise func(*lua.LState, error)) lua.LGFunction {
	return func(L *lua.LState) int {
		conn := checkConnection(L)
		pkt, err := packetFromLua(L.Get(2))
		if err != nil {
			L.ArgError(2, err.Error())
			return 0
		}
		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := conn.Send(ctx, pkt); err != nil {
			raise(L, err)
		}
		return 0
	}
}

func connID(L *lua.LState) int {
	L.Push(lua.LString(checkConnection(L).ID()))
	return 1
}

func connRemoteAddr(L *lua.LState) int {
	L.Push(lua.LString(checkConnection(L).RemoteAddr()))
	return 1
}

func newConnection(L *lua.LState, conn plugin.Connection) lua.LValue {
	if conn == nil {
		return lua.LNil
	}
	ud := L.NewUserData()
	ud.Value = conn
	L.SetMetatable(ud, L.GetTypeMetatable(connectionType))
	return ud
}

// payloadToLua converts an event payload into the single argument passed
// to a Lua handler.
func payloadToLua(L *lua.LState, payload any) lua.LValue {
	switch p := payload.(type) {
	case plugin.AuthSuccess:
		return authSuccessToLua(L, p)
	case *plugin.AuthSuccess:
		if p == nil {
			return lua.LNil
		}
		return authSuccessToLua(L, *p)
	}
	return toLua(L, payload)
}

func authSuccessToLua(L *lua.LState, ev plugin.AuthSuccess) lua.LValue {
	user := L.NewTable()
	user.RawSetString("id", lua.LNumber(ev.User.ID))
	user.RawSetString("name", lua.LString(ev.User.Name))

	tbl := L.NewTable()
	tbl.RawSetString("connection", newConnection(L, ev.Conn))
	tbl.RawSetString("user_info", user)
	if ev.Handler != nil {
		handler := L.NewTable()
		handler.RawSetString("name", lua.LString(ev.Handler.Name()))
		tbl.RawSetString("handler", handler)
	}
	return tbl
}

// toLua maps plain Go values onto Lua values. Anything else goes through
// its JSON form.
func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return x
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case []byte:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int32:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case uint32:
		return lua.LNumber(x)
	case uint64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case []any:
		tbl := L.CreateTable(len(x), 0)
		for _, item := range x {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(x))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tbl.RawSetString(k, toLua(L, x[k]))
		}
		return tbl
	case plugin.Connection:
		return newConnection(L, x)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return lua.LString(fmt.Sprint(v))
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return lua.LString(string(data))
	}
	return toLua(L, generic)
}

// fromLua maps Lua values back to Go. Tables with a non-empty array part
// become slices, the rest maps keyed by the string form of the key.
func fromLua(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LBool:
		return bool(x)
	case lua.LString:
		return string(x)
	case lua.LNumber:
		return float64(x)
	case *lua.LTable:
		if n := x.Len(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(x.RawGetInt(i)))
			}
			return out
		}
		out := map[string]any{}
		x.ForEach(func(k, val lua.LValue) {
			out[k.String()] = fromLua(val)
		})
		return out
	}
	return nil
}
