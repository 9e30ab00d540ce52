// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package lua

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	pluginpkg "github.com/phira-mp/plughost/pkg/plugin"
)

// module is a compiled script. Each Setup runs it in a new interpreter.
type module struct {
	meta    pluginpkg.Metadata
	proto   *lua.FunctionProto
	factory *StateFactory
}

func (m *module) Metadata() pluginpkg.Metadata { return m.meta }

// Setup runs the chunk, then calls the script's setup(ctx). The returned
// Teardown calls the function setup returned, if any, and closes the
// interpreter.
func (m *module) Setup(pctx pluginpkg.Context) (pluginpkg.Teardown, error) {
	L, err := m.factory.NewState(context.Background())
	if err != nil {
		return nil, err
	}
	L.RemoveContext()

	inst := &instance{L: L, pctx: pctx, logger: pctx.Logger()}
	registerConnectionType(L, inst.raise)
	inst.mu.Lock()
	defer inst.mu.Unlock()

	fail := func(err error) (pluginpkg.Teardown, error) {
		inst.closed = true
		L.Close()
		return nil, err
	}

	if err := inst.call(context.Background(), L.NewFunctionFromProto(m.proto), 0); err != nil {
		return fail(err)
	}
	inst.checkInfo(m.meta)

	setup, ok := L.GetGlobal("setup").(*lua.LFunction)
	if !ok {
		return fail(oops.In("lua").
			Code(CodeScriptError).
			With("plugin", m.meta.Name).
			Errorf("script does not define a setup function"))
	}

	inst.ctx = inst.contextTable(m.meta)
	if err := inst.call(context.Background(), setup, 1, inst.ctx); err != nil {
		return fail(err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	var teardown *lua.LFunction
	switch v := ret.(type) {
	case *lua.LFunction:
		teardown = v
	case *lua.LNilType:
	default:
		return fail(oops.In("lua").
			Code(CodeScriptError).
			With("plugin", m.meta.Name).
			Errorf("setup returned %s, want a function or nil", ret.Type()))
	}

	return inst.teardown(teardown), nil
}

// instance is one running interpreter. mu serializes every entry into L.
type instance struct {
	mu     sync.Mutex
	L      *lua.LState
	pctx   pluginpkg.Context
	logger *slog.Logger
	ctx    *lua.LTable
	closed bool

	// raised holds the Go error behind the most recent RaiseError so
	// its code survives the trip through Lua.
	raised error
}

func (i *instance) teardown(fn *lua.LFunction) pluginpkg.Teardown {
	return func() error {
		i.mu.Lock()
		defer i.mu.Unlock()
		if i.closed {
			return nil
		}
		i.closed = true
		defer i.L.Close()
		if fn == nil {
			return nil
		}
		return i.call(context.Background(), fn, 0)
	}
}

// call invokes fn under ctx. The caller holds mu. With nret > 0 the
// results are left on the stack.
func (i *instance) call(ctx context.Context, fn *lua.LFunction, nret int, args ...lua.LValue) error {
	i.raised = nil
	i.L.SetContext(ctx)
	defer i.L.RemoveContext()

	err := i.L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return oops.In("lua").With("plugin", i.pctx.ID()).Wrap(ctxErr)
	}
	if cause := i.raised; cause != nil && strings.Contains(err.Error(), cause.Error()) {
		i.raised = nil
		return oops.In("lua").With("plugin", i.pctx.ID()).With("lua_error", err.Error()).Wrap(cause)
	}
	return oops.In("lua").Code(CodeScriptError).With("plugin", i.pctx.ID()).Wrap(err)
}

// raise reports err to Lua as a runtime error.
func (i *instance) raise(L *lua.LState, err error) {
	i.raised = err
	L.RaiseError("%s", err.Error())
}

// handler adapts a Lua function into a bus handler.
func (i *instance) handler(topic string, fn *lua.LFunction) pluginpkg.Handler {
	return func(ctx context.Context, payload any) error {
		i.mu.Lock()
		defer i.mu.Unlock()
		if i.closed {
			return nil
		}
		err := i.call(ctx, fn, 0, payloadToLua(i.L, payload))
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return oops.In("lua").With("topic", topic).Wrap(err)
		}
		return err
	}
}

// checkInfo compares PLUGIN_INFO with the manifest. The manifest wins.
func (i *instance) checkInfo(meta pluginpkg.Metadata) {
	info, ok := i.L.GetGlobal("PLUGIN_INFO").(*lua.LTable)
	if !ok {
		return
	}
	name := lua.LVAsString(info.RawGetString("name"))
	version := lua.LVAsString(info.RawGetString("version"))
	if (name != "" && name != meta.Name) || (version != "" && version != meta.Version) {
		i.logger.Warn("PLUGIN_INFO differs from manifest",
			"script_name", name, "script_version", version)
	}
}

// contextTable builds the ctx argument passed to setup.
func (i *instance) contextTable(meta pluginpkg.Metadata) *lua.LTable {
	L := i.L
	tbl := L.NewTable()

	info := L.NewTable()
	info.RawSetString("id", lua.LString(i.pctx.ID()))
	info.RawSetString("name", lua.LString(meta.Name))
	info.RawSetString("version", lua.LString(meta.Version))
	tbl.RawSetString("info", info)

	tbl.RawSetString("logger", i.loggerTable())
	L.SetFuncs(tbl, map[string]lua.LGFunction{
		"on":        i.luaOn,
		"kv_get":    i.luaKVGet,
		"kv_set":    i.luaKVSet,
		"kv_delete": i.luaKVDelete,
	})
	return tbl
}

// argBase returns the index of the first real argument, skipping self so
// both ctx.fn(...) and ctx:fn(...) work.
func argBase(L *lua.LState, self lua.LValue) int {
	if L.GetTop() > 0 && L.Get(1) == self {
		return 2
	}
	return 1
}

// ctx:on(topic, fn)
func (i *instance) luaOn(L *lua.LState) int {
	base := argBase(L, i.ctx)
	topic := L.CheckString(base)
	fn := L.CheckFunction(base + 1)
	if err := i.pctx.On(topic, i.handler(topic, fn)); err != nil {
		i.raise(L, err)
	}
	return 0
}

func (i *instance) kvContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// ctx.kv_get(key) -> string or nil
func (i *instance) luaKVGet(L *lua.LState) int {
	key := L.CheckString(argBase(L, i.ctx))
	val, err := i.pctx.KV().Get(i.kvContext(L), key)
	if err != nil {
		i.raise(L, err)
		return 0
	}
	if val == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(val))
	return 1
}

// ctx.kv_set(key, value)
func (i *instance) luaKVSet(L *lua.LState) int {
	base := argBase(L, i.ctx)
	key := L.CheckString(base)
	val := L.CheckString(base + 1)
	if err := i.pctx.KV().Set(i.kvContext(L), key, []byte(val)); err != nil {
		i.raise(L, err)
	}
	return 0
}

// ctx.kv_delete(key)
func (i *instance) luaKVDelete(L *lua.LState) int {
	key := L.CheckString(argBase(L, i.ctx))
	if err := i.pctx.KV().Delete(i.kvContext(L), key); err != nil {
		i.raise(L, err)
	}
	return 0
}

func (i *instance) loggerTable() *lua.LTable {
	L := i.L
	tbl := L.NewTable()
	logAt := func(level slog.Level) lua.LGFunction {
		return func(L *lua.LState) int {
			base := argBase(L, tbl)
			i.logger.Log(i.kvContext(L), level, logText(L.Get(base)), attrsFromLua(L.Get(base+1))...)
			return 0
		}
	}
	L.SetFuncs(tbl, map[string]lua.LGFunction{
		"debug": logAt(slog.LevelDebug),
		"info":  logAt(slog.LevelInfo),
		"warn":  logAt(slog.LevelWarn),
		"error": logAt(slog.LevelError),
		// exception(msg, err) logs at error level with the caught error.
		"exception": func(L *lua.LState) int {
			base := argBase(L, tbl)
			args := []any{"error", logText(L.Get(base + 1))}
			args = append(args, attrsFromLua(L.Get(base+2))...)
			i.logger.Log(i.kvContext(L), slog.LevelError, logText(L.Get(base)), args...)
			return 0
		},
	})
	return tbl
}

// logText renders any Lua value as log text without calling metamethods,
// so logging never raises.
func logText(v lua.LValue) string {
	switch x := v.(type) {
	case lua.LString:
		return string(x)
	case lua.LNumber:
		return x.String()
	}
	return v.String()
}

// attrsFromLua turns an optional attribute table into slog key/value pairs.
// Anything other than a table is ignored.
func attrsFromLua(v lua.LValue) []any {
	if _, ok := v.(*lua.LTable); !ok {
		return nil
	}
	m, ok := fromLua(v).(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, m[k])
	}
	return args
}
