// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package lua runs plugins written in Lua. Each loaded plugin gets its own
// sandboxed interpreter and every call into it is serialized.
package lua

import (
	"context"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

// library is a Lua standard library the sandbox opens.
type library struct {
	name string
	open lua.LGFunction
}

// sandboxLibraries are the only libraries a plugin can reach.
// os, io, debug, package and coroutine stay closed.
func sandboxLibraries() []library {
	return []library{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// blockedGlobals are base functions that read, compile or import code at
// runtime. OpenBase installs require and module even without the package
// library.
var blockedGlobals = []string{"dofile", "loadfile", "loadstring", "load", "require", "module"}

// StateFactory creates sandboxed interpreters preloaded with the plugin
// globals (chat_message, message_packet, SYSTEM_SENDER).
type StateFactory struct {
	libraries      []library
	callStackSize  int
	registryMaxLen int
}

// StateOption configures a StateFactory.
type StateOption func(*StateFactory)

// WithCallStackSize bounds Lua call depth.
func WithCallStackSize(n int) StateOption {
	return func(f *StateFactory) { f.callStackSize = n }
}

// WithRegistryLimit bounds the Lua value stack.
func WithRegistryLimit(n int) StateOption {
	return func(f *StateFactory) { f.registryMaxLen = n }
}

// NewStateFactory creates a factory with the default sandbox.
func NewStateFactory(opts ...StateOption) *StateFactory {
	f := &StateFactory{
		libraries:      sandboxLibraries(),
		callStackSize:  lua.CallStackSize,
		registryMaxLen: 64 * 1024,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewState returns a fresh interpreter. The state is bound to ctx until
// the caller swaps the context with SetContext.
func (f *StateFactory) NewState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   f.callStackSize,
		RegistrySize:    1024,
		RegistryMaxSize: f.registryMaxLen,
	})

	for _, lib := range f.libraries {
		err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), Protect: true}, lua.LString(lib.name))
		if err != nil {
			L.Close()
			return nil, oops.In("lua").With("library", lib.name).Wrapf(err, "open library %s", lib.name)
		}
	}
	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	registerPacketGlobals(L)

	if ctx != nil {
		L.SetContext(ctx)
	}
	return L, nil
}
