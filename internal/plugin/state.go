// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import "github.com/samber/oops"

// State is a plugin lifecycle state.
type State int32

// Lifecycle states. A plugin moves Loading → Active → TearingDown →
// Unloaded; a failed setup goes straight from Loading to Unloaded.
const (
	StateLoading State = iota
	StateActive
	StateTearingDown
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateTearingDown:
		return "tearing_down"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// Live reports whether a plugin in this state may own subscriptions.
func (s State) Live() bool {
	return s == StateLoading || s == StateActive || s == StateTearingDown
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateLoading, StateActive, StateTearingDown, StateUnloaded} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return oops.In("plugin").Errorf("unknown plugin state %q", string(b))
}
