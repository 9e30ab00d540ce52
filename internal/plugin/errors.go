// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"errors"

	"github.com/samber/oops"

	"github.com/phira-mp/plughost/pkg/errutil"
)

// Error codes for plugin lifecycle failures.
const (
	CodeLoadFailed         = "LOAD_FAILED"
	CodeConflict           = "PLUGIN_CONFLICT"
	CodeNotLoaded          = "PLUGIN_NOT_LOADED"
	CodeNotFound           = "PLUGIN_NOT_FOUND"
	CodeTeardownFailed     = "TEARDOWN_FAILED"
	CodeCapabilityDenied   = "CAPABILITY_DENIED"
	CodeHostClosed         = "HOST_CLOSED"
	CodeInvalidManifest    = "INVALID_MANIFEST"
	CodeKVUnavailable      = "KV_UNAVAILABLE"
	CodeUnsupportedRuntime = "UNSUPPORTED_RUNTIME"
)

// ErrLoadFailed wraps a resolve or setup failure. The cause stays
// reachable through errors.Is, and its own code is kept under
// errutil.CauseCodeKey.
func ErrLoadFailed(id string, cause error) error {
	b := oops.In("plugin").
		Code(CodeLoadFailed).
		With("plugin", id)
	if code := errutil.Code(cause); code != nil {
		b = b.With(errutil.CauseCodeKey, code)
	}
	return b.Wrapf(sealed{cause}, "load plugin %s", id)
}

// sealed hides an oops cause from errors.As so that the outer code is the
// one reported; oops otherwise reports the innermost code.
type sealed struct{ err error }

func (s sealed) Error() string { return s.err.Error() }

func (s sealed) Is(target error) bool { return errors.Is(s.err, target) }

// ErrConflict is returned when a live plugin already owns id.
func ErrConflict(id, existing string) error {
	return oops.In("plugin").
		Code(CodeConflict).
		With("plugin", id).
		With("instance", existing).
		Hint("unload the running plugin first or use reload").
		Errorf("plugin %s is already loaded", id)
}

// ErrNotLoaded is returned for an unknown or stale plugin id.
func ErrNotLoaded(id string) error {
	return oops.In("plugin").
		Code(CodeNotLoaded).
		With("plugin", id).
		Errorf("plugin %s is not loaded", id)
}

// ErrCapabilityDenied is returned when a plugin subscribes outside its grants.
func ErrCapabilityDenied(id, topic string) error {
	return oops.In("plugin").
		Code(CodeCapabilityDenied).
		With("plugin", id).
		With("topic", topic).
		Hint("add the topic to the events list in plugin.yaml").
		Errorf("plugin %s may not subscribe to %s", id, topic)
}

// ErrHostClosed is returned by Load after Close.
func ErrHostClosed() error {
	return oops.In("plugin").
		Code(CodeHostClosed).
		Errorf("plugin registry is closed")
}

// ErrInvalidManifest wraps a manifest parse or validation failure.
func ErrInvalidManifest(format string, args ...any) error {
	return oops.In("plugin").
		Code(CodeInvalidManifest).
		Errorf(format, args...)
}

// ErrUnsupportedRuntime is returned when no runtime is registered for a type.
func ErrUnsupportedRuntime(id string, t Type) error {
	return oops.In("plugin").
		Code(CodeUnsupportedRuntime).
		With("plugin", id).
		With("type", string(t)).
		Errorf("no runtime for plugin type %q", t)
}

func teardownError(id string, cause error) error {
	return oops.In("plugin").
		Code(CodeTeardownFailed).
		With("plugin", id).
		Wrap(cause)
}
