// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package eventbus

import (
	"reflect"

	"github.com/samber/oops"
)

// Error codes for bus operations.
const (
	CodeInvalidTopic      = "INVALID_TOPIC"
	CodeInvalidHandler    = "INVALID_HANDLER"
	CodeTopicTypeMismatch = "TOPIC_TYPE_MISMATCH"
	CodePayloadMismatch   = "PAYLOAD_TYPE_MISMATCH"
	CodeDispatchFailed    = "DISPATCH_FAILED"
	CodeHandlerPanic      = "HANDLER_PANIC"
)

// ErrInvalidTopic is returned for an empty topic name.
func ErrInvalidTopic() error {
	return oops.In("eventbus").
		Code(CodeInvalidTopic).
		Errorf("topic must not be empty")
}

// ErrInvalidHandler is returned when subscribing a nil handler.
func ErrInvalidHandler(topic string) error {
	return oops.In("eventbus").
		Code(CodeInvalidHandler).
		With("topic", topic).
		Errorf("handler must not be nil")
}

// ErrTopicTypeMismatch is returned when a subscription or catalog entry
// disagrees with the payload type already registered for the topic.
func ErrTopicTypeMismatch(topic string, want, got reflect.Type) error {
	return oops.In("eventbus").
		Code(CodeTopicTypeMismatch).
		With("topic", topic).
		With("want", typeName(want)).
		With("got", typeName(got)).
		Errorf("topic %s carries %s, not %s", topic, typeName(want), typeName(got))
}

// ErrPayloadMismatch is returned by Publish for a payload of the wrong type.
func ErrPayloadMismatch(topic string, want reflect.Type, payload any) error {
	return oops.In("eventbus").
		Code(CodePayloadMismatch).
		With("topic", topic).
		With("want", typeName(want)).
		Errorf("topic %s carries %s, got %T", topic, typeName(want), payload)
}

// dispatchError wraps a handler failure with the subscription that raised it.
func dispatchError(sub *Subscription, cause error) error {
	return oops.In("eventbus").
		Code(CodeDispatchFailed).
		With("plugin", sub.owner.PluginID).
		With("instance", sub.owner.Instance).
		With("topic", sub.topic).
		With("seq", sub.seq).
		Wrap(cause)
}

// panicError converts a recovered handler panic into an error.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return oops.Code(CodeHandlerPanic).Wrapf(err, "handler panicked")
	}
	return oops.Code(CodeHandlerPanic).Errorf("handler panicked: %v", r)
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<untyped>"
	}
	return t.String()
}
