// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"context"
	"reflect"

	"github.com/samber/oops"
)

// Descriptor names a topic and the payload type published on it.
// A nil PayloadType means the topic carries untyped payloads.
type Descriptor interface {
	Name() string
	PayloadType() reflect.Type
}

// Topic is a typed topic descriptor.
type Topic[T any] struct {
	name string
}

// NewTopic declares a topic whose payloads are of type T.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the topic name.
func (t Topic[T]) Name() string { return t.name }

// PayloadType returns the reflect.Type of T.
func (t Topic[T]) PayloadType() reflect.Type { return reflect.TypeFor[T]() }

// On subscribes a strongly typed handler through ctx.
//
//	plugin.On(ctx, plugin.AuthSuccessTopic, func(ctx context.Context, ev plugin.AuthSuccess) error {
//		return ev.Conn.Send(ctx, plugin.NewSystemMessage("welcome"))
//	})
func On[T any](ctx Context, topic Topic[T], fn func(context.Context, T) error) error {
	return ctx.Subscribe(topic, func(c context.Context, payload any) error {
		v, ok := payload.(T)
		if !ok {
			return oops.Code(CodePayloadType).
				With("topic", topic.Name()).
				With("want", topic.PayloadType().String()).
				Errorf("unexpected payload %T on topic %s", payload, topic.Name())
		}
		return fn(c, v)
	})
}
