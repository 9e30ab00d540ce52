// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package eventbus dispatches server events to plugin handlers.
//
// Subscriptions live in an immutable topic table. Writers (Subscribe,
// Cancel, Purge) serialise on a mutex, build a new table and swap it in
// atomically; Publish loads the current table without locking and walks
// the topic's slice, which is never modified after it is published. A
// publish therefore always sees a whole table: a purge is either entirely
// visible to it or not at all.
package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/phira-mp/plughost/pkg/errutil"
	"github.com/phira-mp/plughost/pkg/plugin"
)

const tracerName = "github.com/phira-mp/plughost/internal/eventbus"

// Owner identifies the plugin instance a subscription belongs to.
type Owner struct {
	PluginID string
	Instance string
}

// Subscription is a (topic, handler, owner) registration.
type Subscription struct {
	bus     *Bus
	topic   string
	owner   Owner
	seq     uint64
	handler plugin.Handler
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Owner returns the owning plugin instance.
func (s *Subscription) Owner() Owner { return s.owner }

// Seq returns the registration sequence number.
func (s *Subscription) Seq() uint64 { return s.seq }

// Cancel removes this subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.remove(s)
}

// table is an immutable snapshot of all subscriptions.
type table struct {
	topics map[string][]*Subscription
	count  int
}

var emptyTable = &table{topics: map[string][]*Subscription{}}

// Bus is a topic-keyed publish/subscribe registry.
//
// Bus is safe for concurrent use.
type Bus struct {
	current atomic.Pointer[table]

	mu  sync.Mutex // serialises writers
	seq uint64

	catalogMu sync.RWMutex
	catalog   map[string]reflect.Type

	logger         *slog.Logger
	metrics        *Metrics
	tracer         trace.Tracer
	handlerTimeout time.Duration
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics records bus activity in m.
func WithMetrics(m *Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bus) {
		if t != nil {
			b.tracer = t
		}
	}
}

// WithHandlerTimeout bounds each handler invocation. Handlers receive a
// context with this deadline and overruns are reported; handlers are never
// preempted. Zero means unbounded.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.handlerTimeout = d
		}
	}
}

// WithTopics registers typed topic descriptors at construction.
func WithTopics(topics ...plugin.Descriptor) Option {
	return func(b *Bus) {
		for _, t := range topics {
			b.catalog[t.Name()] = t.PayloadType()
		}
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		catalog: make(map[string]reflect.Type),
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	b.current.Store(emptyTable)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// HandlerTimeout returns the configured handler timeout (zero = unbounded).
func (b *Bus) HandlerTimeout() time.Duration {
	return b.handlerTimeout
}

// Register records the payload type carried by a topic. Registering the
// same topic again with a different type fails.
func (b *Bus) Register(topic plugin.Descriptor) error {
	name := topic.Name()
	if name == "" {
		return ErrInvalidTopic()
	}

	b.catalogMu.Lock()
	defer b.catalogMu.Unlock()

	if existing, ok := b.catalog[name]; ok && existing != topic.PayloadType() {
		return ErrTopicTypeMismatch(name, existing, topic.PayloadType())
	}
	b.catalog[name] = topic.PayloadType()
	return nil
}

// PayloadType returns the registered payload type for topic, or nil.
func (b *Bus) PayloadType(topic string) reflect.Type {
	b.catalogMu.RLock()
	defer b.catalogMu.RUnlock()
	return b.catalog[topic]
}

// Subscribe registers handler under topic for owner. payloadType may be
// nil for untyped handlers; otherwise it must match the type registered
// for the topic, if any.
func (b *Bus) Subscribe(topic string, owner Owner, payloadType reflect.Type, handler plugin.Handler) (*Subscription, error) {
	if topic == "" {
		return nil, ErrInvalidTopic()
	}
	if handler == nil {
		return nil, ErrInvalidHandler(topic)
	}
	if want := b.PayloadType(topic); want != nil && payloadType != nil && want != payloadType {
		return nil, ErrTopicTypeMismatch(topic, want, payloadType)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	sub := &Subscription{
		bus:     b,
		topic:   topic,
		owner:   owner,
		seq:     b.seq,
		handler: handler,
	}

	old := b.current.Load()
	next := old.clone()
	subs := make([]*Subscription, len(old.topics[topic]), len(old.topics[topic])+1)
	copy(subs, old.topics[topic])
	next.topics[topic] = append(subs, sub)
	next.count++
	b.swap(next)

	return sub, nil
}

// Purge removes every subscription owned by pluginID in one step and
// returns how many were removed.
func (b *Bus) Purge(pluginID string) int {
	return b.removeWhere(func(s *Subscription) bool {
		return s.owner.PluginID == pluginID
	})
}

// PurgeInstance removes every subscription owned by one plugin instance.
func (b *Bus) PurgeInstance(owner Owner) int {
	return b.removeWhere(func(s *Subscription) bool {
		return s.owner == owner
	})
}

func (b *Bus) remove(target *Subscription) {
	b.removeWhere(func(s *Subscription) bool { return s == target })
}

func (b *Bus) removeWhere(match func(*Subscription) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.current.Load()
	var next *table
	removed := 0
	for topic, subs := range old.topics {
		var kept []*Subscription
		hit := false
		for i, s := range subs {
			if !match(s) {
				if hit {
					kept = append(kept, s)
				}
				continue
			}
			if !hit {
				hit = true
				kept = make([]*Subscription, i, len(subs))
				copy(kept, subs[:i])
			}
			removed++
		}
		if !hit {
			continue
		}
		if next == nil {
			next = old.clone()
		}
		if len(kept) == 0 {
			delete(next.topics, topic)
		} else {
			next.topics[topic] = kept
		}
	}

	if next != nil {
		next.count -= removed
		b.swap(next)
	}
	return removed
}

func (b *Bus) swap(next *table) {
	b.current.Store(next)
	b.metrics.setSubscriptions(next.count)
}

func (t *table) clone() *table {
	topics := make(map[string][]*Subscription, len(t.topics)+1)
	for k, v := range t.topics {
		topics[k] = v
	}
	return &table{topics: topics, count: t.count}
}

// Publish delivers payload to every subscriber of topic, in registration
// order, on the calling goroutine. Handler failures are logged and never
// returned. The only errors are an empty topic or a payload that does not
// match the topic's registered type.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	if topic == "" {
		return ErrInvalidTopic()
	}
	if want := b.PayloadType(topic); want != nil && !payloadMatches(want, payload) {
		return ErrPayloadMismatch(topic, want, payload)
	}

	subs := b.current.Load().topics[topic]
	if len(subs) == 0 {
		return nil
	}

	ctx, span := b.tracer.Start(ctx, "eventbus.Publish",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.Int("subscribers", len(subs)),
		))
	defer span.End()

	b.metrics.recordPublish(topic)
	for _, sub := range subs {
		b.invoke(ctx, sub, payload)
	}
	return nil
}

func (b *Bus) invoke(ctx context.Context, sub *Subscription, payload any) {
	if b.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.handlerTimeout)
		defer cancel()
	}

	ctx, span := b.tracer.Start(ctx, "eventbus.handler",
		trace.WithAttributes(
			attribute.String("plugin", sub.owner.PluginID),
			attribute.String("topic", sub.topic),
		))
	defer span.End()

	start := time.Now()
	err, panicked := call(ctx, sub.handler, payload)
	elapsed := time.Since(start)

	result := resultOK
	switch {
	case panicked:
		result = resultPanic
	case err != nil:
		result = resultError
	}
	b.metrics.recordInvocation(sub.owner.PluginID, sub.topic, result, elapsed)

	if b.handlerTimeout > 0 && elapsed > b.handlerTimeout {
		b.metrics.recordSlow(sub.owner.PluginID, sub.topic)
		b.logger.Warn("event handler exceeded timeout",
			"plugin", sub.owner.PluginID,
			"topic", sub.topic,
			"elapsed", elapsed,
			"timeout", b.handlerTimeout)
	}

	if err == nil {
		return
	}

	derr := dispatchError(sub, err)
	span.RecordError(derr)
	span.SetStatus(codes.Error, "handler failed")

	attrs := []any{"plugin", sub.owner.PluginID, "instance", sub.owner.Instance, "topic", sub.topic}
	if errors.Is(err, context.DeadlineExceeded) {
		errutil.LogWarn(b.logger, "event handler timed out", derr, attrs...)
		return
	}
	errutil.LogError(b.logger, "event handler failed", derr, attrs...)
}

// call runs h, converting a panic into an error.
func call(ctx context.Context, h plugin.Handler, payload any) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
			panicked = true
		}
	}()
	return h(ctx, payload), false
}

func payloadMatches(want reflect.Type, payload any) bool {
	if payload == nil {
		return want.Kind() == reflect.Interface
	}
	return reflect.TypeOf(payload).AssignableTo(want)
}

// TopicInfo describes one topic for diagnostics.
type TopicInfo struct {
	Name        string `json:"name"`
	PayloadType string `json:"payload_type,omitempty"`
	Subscribers int    `json:"subscribers"`
}

// SubscriptionInfo describes one subscription for diagnostics.
type SubscriptionInfo struct {
	Topic    string `json:"topic"`
	PluginID string `json:"plugin"`
	Instance string `json:"instance"`
	Seq      uint64 `json:"seq"`
}

// Topics lists every topic that is registered or has subscribers, sorted by name.
func (b *Bus) Topics() []TopicInfo {
	snap := b.current.Load()

	b.catalogMu.RLock()
	names := make(map[string]reflect.Type, len(b.catalog)+len(snap.topics))
	for name, t := range b.catalog {
		names[name] = t
	}
	b.catalogMu.RUnlock()
	for name := range snap.topics {
		if _, ok := names[name]; !ok {
			names[name] = nil
		}
	}

	infos := make([]TopicInfo, 0, len(names))
	for name, t := range names {
		info := TopicInfo{Name: name, Subscribers: len(snap.topics[name])}
		if t != nil {
			info.PayloadType = t.String()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Subscriptions lists the subscriptions owned by pluginID, or all
// subscriptions when pluginID is empty, in registration order.
func (b *Bus) Subscriptions(pluginID string) []SubscriptionInfo {
	snap := b.current.Load()

	var infos []SubscriptionInfo
	for _, subs := range snap.topics {
		for _, s := range subs {
			if pluginID != "" && s.owner.PluginID != pluginID {
				continue
			}
			infos = append(infos, SubscriptionInfo{
				Topic:    s.topic,
				PluginID: s.owner.PluginID,
				Instance: s.owner.Instance,
				Seq:      s.seq,
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Seq < infos[j].Seq })
	return infos
}

// Count returns the number of live subscriptions.
func (b *Bus) Count() int {
	return b.current.Load().count
}
