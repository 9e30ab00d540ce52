// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/phira-mp/plughost/pkg/errutil"
	"github.com/phira-mp/plughost/pkg/plugin"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func owner(id string) Owner {
	return Owner{PluginID: id, Instance: id + "-1"}
}

// logRecords decodes JSON log lines written to buf.
func logRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func newTestBus(opts ...Option) (*Bus, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(append([]Option{WithLogger(logger)}, opts...)...), &buf
}

func TestPublish_SingleSubscriber(t *testing.T) {
	bus, _ := newTestBus()

	var got []any
	_, err := bus.Subscribe("t", owner("p"), nil, func(_ context.Context, payload any) error {
		got = append(got, payload)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "t", 42))
	assert.Equal(t, []any{42}, got)
}

func TestPublish_RegistrationOrder(t *testing.T) {
	bus, _ := newTestBus()

	var order []string
	record := func(name string) plugin.Handler {
		return func(context.Context, any) error {
			order = append(order, name)
			return nil
		}
	}
	for _, name := range []string{"a", "b", "c"} {
		_, err := bus.Subscribe("t", owner(name), nil, record(name))
		require.NoError(t, err)
	}

	require.NoError(t, bus.Publish(context.Background(), "t", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	bus, buf := newTestBus()

	require.NoError(t, bus.Publish(context.Background(), "nobody", "x"))
	assert.Empty(t, buf.String())
}

func TestPublish_EmptyTopic(t *testing.T) {
	bus, _ := newTestBus()

	err := bus.Publish(context.Background(), "", nil)
	errutil.AssertErrorCode(t, err, CodeInvalidTopic)
}

func TestPublish_HandlerErrorIsolated(t *testing.T) {
	bus, buf := newTestBus()

	_, err := bus.Subscribe("t", owner("bad"), nil, func(context.Context, any) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	called := false
	_, err = bus.Subscribe("t", owner("good"), nil, func(context.Context, any) error {
		called = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "t", nil))
	assert.True(t, called)

	recs := logRecords(t, buf)
	require.Len(t, recs, 1)
	assert.Equal(t, "ERROR", recs[0]["level"])
	assert.Equal(t, "event handler failed", recs[0]["msg"])
	assert.Equal(t, "bad", recs[0]["plugin"])
	assert.Equal(t, "t", recs[0]["topic"])
	assert.Equal(t, CodeDispatchFailed, recs[0]["code"])
	assert.Contains(t, recs[0]["error"], "boom")
}

func TestPublish_HandlerPanicIsolated(t *testing.T) {
	bus, buf := newTestBus()

	_, err := bus.Subscribe("t", owner("panicky"), nil, func(context.Context, any) error {
		panic("kaboom")
	})
	require.NoError(t, err)

	called := false
	_, err = bus.Subscribe("t", owner("good"), nil, func(context.Context, any) error {
		called = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "t", nil))
	assert.True(t, called)

	recs := logRecords(t, buf)
	require.Len(t, recs, 1)
	assert.Equal(t, "panicky", recs[0]["plugin"])
	assert.Contains(t, recs[0]["error"], "kaboom")
}

func TestSubscribe_Validation(t *testing.T) {
	bus, _ := newTestBus()

	_, err := bus.Subscribe("", owner("p"), nil, func(context.Context, any) error { return nil })
	errutil.AssertErrorCode(t, err, CodeInvalidTopic)

	_, err = bus.Subscribe("t", owner("p"), nil, nil)
	errutil.AssertErrorCode(t, err, CodeInvalidHandler)

	assert.Zero(t, bus.Count())
}

func TestSubscription_Cancel(t *testing.T) {
	bus, _ := newTestBus()

	calls := 0
	sub, err := bus.Subscribe("t", owner("p"), nil, func(context.Context, any) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "t", sub.Topic())
	assert.Equal(t, owner("p"), sub.Owner())

	later, err := bus.Subscribe("u", owner("p"), nil, func(context.Context, any) error { return nil })
	require.NoError(t, err)
	assert.Greater(t, later.Seq(), sub.Seq())
	later.Cancel()

	sub.Cancel()
	sub.Cancel()

	require.NoError(t, bus.Publish(context.Background(), "t", nil))
	assert.Zero(t, calls)
	assert.Zero(t, bus.Count())
}

func TestPurge(t *testing.T) {
	bus, _ := newTestBus()
	noop := func(context.Context, any) error { return nil }

	for _, topic := range []string{"a", "b", "c"} {
		_, err := bus.Subscribe(topic, owner("victim"), nil, noop)
		require.NoError(t, err)
	}
	_, err := bus.Subscribe("a", owner("other"), nil, noop)
	require.NoError(t, err)

	assert.Equal(t, 3, bus.Purge("victim"))
	assert.Equal(t, 1, bus.Count())
	assert.Empty(t, bus.Subscriptions("victim"))
	assert.Len(t, bus.Subscriptions("other"), 1)

	assert.Zero(t, bus.Purge("victim"))
	assert.Zero(t, bus.Purge("never-loaded"))
}

func TestPurgeInstance_LeavesOtherInstances(t *testing.T) {
	bus, _ := newTestBus()
	noop := func(context.Context, any) error { return nil }

	old := Owner{PluginID: "p", Instance: "old"}
	cur := Owner{PluginID: "p", Instance: "new"}
	_, err := bus.Subscribe("t", old, nil, noop)
	require.NoError(t, err)
	_, err = bus.Subscribe("t", cur, nil, noop)
	require.NoError(t, err)

	assert.Equal(t, 1, bus.PurgeInstance(old))
	subs := bus.Subscriptions("p")
	require.Len(t, subs, 1)
	assert.Equal(t, "new", subs[0].Instance)
}

func TestPublish_SnapshotDuringHandlerMutation(t *testing.T) {
	bus, _ := newTestBus()

	var order []string
	_, err := bus.Subscribe("t", owner("a"), nil, func(context.Context, any) error {
		order = append(order, "a")
		bus.Purge("b")
		_, subErr := bus.Subscribe("t", owner("late"), nil, func(context.Context, any) error {
			order = append(order, "late")
			return nil
		})
		return subErr
	})
	require.NoError(t, err)
	_, err = bus.Subscribe("t", owner("b"), nil, func(context.Context, any) error {
		order = append(order, "b")
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "t", nil))
	assert.Equal(t, []string{"a", "b"}, order, "in-flight publish uses its snapshot")

	order = nil
	require.NoError(t, bus.Publish(context.Background(), "t", nil))
	assert.Equal(t, []string{"a", "late"}, order)
}

func TestPublish_ReentrantPublish(t *testing.T) {
	bus, _ := newTestBus()

	var got []string
	_, err := bus.Subscribe("outer", owner("p"), nil, func(ctx context.Context, _ any) error {
		got = append(got, "outer")
		return bus.Publish(ctx, "inner", nil)
	})
	require.NoError(t, err)
	_, err = bus.Subscribe("inner", owner("p"), nil, func(context.Context, any) error {
		got = append(got, "inner")
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "outer", nil))
	assert.Equal(t, []string{"outer", "inner"}, got)
}

func TestTypedTopics(t *testing.T) {
	topic := plugin.NewTopic[string]("greeting")
	bus, _ := newTestBus(WithTopics(topic))

	t.Run("subscribe with matching type", func(t *testing.T) {
		_, err := bus.Subscribe("greeting", owner("p"), reflect.TypeFor[string](), func(context.Context, any) error { return nil })
		require.NoError(t, err)
	})

	t.Run("subscribe with mismatched type", func(t *testing.T) {
		_, err := bus.Subscribe("greeting", owner("p"), reflect.TypeFor[int](), func(context.Context, any) error { return nil })
		errutil.AssertErrorCode(t, err, CodeTopicTypeMismatch)
	})

	t.Run("untyped subscribe is allowed", func(t *testing.T) {
		_, err := bus.Subscribe("greeting", owner("q"), nil, func(context.Context, any) error { return nil })
		require.NoError(t, err)
	})

	t.Run("publish wrong payload", func(t *testing.T) {
		err := bus.Publish(context.Background(), "greeting", 7)
		errutil.AssertErrorCode(t, err, CodePayloadMismatch)
	})

	t.Run("publish right payload", func(t *testing.T) {
		require.NoError(t, bus.Publish(context.Background(), "greeting", "hi"))
	})

	t.Run("register conflicting type", func(t *testing.T) {
		err := bus.Register(plugin.NewTopic[int]("greeting"))
		errutil.AssertErrorCode(t, err, CodeTopicTypeMismatch)
	})

	t.Run("register same type again", func(t *testing.T) {
		require.NoError(t, bus.Register(plugin.NewTopic[string]("greeting")))
	})
}

func TestPublish_InterfacePayload(t *testing.T) {
	bus, _ := newTestBus(WithTopics(plugin.NewTopic[error]("failures")))

	require.NoError(t, bus.Publish(context.Background(), "failures", errors.New("x")))
	require.NoError(t, bus.Publish(context.Background(), "failures", nil))
	errutil.AssertErrorCode(t, bus.Publish(context.Background(), "failures", "x"), CodePayloadMismatch)
}

func TestHandlerTimeout(t *testing.T) {
	bus, buf := newTestBus(WithHandlerTimeout(10 * time.Millisecond))
	assert.Equal(t, 10*time.Millisecond, bus.HandlerTimeout())

	_, err := bus.Subscribe("t", owner("slow"), nil, func(ctx context.Context, _ any) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	called := false
	_, err = bus.Subscribe("t", owner("next"), nil, func(ctx context.Context, _ any) error {
		called = true
		return ctx.Err()
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "t", nil))
	assert.True(t, called, "next handler gets a fresh deadline")

	recs := logRecords(t, buf)
	require.NotEmpty(t, recs)
	var sawTimeout bool
	for _, rec := range recs {
		if rec["msg"] == "event handler timed out" {
			sawTimeout = true
			assert.Equal(t, "WARN", rec["level"])
			assert.Equal(t, "slow", rec["plugin"])
		}
	}
	assert.True(t, sawTimeout)
}

func TestTopicsAndSubscriptions(t *testing.T) {
	bus, _ := newTestBus(WithTopics(plugin.AuthSuccessTopic))
	noop := func(context.Context, any) error { return nil }

	_, err := bus.Subscribe("z.custom", owner("p"), nil, noop)
	require.NoError(t, err)
	_, err = bus.Subscribe(plugin.TopicAuthSuccess, owner("p"), nil, noop)
	require.NoError(t, err)

	topics := bus.Topics()
	require.Len(t, topics, 2)
	assert.Equal(t, plugin.TopicAuthSuccess, topics[0].Name)
	assert.Equal(t, "plugin.AuthSuccess", topics[0].PayloadType)
	assert.Equal(t, 1, topics[0].Subscribers)
	assert.Equal(t, "z.custom", topics[1].Name)
	assert.Empty(t, topics[1].PayloadType)

	subs := bus.Subscriptions("")
	require.Len(t, subs, 2)
	assert.Equal(t, "z.custom", subs[0].Topic)
	assert.Less(t, subs[0].Seq, subs[1].Seq)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	bus, _ := newTestBus(WithMetrics(m))

	_, err := bus.Subscribe("t", owner("ok"), nil, func(context.Context, any) error { return nil })
	require.NoError(t, err)
	_, err = bus.Subscribe("t", owner("bad"), nil, func(context.Context, any) error { return errors.New("no") })
	require.NoError(t, err)
	_, err = bus.Subscribe("t", owner("panic"), nil, func(context.Context, any) error { panic("x") })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "t", nil))
	require.NoError(t, bus.Publish(context.Background(), "unheard", nil))

	assert.InDelta(t, 1, testutil.ToFloat64(m.published.WithLabelValues("t")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.published.WithLabelValues("unheard")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.invocations.WithLabelValues("ok", "t", resultOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.invocations.WithLabelValues("bad", "t", resultError)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.invocations.WithLabelValues("panic", "t", resultPanic)), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.subscriptions), 0)

	bus.Purge("bad")
	assert.InDelta(t, 2, testutil.ToFloat64(m.subscriptions), 0)
}

func TestConcurrentPublishAndPurge(t *testing.T) {
	bus, _ := newTestBus()

	var delivered atomic.Int64
	handler := func(context.Context, any) error {
		delivered.Add(1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = bus.Publish(context.Background(), "t", j)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = bus.Subscribe("t", owner("churn"), nil, handler)
				_, _ = bus.Subscribe("u", owner("churn"), nil, handler)
				bus.Purge("churn")
			}
		}()
	}
	wg.Wait()

	bus.Purge("churn")
	assert.Zero(t, bus.Count())
}

// A publish must see either all or none of a plugin's subscriptions.
// Subscribing a then b passes through (1,0); a purge that was not atomic
// would expose (0,1).
func TestPurge_AtomicAcrossTopics(t *testing.T) {
	bus, _ := newTestBus()
	noop := func(context.Context, any) error { return nil }

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var torn atomic.Bool

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := bus.current.Load()
			if len(snap.topics["a"]) < len(snap.topics["b"]) {
				torn.Store(true)
			}
		}
	}()

	for i := 0; i < 500; i++ {
		_, err := bus.Subscribe("a", owner("p"), nil, noop)
		require.NoError(t, err)
		_, err = bus.Subscribe("b", owner("p"), nil, noop)
		require.NoError(t, err)
		require.Equal(t, 2, bus.Purge("p"))
	}
	close(stop)
	wg.Wait()

	assert.False(t, torn.Load())
	assert.Zero(t, bus.Count())
}
