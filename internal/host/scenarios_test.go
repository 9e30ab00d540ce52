// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package host_test

import (
	"context"
	"errors"
	"log/slog"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/prometheus/client_golang/prometheus"

	"github.com/phira-mp/plughost/internal/config"
	"github.com/phira-mp/plughost/internal/host"
	plugins "github.com/phira-mp/plughost/internal/plugin"
	"github.com/phira-mp/plughost/pkg/errutil"
	"github.com/phira-mp/plughost/pkg/plugin"
)

// recorder collects handler invocations in call order.
type recorder struct {
	calls []string
	seen  []plugin.AuthSuccess
}

func (r *recorder) module(name, handler string, fail error) plugin.Module {
	return plugin.NewModule(plugin.Metadata{Name: name, Version: "1.0.0"},
		func(ctx plugin.Context) (plugin.Teardown, error) {
			return nil, plugin.On(ctx, plugin.AuthSuccessTopic, func(_ context.Context, ev plugin.AuthSuccess) error {
				r.calls = append(r.calls, handler)
				r.seen = append(r.seen, ev)
				return fail
			})
		})
}

var _ = Describe("Host", func() {
	var (
		ctx  context.Context
		h    *host.Host
		logs *syncBuffer
		rec  *recorder
		conn *fakeConn
	)

	publish := func(name string) {
		Expect(h.AuthSucceeded(ctx, conn, plugin.UserInfo{ID: 42, Name: name}, handlerName("phira"))).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		logs = &syncBuffer{}
		rec = &recorder{}
		conn = &fakeConn{id: "conn-1"}

		cfg := config.Default()
		cfg.Plugins.Dir = GinkgoT().TempDir()
		cfg.Plugins.Watch = false

		var err error
		h, err = host.New(ctx, cfg,
			host.WithLogger(slog.New(slog.NewTextHandler(logs, nil))),
			host.WithRegisterer(prometheus.NewRegistry()))
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Start(ctx)).To(Succeed())
	})

	AfterEach(func() {
		Expect(h.Close(ctx)).To(Succeed())
	})

	Describe("publishing auth.success", func() {
		It("invokes a single subscriber exactly once with the payload", func() {
			_, err := h.LoadModule(ctx, rec.module("a", "h1", nil))
			Expect(err).NotTo(HaveOccurred())

			publish("alice")

			Expect(rec.calls).To(Equal([]string{"h1"}))
			Expect(rec.seen[0].User.Name).To(Equal("alice"))
			Expect(rec.seen[0].Conn).To(BeIdenticalTo(conn))
			Expect(rec.seen[0].Handler.Name()).To(Equal("phira"))
		})

		It("invokes subscribers in registration order and stops calling an unloaded plugin", func() {
			_, err := h.LoadModule(ctx, rec.module("a", "h1", nil))
			Expect(err).NotTo(HaveOccurred())
			_, err = h.LoadModule(ctx, rec.module("b", "h2", nil))
			Expect(err).NotTo(HaveOccurred())

			publish("alice")
			Expect(rec.calls).To(Equal([]string{"h1", "h2"}))

			Expect(h.UnloadPlugin(ctx, "a")).To(Succeed())
			rec.calls = nil
			publish("alice")
			Expect(rec.calls).To(Equal([]string{"h2"}))
		})

		It("logs a failing handler with its plugin and topic and still reaches the next subscriber", func() {
			_, err := h.LoadModule(ctx, rec.module("a", "h1", errors.New("handler exploded")))
			Expect(err).NotTo(HaveOccurred())
			_, err = h.LoadModule(ctx, rec.module("b", "h2", nil))
			Expect(err).NotTo(HaveOccurred())

			publish("alice")

			Expect(rec.calls).To(Equal([]string{"h1", "h2"}))
			Expect(logs.String()).To(ContainSubstring("event handler failed"))
			Expect(logs.String()).To(ContainSubstring("plugin=a"))
			Expect(logs.String()).To(ContainSubstring("topic=auth.success"))
		})
	})

	Describe("a setup that fails after subscribing", func() {
		It("leaves no subscriptions and no live plugin behind", func() {
			failing := plugin.NewModule(plugin.Metadata{Name: "c", Version: "1.0.0"},
				func(pctx plugin.Context) (plugin.Teardown, error) {
					if err := pctx.On(plugin.TopicAuthSuccess, func(context.Context, any) error { return nil }); err != nil {
						return nil, err
					}
					return nil, errors.New("setup blew up")
				})

			_, err := h.LoadModule(ctx, failing)
			Expect(err).To(HaveOccurred())
			Expect(errutil.HasCode(err, plugins.CodeLoadFailed)).To(BeTrue())

			Expect(h.Bus().Subscriptions("c")).To(BeEmpty())
			Expect(h.Plugins()).To(BeEmpty())
			_, err = h.Subscriptions("c")
			Expect(errutil.HasCode(err, plugins.CodeNotLoaded)).To(BeTrue())
		})
	})

	Describe("reloading", func() {
		It("replaces the instance without duplicating subscriptions", func() {
			first, err := h.LoadModule(ctx, rec.module("a", "h1", nil))
			Expect(err).NotTo(HaveOccurred())

			second, err := h.ReloadPlugin(ctx, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Instance).NotTo(Equal(first.Instance))

			publish("alice")
			Expect(rec.calls).To(Equal([]string{"h1"}))
		})
	})
})
