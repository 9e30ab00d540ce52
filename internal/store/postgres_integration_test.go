// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

//go:build integration

package store_test

import (
	"context"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/phira-mp/plughost/internal/store"
)

var _ = Describe("PostgresKV", Ordered, func() {
	var (
		ctx       context.Context
		container *postgres.PostgresContainer
		kv        *store.PostgresKV
	)

	BeforeAll(func() {
		ctx = context.Background()

		var err error
		container, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("plughost_test"),
			postgres.WithUsername("plughost"),
			postgres.WithPassword("plughost"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		Expect(err).NotTo(HaveOccurred())

		url, err := container.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		m, err := store.NewMigrator(url)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Up()).To(Succeed())
		Expect(m.Up()).To(Succeed(), "re-running is a no-op")
		version, dirty, err := m.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(1)))
		Expect(dirty).To(BeFalse())
		Expect(m.Close()).To(Succeed())

		kv, err = store.OpenPostgres(ctx, url)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if kv != nil {
			kv.Close()
		}
		if container != nil {
			Expect(container.Terminate(ctx)).To(Succeed())
		}
	})

	It("round-trips values per plugin", func() {
		Expect(kv.Set(ctx, "auth-test", "logins", []byte("1"))).To(Succeed())
		Expect(kv.Set(ctx, "auth-test", "logins", []byte("2"))).To(Succeed())
		Expect(kv.Set(ctx, "other", "logins", []byte("x"))).To(Succeed())

		Expect(kv.Get(ctx, "auth-test", "logins")).To(Equal([]byte("2")))
		Expect(kv.Get(ctx, "other", "logins")).To(Equal([]byte("x")))
		Expect(kv.Keys(ctx, "auth-test")).To(Equal([]string{"logins"}))
	})

	It("returns nil for absent keys", func() {
		Expect(kv.Get(ctx, "auth-test", "absent")).To(BeNil())
	})

	It("deletes keys", func() {
		Expect(kv.Set(ctx, "auth-test", "tmp", []byte("v"))).To(Succeed())
		Expect(kv.Delete(ctx, "auth-test", "tmp")).To(Succeed())
		Expect(kv.Get(ctx, "auth-test", "tmp")).To(BeNil())
	})

	It("rejects oversized keys with a key error", func() {
		err := kv.Set(ctx, "auth-test", strings.Repeat("k", store.MaxKeyLen+1), []byte("v"))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("rejected key"))
	})
})
