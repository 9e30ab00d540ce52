// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package eventbus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Handler invocation results.
const (
	resultOK    = "ok"
	resultError = "error"
	resultPanic = "panic"
)

// Metrics records bus activity. A nil *Metrics records nothing.
type Metrics struct {
	published     *prometheus.CounterVec
	invocations   *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	slowHandlers  *prometheus.CounterVec
	subscriptions prometheus.Gauge
}

// NewMetrics creates bus metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plughost_events_published_total",
			Help: "Total number of events published that had at least one subscriber",
		}, []string{"topic"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plughost_handler_invocations_total",
			Help: "Total number of handler invocations by plugin, topic and result",
		}, []string{"plugin", "topic", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "plughost_handler_duration_seconds",
			Help:    "Histogram of event handler latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
		slowHandlers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plughost_handler_timeouts_total",
			Help: "Total number of handler invocations that exceeded the handler timeout",
		}, []string{"plugin", "topic"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plughost_subscriptions",
			Help: "Number of live subscriptions",
		}),
	}

	reg.MustRegister(m.published, m.invocations, m.duration, m.slowHandlers, m.subscriptions)
	return m
}

func (m *Metrics) recordPublish(topic string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic).Inc()
}

func (m *Metrics) recordInvocation(pluginID, topic, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(pluginID, topic, result).Inc()
	m.duration.WithLabelValues(topic).Observe(elapsed.Seconds())
}

func (m *Metrics) recordSlow(pluginID, topic string) {
	if m == nil {
		return
	}
	m.slowHandlers.WithLabelValues(pluginID, topic).Inc()
}

func (m *Metrics) setSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}
