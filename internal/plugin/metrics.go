// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is an Observer that records lifecycle transitions.
type Metrics struct {
	loads       *prometheus.CounterVec
	unloads     prometheus.Counter
	active      prometheus.Gauge
	transitions *prometheus.CounterVec
}

var _ Observer = (*Metrics)(nil)

// NewMetrics creates registry metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plughost_plugin_loads_total",
			Help: "Total number of plugin loads by result",
		}, []string{"result"}),
		unloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plughost_plugin_unloads_total",
			Help: "Total number of plugin unloads",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plughost_plugins_active",
			Help: "Number of active plugins",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plughost_plugin_transitions_total",
			Help: "Total number of plugin lifecycle transitions",
		}, []string{"from", "to"}),
	}
	reg.MustRegister(m.loads, m.unloads, m.active, m.transitions)
	return m
}

// Observe implements Observer.
func (m *Metrics) Observe(t Transition) {
	m.transitions.WithLabelValues(t.From.String(), t.To.String()).Inc()

	switch {
	case t.From == StateLoading && t.To == StateActive:
		m.loads.WithLabelValues("ok").Inc()
		m.active.Inc()
	case t.From == StateLoading && t.To == StateUnloaded:
		m.loads.WithLabelValues("failed").Inc()
	case t.From == StateActive && t.To == StateTearingDown:
		m.active.Dec()
	case t.From == StateTearingDown && t.To == StateUnloaded:
		m.unloads.Inc()
	}
}
