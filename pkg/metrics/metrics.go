// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package metrics wires the connection registry's lifecycle events
// into Prometheus counters/gauges, exposed on an internal /metrics
// mux alongside the proxy listener (spec §6's operational-queries
// surface, supplemented beyond get_connection_ids/get_connection_stats).
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-core-stack/proxychain/pkg/engine"
	"github.com/go-core-stack/proxychain/pkg/registry"
)

const (
	namespace = "proxychain"
)

// Metrics holds every counter/gauge the engine exports, registered
// against its own *prometheus.Registry so multiple Server instances in
// one process (or tests) never collide on the default global registry.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsAccepted  prometheus.Counter
	ConnectionsOpen      prometheus.Gauge
	BytesTotal           *prometheus.CounterVec
	RequestsFailedTotal  *prometheus.CounterVec
	TLSHandshakeFailures prometheus.Counter
}

// New builds a fresh Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total connections accepted by the engine.",
		}),
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Connections currently registered (not yet closed).",
		}),
		BytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Cumulative application-layer bytes moved, by direction.",
		}, []string{"direction"}),
		RequestsFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_failed_total",
			Help:      "Failed requests, by error kind.",
		}, []string{"kind"}),
		TLSHandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_handshake_failures_total",
			Help:      "TLS handshakes that failed before a Connection was registered.",
		}),
	}
}

// Observe subscribes to reg's lifecycle events and keeps the counters
// current. The returned func unsubscribes.
func (m *Metrics) Observe(reg *registry.Registry) func() {
	return reg.Subscribe(func(ev registry.Event) {
		switch ev.Kind {
		case "connection":
			m.ConnectionsAccepted.Inc()
			m.ConnectionsOpen.Inc()
		case "connectionClosed":
			m.ConnectionsOpen.Dec()
			m.BytesTotal.WithLabelValues("src_tx").Add(float64(ev.Stats.SrcTxBytes))
			m.BytesTotal.WithLabelValues("src_rx").Add(float64(ev.Stats.SrcRxBytes))
			m.BytesTotal.WithLabelValues("trg_tx").Add(float64(ev.Stats.TrgTxBytes))
			m.BytesTotal.WithLabelValues("trg_rx").Add(float64(ev.Stats.TrgRxBytes))
		case "requestFailed":
			m.RequestsFailedTotal.WithLabelValues(kindLabel(ev.Err)).Inc()
		case "tlsError":
			m.TLSHandshakeFailures.Inc()
		}
	})
}

// kindLabel extracts the engine.Kind string from err, falling back to
// "unknown" for failures the registry records that never passed
// through the engine's error taxonomy (e.g. a raw read error).
func kindLabel(err error) string {
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		return engErr.Kind.String()
	}
	return "unknown"
}

// Handler returns the /metrics HTTP handler for this Metrics instance.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
