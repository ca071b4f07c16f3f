/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package metrics exposes router-wide counters and gauges over
Prometheus, following the same promhttp.Handler wiring facebook/time's
sptp stats.PrometheusExporter uses.
*/
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clasp-router/clasp/wire"
)

// Registry holds the router's Prometheus collectors. It is safe for
// concurrent use: every method delegates to the collector's own
// thread-safe Add/Set/Inc.
type Registry struct {
	registry *prometheus.Registry

	Sessions       prometheus.Gauge
	SessionsTotal  prometheus.Counter
	MessagesIn     prometheus.Counter
	MessagesOut    prometheus.Counter
	EgressDrops    prometheus.Counter
	Overloads      prometheus.Counter
	SetConflicts   prometheus.Counter
	ParamEntries   prometheus.Gauge
	TTLSweepRemoved prometheus.Counter
	GestureFlushes prometheus.Counter
	Errors         *prometheus.CounterVec
}

// New builds a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		registry: reg,
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clasp_sessions_active",
			Help: "Number of sessions currently in the Active state.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_sessions_total",
			Help: "Total sessions ever accepted.",
		}),
		MessagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_messages_in_total",
			Help: "Total inbound messages decoded.",
		}),
		MessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_messages_out_total",
			Help: "Total outbound messages encoded.",
		}),
		EgressDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_egress_drops_total",
			Help: "Total Fire-QoS messages dropped from egress queues.",
		}),
		Overloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_overloaded_total",
			Help: "Total Overloaded (503) errors synthesized.",
		}),
		SetConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_set_conflicts_total",
			Help: "Total RevisionConflict/LockHeld outcomes from the parameter store.",
		}),
		ParamEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clasp_param_entries",
			Help: "Number of live parameter store entries.",
		}),
		TTLSweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_ttl_sweep_removed_total",
			Help: "Total parameter entries removed by the TTL sweeper.",
		}),
		GestureFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clasp_gesture_flushes_total",
			Help: "Total gesture publications flushed by the gesture sweep (coalesced Moves and synthetic Cancels).",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clasp_errors_total",
			Help: "Total Error messages sent to peers, by code.",
		}, []string{"code"}),
	}
	reg.MustRegister(m.Sessions, m.SessionsTotal, m.MessagesIn, m.MessagesOut,
		m.EgressDrops, m.Overloads, m.SetConflicts, m.ParamEntries,
		m.TTLSweepRemoved, m.GestureFlushes, m.Errors)
	return m
}

// Handler returns the http.Handler that serves this registry's metrics
// at /metrics.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ListenAndServe blocks serving /metrics on addr (e.g. ":9770").
func (m *Registry) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}

// ErrorCode records one Error message sent with the given code.
func (m *Registry) ErrorCode(code wire.ErrorCode) {
	m.Errors.WithLabelValues(fmt.Sprintf("%d", uint16(code))).Inc()
}
