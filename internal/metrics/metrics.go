// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the control plane's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the server collectors on a private registry so tests
// can hold independent instances.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsTotal     *prometheus.CounterVec
	ExecutionsByState   *prometheus.GaugeVec
	DispatchLatency     prometheus.Histogram
	CheckpointConflicts prometheus.Counter
	CheckpointEvents    prometheus.Counter
	ConnectedWorkers    prometheus.Gauge
	ClaimsTotal         *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flux_executions_total",
			Help: "Executions reaching a terminal state, by state.",
		}, []string{"state"}),
		ExecutionsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flux_executions_current",
			Help: "Executions currently in each non-terminal state.",
		}, []string{"state"}),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flux_dispatch_latency_seconds",
			Help:    "Time from SCHEDULED to a successful claim.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		CheckpointConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flux_checkpoint_conflicts_total",
			Help: "Checkpoint appends rejected by the sequence CAS.",
		}),
		CheckpointEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flux_checkpoint_events_total",
			Help: "Events durably appended through checkpoints.",
		}),
		ConnectedWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flux_connected_workers",
			Help: "Workers with a live control stream.",
		}),
		ClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flux_claims_total",
			Help: "Claim attempts by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionsByState,
		m.DispatchLatency,
		m.CheckpointConflicts,
		m.CheckpointEvents,
		m.ConnectedWorkers,
		m.ClaimsTotal,
	)
	return m
}

// Handler serves the /metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
