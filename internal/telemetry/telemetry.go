// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry wires the self-telemetry Prometheus registry
// (prometheus.NewRegistry plus the Go and process collectors). The
// registry is an injected collaborator passed into the proxy handler,
// rather than ambient global state, so the core stays testable.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every metric the core emits: an active-requests
// backpressure gauge, plus upstream and sample counters.
type Metrics struct {
	Registry *prometheus.Registry

	ActiveRequests        prometheus.Gauge
	UpstreamRequestsTotal *prometheus.CounterVec
	UpstreamRequestDur    *prometheus.HistogramVec
	SamplesTotal          *prometheus.CounterVec
}

// New constructs a registry pre-loaded with the Go/process collectors and
// registers the core's own metrics on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metrics_proxy_active_requests",
			Help: "Number of scrape requests currently being handled.",
		}),
		UpstreamRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metrics_proxy_upstream_requests_total",
			Help: "Count of handler outcomes per proxy.",
		}, []string{"proxy", "outcome"}),
		UpstreamRequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "metrics_proxy_upstream_request_duration_seconds",
			Help: "Latency of upstream GET requests per proxy.",
		}, []string{"proxy"}),
		SamplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metrics_proxy_samples_total",
			Help: "Count of samples by filter verdict per proxy.",
		}, []string{"proxy", "verdict"}),
	}
	reg.MustRegister(m.ActiveRequests, m.UpstreamRequestsTotal, m.UpstreamRequestDur, m.SamplesTotal)
	return m
}
