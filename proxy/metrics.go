// Copyright 2026 The Outline Authors
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

package proxy

import (
	"strconv"
	"time"

	"github.com/Jigsaw-Code/rewrite-proxy/rewrite"
	"github.com/Jigsaw-Code/rewrite-proxy/route"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by [Handler]. A nil *Metrics records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	refusals        *prometheus.CounterVec
	rewrites        *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
}

// NewMetrics creates the proxy collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_requests_total",
			Help: "Requests handled, by route kind and response status code.",
		}, []string{"route", "code"}),
		refusals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_refusals_total",
			Help: "Requests and redirects refused because the host is not allow-listed.",
		}, []string{"route", "reason"}),
		rewrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_rewrites_total",
			Help: "Response bodies rewritten, by content class.",
		}, []string{"class"}),
		upstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rewrite_proxy_upstream_duration_seconds",
			Help:    "Time until the upstream response headers arrive.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) request(kind route.Kind, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind.String(), strconv.Itoa(code)).Inc()
}

func (m *Metrics) refusal(kind route.Kind, redirect bool) {
	if m == nil {
		return
	}
	reason := "target"
	if redirect {
		reason = "redirect"
	}
	m.refusals.WithLabelValues(kind.String(), reason).Inc()
}

func (m *Metrics) rewrite(class rewrite.Class) {
	if m == nil {
		return
	}
	m.rewrites.WithLabelValues(class.String()).Inc()
}

func (m *Metrics) upstream(kind route.Kind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamLatency.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}
