// Copyright 2025 Kadir Pekel
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

package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters and histograms for the host-facing
// API and the agent loop it drives.
type Metrics struct {
	registry *prometheus.Registry

	turnsRun             *prometheus.CounterVec
	checkpointsCreated   *prometheus.CounterVec
	rollbacksPerformed   *prometheus.CounterVec
	reverseHandlerErrors prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics builds a fresh, independently-registered Metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.turnsRun = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronoagent",
		Subsystem: "agent",
		Name:      "turns_total",
		Help:      "Total number of agent loop turns run.",
	}, []string{"outer_session_id"})

	m.checkpointsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronoagent",
		Subsystem: "checkpoint",
		Name:      "created_total",
		Help:      "Total number of checkpoints created, by kind.",
	}, []string{"kind"})

	m.rollbacksPerformed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronoagent",
		Subsystem: "branch",
		Name:      "rollbacks_total",
		Help:      "Total number of rollbacks performed, by outcome.",
	}, []string{"outcome"})

	m.reverseHandlerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronoagent",
		Subsystem: "branch",
		Name:      "reverse_handler_errors_total",
		Help:      "Total number of reverse handler failures encountered during rollback.",
	})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronoagent",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests served, by route and status.",
	}, []string{"route", "method", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chronoagent",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	m.registry.MustRegister(
		m.turnsRun, m.checkpointsCreated, m.rollbacksPerformed, m.reverseHandlerErrors,
		m.httpRequests, m.httpDuration,
	)
	return m
}

func (m *Metrics) RecordTurn(outerSessionID string) {
	m.turnsRun.WithLabelValues(outerSessionID).Inc()
}

func (m *Metrics) RecordCheckpointCreated(isAuto bool) {
	kind := "manual"
	if isAuto {
		kind = "auto"
	}
	m.checkpointsCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRollback(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.rollbacksPerformed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordReverseHandlerErrors(n int) {
	if n > 0 {
		m.reverseHandlerErrors.Add(float64(n))
	}
}

func (m *Metrics) recordHTTP(route, method, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(route, method, status).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape endpoint for this Metrics instance.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
