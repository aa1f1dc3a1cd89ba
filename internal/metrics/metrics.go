// Copyright 2025 The Opsforge Authors
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

// Package metrics holds the Prometheus instrumentation for the control
// plane. Collectors register on the default registry so the /metrics
// endpoint only needs promhttp.Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsforge_http_requests_total",
			Help: "Total HTTP requests by method, route pattern and status code",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsforge_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	rateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsforge_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by limiter name",
		},
		[]string{"limiter"},
	)

	jobsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsforge_jobs_created_total",
			Help: "Jobs accepted for execution by kind",
		},
		[]string{"kind"},
	)

	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsforge_jobs_completed_total",
			Help: "Jobs reaching a terminal status, by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	jobsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsforge_jobs_concurrency_rejected_total",
			Help: "Job submissions rejected by concurrency admission",
		},
	)

	approvalsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsforge_approvals_pending",
			Help: "Approval requests currently pending",
		},
	)

	approvalsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsforge_approvals_resolved_total",
			Help: "Approval requests resolved, by outcome",
		},
		[]string{"outcome"},
	)

	schedulerDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsforge_scheduler_decisions_total",
			Help: "Runner scheduling decisions, by result",
		},
		[]string{"result"},
	)

	runnersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsforge_runners_online",
			Help: "Runners currently reporting a healthy heartbeat",
		},
	)

	brokerPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsforge_broker_publishes_total",
			Help: "AMQP publishes by exchange and result",
		},
		[]string{"exchange", "result"},
	)

	brokerDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsforge_broker_deliveries_total",
			Help: "AMQP deliveries consumed, by queue and result",
		},
		[]string{"queue", "result"},
	)

	sseSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opsforge_sse_subscribers",
			Help: "Active SSE subscribers by topic class",
		},
		[]string{"topic"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest observes one completed request.
func RecordHTTPRequest(method, route, status string, seconds float64) {
	httpRequests.WithLabelValues(method, route, status).Inc()
	httpDuration.WithLabelValues(method, route).Observe(seconds)
}

// RecordRateLimited increments the rejection counter for a limiter.
func RecordRateLimited(limiter string) {
	rateLimited.WithLabelValues(limiter).Inc()
}

// RecordJobCreated increments the accepted-job counter.
func RecordJobCreated(kind string) {
	jobsCreated.WithLabelValues(kind).Inc()
}

// RecordJobCompleted increments the terminal-status counter.
func RecordJobCompleted(kind, status string) {
	jobsCompleted.WithLabelValues(kind, status).Inc()
}

// RecordJobRejected counts a concurrency admission rejection.
func RecordJobRejected() {
	jobsRejected.Inc()
}

// SetPendingApprovals reports the current pending-approval count.
func SetPendingApprovals(n int) {
	approvalsOpen.Set(float64(n))
}

// RecordApprovalResolved counts a resolved approval request.
func RecordApprovalResolved(outcome string) {
	approvalsResolved.WithLabelValues(outcome).Inc()
}

// RecordSchedulerDecision counts a scheduling attempt outcome
// ("scheduled", "no_runner", "error").
func RecordSchedulerDecision(result string) {
	schedulerDecisions.WithLabelValues(result).Inc()
}

// SetRunnersOnline reports the current healthy runner count.
func SetRunnersOnline(n int) {
	runnersOnline.Set(float64(n))
}

// RecordBrokerPublish counts one publish attempt.
func RecordBrokerPublish(exchange, result string) {
	brokerPublishes.WithLabelValues(exchange, result).Inc()
}

// RecordBrokerDelivery counts one consumed delivery.
func RecordBrokerDelivery(queue, result string) {
	brokerDeliveries.WithLabelValues(queue, result).Inc()
}

// AddSSESubscriber adjusts the subscriber gauge by delta.
func AddSSESubscriber(topic string, delta int) {
	sseSubscribers.WithLabelValues(topic).Add(float64(delta))
}
