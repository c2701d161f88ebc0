package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Labels to use for partitioning requests.
	requestLabels = []string{"client", "endpoint", "status"}

	// Labels to use for partitioning request latencies.
	requestLatencyLabels = []string{"client", "endpoint"}
)

// RequestMetrics instruments outgoing requests to external services
// (RPC nodes, subgraph, beacon API, alert webhooks).
type RequestMetrics struct {
	client string

	// Counts of requests made to each external endpoint.
	requestCounts *prometheus.CounterVec

	// Latencies of outgoing requests.
	requestLatencies *prometheus.HistogramVec
}

// NewDefaultRequestMetrics creates Prometheus metric instrumentation for
// outgoing requests made by the given client. Default metrics include:
//
// 1. Counts of requests, by endpoint and status.
// 2. Latencies for requests.
func NewDefaultRequestMetrics(pkg string, client string) RequestMetrics {
	metrics := RequestMetrics{
		client: client,
		requestCounts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_external_requests", pkg),
				Help: "How many requests were made to external services, partitioned by client, endpoint and status.",
			},
			requestLabels,
		),
		requestLatencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: fmt.Sprintf("%s_external_request_latencies", pkg),
				Help: "How long external requests take, partitioned by client and endpoint.",
			},
			requestLatencyLabels,
		),
	}
	metrics.requestCounts = registerOnce(metrics.requestCounts).(*prometheus.CounterVec)
	metrics.requestLatencies = registerOnce(metrics.requestLatencies).(*prometheus.HistogramVec)
	return metrics
}

// RequestCounter returns the counter for a finished request.
func (m *RequestMetrics) RequestCounter(endpoint string, status string) prometheus.Counter {
	return m.requestCounts.WithLabelValues(m.client, endpoint, status)
}

// RequestTimer creates a new latency timer for the provided endpoint.
func (m *RequestMetrics) RequestTimer(endpoint string) *prometheus.Timer {
	return prometheus.NewTimer(m.requestLatencies.WithLabelValues(m.client, endpoint))
}

// Observe records a finished request.
func (m *RequestMetrics) Observe(endpoint string, timer *prometheus.Timer, err error) {
	timer.ObserveDuration()
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.RequestCounter(endpoint, status).Inc()
}
