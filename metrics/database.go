package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// DatabaseMetrics instruments statements sent to the state store.
type DatabaseMetrics struct {
	db string

	// Counts of database operations, by operation and status.
	operations *prometheus.CounterVec

	// Latencies of database operations.
	latencies *prometheus.HistogramVec
}

// NewDefaultDatabaseMetrics creates the database instrumentation for the
// named backend.
func NewDefaultDatabaseMetrics(pkg string, db string) DatabaseMetrics {
	metrics := DatabaseMetrics{
		db: db,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_db_operations", pkg),
				Help: "How many database operations occur, partitioned by operation and status.",
			},
			[]string{"database", "operation", "status"},
		),
		latencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    fmt.Sprintf("%s_db_latencies", pkg),
				Help:    "How long database operations take, partitioned by operation.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"database", "operation"},
		),
	}
	metrics.operations = registerOnce(metrics.operations).(*prometheus.CounterVec)
	metrics.latencies = registerOnce(metrics.latencies).(*prometheus.HistogramVec)
	return metrics
}

// Timer starts a latency timer for the operation.
func (m *DatabaseMetrics) Timer(operation string) *prometheus.Timer {
	return prometheus.NewTimer(m.latencies.WithLabelValues(m.db, operation))
}

// Observe records a finished operation.
func (m *DatabaseMetrics) Observe(operation string, timer *prometheus.Timer, err error) {
	timer.ObserveDuration()
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.operations.WithLabelValues(m.db, operation, status).Inc()
}
