package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// TaskMetrics instruments the periodic daemon tasks.
type TaskMetrics struct {
	task string

	ticks          *prometheus.CounterVec
	tickLatencies  *prometheus.HistogramVec
	tokenFailures  *prometheus.CounterVec
	removals       *prometheus.CounterVec
	flaggedKeys    *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	lastCheckpoint *prometheus.GaugeVec
}

// NewDefaultTaskMetrics creates Prometheus metric instrumentation for a task.
func NewDefaultTaskMetrics(task string) TaskMetrics {
	pkg := "keyguard"
	metrics := TaskMetrics{
		task: task,
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_task_ticks", pkg),
				Help: "How many task ticks ran, partitioned by task and status.",
			},
			[]string{"task", "status"},
		),
		tickLatencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    fmt.Sprintf("%s_task_tick_latencies", pkg),
				Help:    "How long task ticks take, partitioned by task.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"task"},
		),
		tokenFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_token_failures", pkg),
				Help: "How many times processing a restaking token failed, partitioned by task, chain and symbol.",
			},
			[]string{"task", "chain_id", "symbol"},
		),
		removals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_removal_transitions", pkg),
				Help: "How many removal transactions entered a status, partitioned by chain and status.",
			},
			[]string{"chain_id", "status"},
		),
		flaggedKeys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_flagged_keys", pkg),
				Help: "How many validator keys were flagged for removal, partitioned by chain and reason.",
			},
			[]string{"chain_id", "reason"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_alerts", pkg),
				Help: "How many alerts were raised, partitioned by task and severity.",
			},
			[]string{"task", "severity"},
		),
		lastCheckpoint: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: fmt.Sprintf("%s_checkpoint_block", pkg),
				Help: "Last block reconciled by a task, partitioned by task, chain and registry.",
			},
			[]string{"task", "chain_id", "registry"},
		),
	}
	metrics.ticks = registerOnce(metrics.ticks).(*prometheus.CounterVec)
	metrics.tickLatencies = registerOnce(metrics.tickLatencies).(*prometheus.HistogramVec)
	metrics.tokenFailures = registerOnce(metrics.tokenFailures).(*prometheus.CounterVec)
	metrics.removals = registerOnce(metrics.removals).(*prometheus.CounterVec)
	metrics.flaggedKeys = registerOnce(metrics.flaggedKeys).(*prometheus.CounterVec)
	metrics.alerts = registerOnce(metrics.alerts).(*prometheus.CounterVec)
	metrics.lastCheckpoint = registerOnce(metrics.lastCheckpoint).(*prometheus.GaugeVec)
	return metrics
}

// Ticks returns the tick counter for the given status.
func (m *TaskMetrics) Ticks(status string) prometheus.Counter {
	return m.ticks.WithLabelValues(m.task, status)
}

// TickLatencies returns a new latency timer for one tick.
func (m *TaskMetrics) TickLatencies() *prometheus.Timer {
	return prometheus.NewTimer(m.tickLatencies.WithLabelValues(m.task))
}

// TokenFailures returns the failure counter of one restaking token.
func (m *TaskMetrics) TokenFailures(chainID string, symbol string) prometheus.Counter {
	return m.tokenFailures.WithLabelValues(m.task, chainID, symbol)
}

// Removals returns the counter of removal transactions entering status.
func (m *TaskMetrics) Removals(chainID string, status string) prometheus.Counter {
	return m.removals.WithLabelValues(chainID, status)
}

// FlaggedKeys returns the counter of keys flagged for the reason.
func (m *TaskMetrics) FlaggedKeys(chainID string, reason string) prometheus.Counter {
	return m.flaggedKeys.WithLabelValues(chainID, reason)
}

// Alerts returns the counter of alerts of the given severity.
func (m *TaskMetrics) Alerts(severity string) prometheus.Counter {
	return m.alerts.WithLabelValues(m.task, severity)
}

// Checkpoint returns the checkpoint gauge of one registry.
func (m *TaskMetrics) Checkpoint(chainID string, registry string) prometheus.Gauge {
	return m.lastCheckpoint.WithLabelValues(m.task, chainID, registry)
}
