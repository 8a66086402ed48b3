package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across the control
// plane's handlers.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "guardant",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// ProbesExecutedTotal counts probe executions by service type and outcome.
var ProbesExecutedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "guardant",
		Subsystem: "probe",
		Name:      "executed_total",
		Help:      "Total number of probes executed, by service type and status.",
	},
	[]string{"service_type", "status"},
)

// ProbeDuration tracks probe round-trip time by service type.
var ProbeDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "guardant",
		Subsystem: "probe",
		Name:      "duration_seconds",
		Help:      "Probe execution duration in seconds.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"service_type"},
)

// BufferDepth reports the current depth of the worker's local result buffer.
var BufferDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "guardant",
		Subsystem: "worker",
		Name:      "buffer_depth",
		Help:      "Number of unsent probe results currently held in the local buffer.",
	},
)

// BufferDropTotal counts results evicted from the buffer on overflow.
var BufferDropTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "guardant",
		Subsystem: "worker",
		Name:      "buffer_drop_total",
		Help:      "Total number of buffered results dropped due to overflow.",
	},
)

// TasksDispatchedTotal counts tasks published by the coordinator, by region.
var TasksDispatchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "guardant",
		Subsystem: "dispatcher",
		Name:      "tasks_dispatched_total",
		Help:      "Total number of probe tasks published, by region.",
	},
	[]string{"region"},
)

// NoCoverageTotal counts ticks where a service had no eligible worker in any region.
var NoCoverageTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "guardant",
		Subsystem: "dispatcher",
		Name:      "no_coverage_total",
		Help:      "Total number of dispatch ticks skipped for lack of an eligible worker.",
	},
)

// ResultsIngestedTotal counts probe results consumed by the aggregator.
var ResultsIngestedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "guardant",
		Subsystem: "ingest",
		Name:      "results_total",
		Help:      "Total number of probe results ingested, by status.",
	},
	[]string{"status"},
)

// ResultsDeduplicatedTotal counts results discarded as duplicates of an
// already-applied result_id.
var ResultsDeduplicatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "guardant",
		Subsystem: "ingest",
		Name:      "results_deduplicated_total",
		Help:      "Total number of probe results discarded as duplicates.",
	},
)

// IncidentsOpenedTotal counts incidents opened by the aggregator's state machine.
var IncidentsOpenedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "guardant",
		Subsystem: "incident",
		Name:      "opened_total",
		Help:      "Total number of incidents opened, by severity.",
	},
	[]string{"severity"},
)

// All returns all GuardAnt-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ProbesExecutedTotal,
		ProbeDuration,
		BufferDepth,
		BufferDropTotal,
		TasksDispatchedTotal,
		NoCoverageTotal,
		ResultsIngestedTotal,
		ResultsDeduplicatedTotal,
		IncidentsOpenedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
