// Package observability exposes the engine's Prometheus metrics and the
// shared tracer.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "loom/engine"

// Tracer returns the engine tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

var (
	// NodeExecutions counts node handler runs by node name and outcome.
	NodeExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Name:      "node_executions_total",
		Help:      "Node handler executions by node and outcome.",
	}, []string{"node", "outcome"})

	// NodeDuration observes node handler latency.
	NodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "loom",
		Name:      "node_duration_seconds",
		Help:      "Node handler wall time.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"node"})

	// CheckpointWrites counts checkpoint saves by sink.
	CheckpointWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Name:      "checkpoint_writes_total",
		Help:      "Checkpoint saves by sink (file, database) and outcome.",
	}, []string{"sink", "outcome"})

	// OutputToolRetries counts output-tool retry attempts by tool.
	OutputToolRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Name:      "output_tool_retries_total",
		Help:      "Output tool retry attempts by tool and error type.",
	}, []string{"tool", "error_type"})

	// TasksByStatus counts terminal task outcomes.
	TasksByStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Name:      "tasks_total",
		Help:      "Tasks reaching a terminal status.",
	}, []string{"status"})
)
