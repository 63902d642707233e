package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	classificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_classifications_total",
			Help: "Questions classified, by outcome reason.",
		},
		[]string{"reason", "blocked"},
	)
	extractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_extractions_total",
			Help: "SQL extractions from raw model output, by winning strategy.",
		},
		[]string{"strategy"},
	)
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_generations_total",
			Help: "Query generation attempts, by outcome.",
		},
		[]string{"outcome"},
	)
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpilot_executions_total",
			Help: "Query executions, by outcome.",
		},
		[]string{"outcome"},
	)
	refinementsPerExecution = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlpilot_refinements_per_execution",
			Help:    "Automatic refinement attempts folded into a single execution.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 10},
		},
	)
	bridgeRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlpilot_bridge_request_duration_seconds",
			Help:    "Latency of calls to the SQL bridge, by operation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		classificationsTotal,
		extractionsTotal,
		generationsTotal,
		executionsTotal,
		refinementsPerExecution,
		bridgeRequestDurationSeconds,
	)
}

func ObserveClassification(reason string, blocked bool) {
	label := "false"
	if blocked {
		label = "true"
	}
	classificationsTotal.WithLabelValues(reason, label).Inc()
}

func ObserveExtraction(strategy string) {
	extractionsTotal.WithLabelValues(strategy).Inc()
}

func ObserveGeneration(outcome string) {
	generationsTotal.WithLabelValues(outcome).Inc()
}

func ObserveExecution(outcome string, refinements int) {
	executionsTotal.WithLabelValues(outcome).Inc()
	if refinements >= 0 {
		refinementsPerExecution.Observe(float64(refinements))
	}
}

func ObserveBridgeRequest(operation string, elapsed time.Duration) {
	bridgeRequestDurationSeconds.WithLabelValues(operation).Observe(elapsed.Seconds())
}
