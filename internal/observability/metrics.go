package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlq_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlq_pipeline_stage_duration_seconds",
			Help:    "Latency of each pipeline stage.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage", "status"},
	)
	pipelineOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_pipeline_outcomes_total",
			Help: "Terminal pipeline outcomes by failing stage and error kind.",
		},
		[]string{"status", "stage", "kind"},
	)
	generationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_generation_attempts_total",
			Help: "Query generation attempts by result.",
		},
		[]string{"result"},
	)
	validationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_validation_rejections_total",
			Help: "Candidate queries rejected by the safety validator, by rule.",
		},
		[]string{"rule"},
	)
	queryTruncatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nlq_query_truncated_total",
			Help: "Executions whose result hit the row cap.",
		},
	)
	plannerCost = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nlq_planner_total_cost",
			Help:    "Planner total cost of estimated queries.",
			Buckets: prometheus.ExponentialBuckets(10, 10, 8),
		},
	)
	analysisAlgorithmTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_analysis_algorithm_total",
			Help: "Analysis algorithms applied to results.",
		},
		[]string{"algorithm"},
	)
	modelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_model_calls_total",
			Help: "Outbound model calls by purpose and status.",
		},
		[]string{"purpose", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		stageDurationSeconds,
		pipelineOutcomesTotal,
		generationAttemptsTotal,
		validationRejectionsTotal,
		queryTruncatedTotal,
		plannerCost,
		analysisAlgorithmTotal,
		modelCallsTotal,
	)
}

func ObserveStage(stage string, err error, elapsed time.Duration) {
	stageDurationSeconds.WithLabelValues(stage, statusLabel(err)).Observe(elapsed.Seconds())
}

// ObserveOutcome records a terminal outcome. stage and kind are empty on success.
func ObserveOutcome(stage, kind string) {
	status := "succeeded"
	if stage != "" {
		status = "failed"
	}
	pipelineOutcomesTotal.WithLabelValues(status, stage, kind).Inc()
}

func ObserveGenerationAttempt(result string) {
	generationAttemptsTotal.WithLabelValues(result).Inc()
}

func ObserveValidationRejection(rule string) {
	validationRejectionsTotal.WithLabelValues(rule).Inc()
}

func ObserveExecution(truncated bool) {
	if truncated {
		queryTruncatedTotal.Inc()
	}
}

func ObservePlannerCost(cost float64) {
	plannerCost.Observe(cost)
}

func ObserveAnalysis(algorithm string) {
	analysisAlgorithmTotal.WithLabelValues(algorithm).Inc()
}

func ObserveModelCall(purpose string, err error) {
	modelCallsTotal.WithLabelValues(purpose, statusLabel(err)).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
