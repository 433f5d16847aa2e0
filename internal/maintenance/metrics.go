package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	retentionRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_audit_retention_runs_total",
			Help: "Total number of audit retention runs by status.",
		},
		[]string{"status"},
	)
	auditEntriesPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nlq_audit_entries_pruned_total",
			Help: "Total number of audit entries deleted by retention runs.",
		},
	)
	integrityRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlq_schema_index_integrity_runs_total",
			Help: "Total number of schema index integrity checks by status.",
		},
		[]string{"status"},
	)
	indexChunksGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nlq_schema_index_chunks",
			Help: "Number of chunks in the latest verified schema index snapshot.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		retentionRunsTotal,
		auditEntriesPrunedTotal,
		integrityRunsTotal,
		indexChunksGauge,
	)
}
