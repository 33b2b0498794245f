package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for contributionsTotal.
const (
	outcomeStored    = "stored"
	outcomeFallback  = "fallback"
	outcomeRejected  = "rejected"
	outcomeConflict  = "conflict"
	outcomeFailed    = "failed"
	outcomeReindexed = "reindexed"
)

var (
	contributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "myrad_contributions_total",
			Help: "Contributions processed by the pipeline, by data type and outcome",
		},
		[]string{"data_type", "outcome"},
	)

	processDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "myrad_pipeline_duration_seconds",
			Help:    "End-to-end pipeline latency per contribution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"data_type"},
	)

	qualityScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "myrad_data_quality_score",
			Help:    "Data-quality score (0-100) of built sellable records",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
		[]string{"data_type"},
	)
)
