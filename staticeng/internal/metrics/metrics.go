package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormglass_static_jobs_total",
			Help: "Static analysis jobs consumed, by outcome",
		},
		[]string{"outcome"},
	)

	ShortCircuitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormglass_static_short_circuits_total",
			Help: "Jobs terminated early by an allow/deny list entry",
		},
		[]string{"list"},
	)

	StrategyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stormglass_static_strategy_duration_seconds",
			Help:    "Duration of each analysis strategy",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	ReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormglass_static_reports_total",
			Help: "Static reports produced, by file type",
		},
		[]string{"file_type"},
	)

	DynamicRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stormglass_static_dynamic_requests_total",
			Help: "Artifacts escalated to dynamic analysis",
		},
	)
)
