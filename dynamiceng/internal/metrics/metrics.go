package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormglass_dynamic_jobs_total",
			Help: "Dynamic analysis jobs consumed, by outcome",
		},
		[]string{"outcome"},
	)

	SandboxesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stormglass_dynamic_sandboxes_active",
			Help: "Sandboxes currently provisioned",
		},
	)

	SandboxFaultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stormglass_dynamic_sandbox_faults_total",
			Help: "Detonations that ended in a sandbox fault",
		},
	)

	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stormglass_dynamic_execution_seconds",
			Help:    "Artifact execution duration inside the sandbox",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)

	EventsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormglass_dynamic_events_observed_total",
			Help: "Sandbox events observed, by class",
		},
		[]string{"class"},
	)

	RansomwareCandidates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stormglass_dynamic_ransomware_candidates_total",
			Help: "Detonations flagged as ransomware candidates",
		},
	)

	CriticalDetonations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stormglass_dynamic_critical_detonations_total",
			Help: "Detonations where two or more ransomware heuristics fired",
		},
	)
)
