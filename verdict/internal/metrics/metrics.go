package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SynthesesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormglass_verdict_syntheses_total",
			Help: "Synthesis triggers consumed, by outcome",
		},
		[]string{"outcome"},
	)

	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormglass_verdict_verdicts_total",
			Help: "Verdict revisions persisted, by class",
		},
		[]string{"class"},
	)

	OverridesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stormglass_verdict_overrides_total",
			Help: "Analyst override revisions persisted",
		},
	)
)
