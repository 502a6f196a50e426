package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "careline_cycles_total",
		Help: "Completed orchestration cycles by risk level and classifier source.",
	}, []string{"level", "source"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "careline_cycle_duration_seconds",
		Help:    "End-to-end orchestration cycle duration.",
		Buckets: prometheus.DefBuckets,
	})

	classifierDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "careline_classifier_duration_seconds",
		Help:    "Risk classification latency by source path.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"source"})

	branchOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "careline_branch_outcomes_total",
		Help: "Responder branch terminal statuses.",
	}, []string{"responder", "status"})

	escalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "careline_escalations_total",
		Help: "Escalation attempts by outcome.",
	}, []string{"outcome"})
)
