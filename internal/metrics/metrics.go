// Package metrics registers the Prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStarted counts runs admitted by the orchestrator.
	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "patchline",
		Name:      "runs_started_total",
		Help:      "Pipeline runs started.",
	})

	// RunsCompleted counts terminal runs by outcome status.
	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patchline",
		Name:      "runs_completed_total",
		Help:      "Pipeline runs reaching a terminal status.",
	}, []string{"status"})

	// RunsRejected counts run requests refused before admission.
	RunsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patchline",
		Name:      "runs_rejected_total",
		Help:      "Run requests rejected before a run was created.",
	}, []string{"reason"})

	// StageErrors counts stage failures by stage and error kind.
	StageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patchline",
		Name:      "stage_errors_total",
		Help:      "Stage executions ending in error.",
	}, []string{"stage", "kind"})

	// StageDuration observes wall time per stage execution.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "patchline",
		Name:      "stage_duration_seconds",
		Help:      "Stage execution duration.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"stage"})

	// RepairIterations observes how many generation attempts each run needed.
	RepairIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "patchline",
		Name:      "repair_iterations",
		Help:      "Generation iterations per run before verification passed or the budget ran out.",
		Buckets:   []float64{1, 2, 3, 4, 5},
	})

	// SubscribersDropped counts event subscribers disconnected for falling behind.
	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "patchline",
		Name:      "subscribers_dropped_total",
		Help:      "Event subscribers dropped because their buffer filled.",
	})
)
