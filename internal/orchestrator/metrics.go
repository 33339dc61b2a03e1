package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the supervisor's Prometheus collectors.
//
// Metrics:
//   - forge_workflows_total{outcome} - finished sessions by outcome
//   - forge_stage_duration_seconds{stage,result} - stage execution time
//   - forge_review_iterations - fix iterations per review/fix loop
//   - forge_approvals_total{decision} - resolved approval requests
//   - forge_checkpoint_writes_total - checkpoints written
type Metrics struct {
	WorkflowsTotal   *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	ReviewIterations prometheus.Histogram
	ApprovalsTotal   *prometheus.CounterVec
	CheckpointsTotal prometheus.Counter
}

// NewMetrics registers the collectors with reg. A nil reg builds
// unregistered collectors, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WorkflowsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_workflows_total",
				Help: "Total number of finished workflow sessions",
			},
			[]string{"outcome"}, // success, quality_gate_exhausted, failed, cancelled
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_stage_duration_seconds",
				Help:    "Stage execution duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"stage", "result"},
		),
		ReviewIterations: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "forge_review_iterations",
				Help:    "Fix iterations used per review/fix loop",
				Buckets: prometheus.LinearBuckets(0, 1, 6),
			},
		),
		ApprovalsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_approvals_total",
				Help: "Total number of resolved approval requests",
			},
			[]string{"decision"},
		),
		CheckpointsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "forge_checkpoint_writes_total",
				Help: "Total number of checkpoints written",
			},
		),
	}
}
