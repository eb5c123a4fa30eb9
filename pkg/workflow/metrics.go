package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// workflowRuns counts finished runs by workflow and terminal status.
	workflowRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_workflow_runs_total",
			Help: "Total workflow runs by workflow and final status",
		},
		[]string{"workflow", "status"},
	)

	// workflowSteps counts executed steps by workflow, type, and status.
	workflowSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_workflow_steps_total",
			Help: "Total workflow steps by workflow, step type, and status",
		},
		[]string{"workflow", "type", "status"},
	)

	// workflowDuration observes run wall-clock per workflow.
	workflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spine_workflow_run_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"workflow"},
	)
)

func recordRun(workflow string, status RunStatus, d time.Duration) {
	workflowRuns.WithLabelValues(workflow, string(status)).Inc()
	workflowDuration.WithLabelValues(workflow).Observe(d.Seconds())
}

func recordStepMetric(workflow string, stepType StepType, status StepStatus) {
	workflowSteps.WithLabelValues(workflow, string(stepType), string(status)).Inc()
}
