// Copyright 2025 the Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// executionsTotal counts finished executions by pipeline and
	// terminal status.
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_executions_total",
			Help: "Total pipeline executions by pipeline and final status",
		},
		[]string{"pipeline", "status"},
	)

	// executionDuration observes run wall-clock per pipeline.
	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spine_execution_duration_seconds",
			Help:    "Pipeline execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"pipeline"},
	)

	// executionsActive tracks in-flight runs.
	executionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spine_executions_active",
			Help: "Number of currently running pipeline executions",
		},
	)

	// leaseConflicts counts lease acquisition failures.
	leaseConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_lease_conflicts_total",
			Help: "Total partition lease conflicts by domain and stage",
		},
		[]string{"domain", "stage"},
	)

	// executionTimeouts counts runs killed by their wall-clock bound.
	executionTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_execution_timeouts_total",
			Help: "Total pipeline executions aborted by timeout",
		},
		[]string{"pipeline"},
	)
)

func recordCompletion(pipelineName string, status Status) {
	executionsTotal.WithLabelValues(pipelineName, string(status)).Inc()
}
