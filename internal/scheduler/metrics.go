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

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// submissionsTotal counts Submit calls by how they resolved.
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_scheduler_submissions_total",
			Help: "Total facade submissions by result (accepted, duplicate, draining, rejected)",
		},
		[]string{"result"},
	)

	// queueDepth tracks the submission queue backlog.
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spine_scheduler_queue_depth",
			Help: "Number of executions waiting in the submission queue",
		},
	)

	// requeuesTotal counts retryable failures sent back to the queue.
	requeuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_scheduler_requeues_total",
			Help: "Total failed executions requeued for another attempt",
		},
		[]string{"pipeline"},
	)

	// deadLettersTotal counts executions parked after exhausting
	// attempts or failing non-retryably.
	deadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_scheduler_dead_letters_total",
			Help: "Total executions dead-lettered by the scheduler",
		},
		[]string{"pipeline"},
	)
)

func recordSubmission(result string) {
	submissionsTotal.WithLabelValues(result).Inc()
}
