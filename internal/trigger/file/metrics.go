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

package file

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_trigger_file_events_total",
			Help: "Filesystem events observed in the spool directory by operation",
		},
		[]string{"op"},
	)

	submissionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spine_trigger_file_submissions_total",
			Help: "File drops successfully submitted to the scheduler",
		},
	)

	rateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spine_trigger_file_rate_limited_total",
			Help: "File drops discarded by the trigger rate limiter",
		},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_trigger_file_errors_total",
			Help: "File trigger failures by kind (watch, submit)",
		},
		[]string{"kind"},
	)
)

func recordFileEvent(op string) {
	eventsTotal.WithLabelValues(op).Inc()
}

func recordFileSubmission() {
	submissionsTotal.Inc()
}

func recordFileRateLimited() {
	rateLimitedTotal.Inc()
}

func recordFileError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}
