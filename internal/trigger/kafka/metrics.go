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

package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_trigger_kafka_messages_total",
			Help: "Trigger messages consumed by outcome (submitted, poison, deferred)",
		},
		[]string{"result"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spine_trigger_kafka_errors_total",
			Help: "Kafka trigger failures by kind (fetch, commit)",
		},
		[]string{"kind"},
	)
)

func recordKafkaMessage(result string) {
	messagesTotal.WithLabelValues(result).Inc()
}

func recordKafkaError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}
