// Copyright 2025 Tom Barlow
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

package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// busPublished tracks events accepted per topic
	busPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_bus_events_published_total",
			Help: "Total events published by topic",
		},
		[]string{"topic"},
	)

	// busBatches tracks delivered flush batches per topic
	busBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_bus_batches_delivered_total",
			Help: "Total debounced batches delivered by topic",
		},
		[]string{"topic"},
	)

	// busHandlerErrors tracks subscriber failures per topic
	busHandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_bus_handler_errors_total",
			Help: "Total subscriber errors and panics by topic",
		},
		[]string{"topic"},
	)

	// busDropped tracks events discarded at shutdown
	busDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_bus_dropped_updates_total",
			Help: "Total queued events dropped instead of delivered",
		},
	)

	// busSubscribers tracks current subscriber count per topic
	busSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_bus_subscribers",
			Help: "Current subscriber count by topic",
		},
		[]string{"topic"},
	)
)

// recordPublished increments the published counter
func recordPublished(topic string) {
	busPublished.WithLabelValues(topic).Inc()
}

// recordBatchDelivered increments the batch counter
func recordBatchDelivered(topic string) {
	busBatches.WithLabelValues(topic).Inc()
}

// recordHandlerError increments the handler error counter
func recordHandlerError(topic string) {
	busHandlerErrors.WithLabelValues(topic).Inc()
}

// recordDropped adds to the dropped update counter
func recordDropped(n int) {
	busDropped.Add(float64(n))
}

// setSubscriberCount updates the subscriber gauge
func setSubscriberCount(topic string, n int) {
	busSubscribers.WithLabelValues(topic).Set(float64(n))
}
