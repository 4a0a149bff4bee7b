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

package resource

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// poolAllocations tracks allocation attempts by outcome
	poolAllocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_pool_allocations_total",
			Help: "Total resource allocation attempts by outcome",
		},
		[]string{"outcome"},
	)

	// poolUtilization tracks the used fraction per dimension
	poolUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_pool_utilization",
			Help: "Fraction of pool capacity in use per dimension",
		},
		[]string{"dimension"},
	)

	// poolActiveAllocations tracks currently held reservations
	poolActiveAllocations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_pool_active_allocations",
			Help: "Number of currently held resource allocations",
		},
	)
)

// recordAllocation increments the allocation counter
func recordAllocation(outcome string) {
	poolAllocations.WithLabelValues(outcome).Inc()
}

// setUtilization updates the per-dimension utilization gauge
func setUtilization(dimension string, used, capacity float64) {
	if capacity <= 0 {
		poolUtilization.WithLabelValues(dimension).Set(0)
		return
	}
	poolUtilization.WithLabelValues(dimension).Set(used / capacity)
}

// setActiveAllocations updates the active allocation gauge
func setActiveAllocations(n int) {
	poolActiveAllocations.Set(float64(n))
}
