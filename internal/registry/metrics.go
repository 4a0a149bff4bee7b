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

package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registryDefinitions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maestro_registry_definitions",
		Help: "Workflow definitions currently in the live set.",
	})

	registryLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_registry_loads_total",
		Help: "Definition registrations by source.",
	}, []string{"source"})

	registryReloadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_registry_reload_errors_total",
		Help: "Definition load failures by reason.",
	}, []string{"reason"})

	registryWatchEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_registry_watch_events_total",
		Help: "Matching filesystem events seen by the watcher.",
	}, []string{"op"})

	registryRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_registry_rate_limited_total",
		Help: "Debounced reloads dropped by the rate limiter.",
	})
)

func setDefinitions(n int) {
	registryDefinitions.Set(float64(n))
}

func recordLoad(source string) {
	registryLoads.WithLabelValues(source).Inc()
}

func recordReloadError(reason string) {
	registryReloadErrors.WithLabelValues(reason).Inc()
}

func recordWatchEvent(op string) {
	registryWatchEvents.WithLabelValues(op).Inc()
}

func recordRateLimited() {
	registryRateLimited.Inc()
}
