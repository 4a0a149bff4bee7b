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

package deploy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deployDeployments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_deploy_deployments_total",
		Help: "Deployments by strategy and terminal status.",
	}, []string{"strategy", "status"})

	deployPhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maestro_deploy_phase_duration_seconds",
		Help:    "Time spent in each deployment phase.",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	deployRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_deploy_rollbacks_total",
		Help: "Deployments that entered the rolling_back phase.",
	})

	deployPredictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_deploy_predictions_total",
		Help: "Predictions routed through serving deployments, by outcome.",
	}, []string{"outcome"})

	deployActiveDeployments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maestro_deploy_active_deployments",
		Help: "Deployments currently in a non-terminal phase.",
	})
)

func recordDeployment(strategy, status string) {
	deployDeployments.WithLabelValues(strategy, status).Inc()
}

func observePhase(phase string, d time.Duration) {
	deployPhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func recordRollback() {
	deployRollbacks.Inc()
}

func recordPrediction(outcome string) {
	deployPredictions.WithLabelValues(outcome).Inc()
}

func setActiveDeployments(delta int) {
	deployActiveDeployments.Add(float64(delta))
}
