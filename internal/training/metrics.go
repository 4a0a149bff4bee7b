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

package training

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_training_jobs_total",
		Help: "Training jobs by terminal status.",
	}, []string{"status"})

	epochsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_training_epochs_total",
		Help: "Training epochs completed across all jobs.",
	})

	agentFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_training_agent_failures_total",
		Help: "Agent failures observed by the coordinator.",
	})

	recoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_training_recoveries_total",
		Help: "Job recovery attempts by outcome.",
	}, []string{"outcome"})

	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maestro_training_active_jobs",
		Help: "Training jobs currently in a non-terminal phase.",
	})

	agentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "maestro_training_agents",
		Help: "Registered agents by status.",
	}, []string{"status"})
)

func recordJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

func recordEpoch() {
	epochsTotal.Inc()
}

func recordAgentFailure() {
	agentFailuresTotal.Inc()
}

func recordRecovery(outcome string) {
	recoveriesTotal.WithLabelValues(outcome).Inc()
}

func setActiveJobs(delta int) {
	activeJobs.Add(float64(delta))
}

func setAgentGauge(status string, n int) {
	agentsByStatus.WithLabelValues(status).Set(float64(n))
}
