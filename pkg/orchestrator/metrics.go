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

package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workflowExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_workflow_executions_total",
		Help: "Workflow executions by terminal status.",
	}, []string{"status"})

	workflowActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maestro_workflow_active_executions",
		Help: "Live workflow executions, queued or running.",
	})

	workflowQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maestro_workflow_queue_depth",
		Help: "Executions waiting in the admission queue.",
	})

	workflowStateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maestro_workflow_state_duration_seconds",
		Help:    "Time spent in each execution state.",
		Buckets: prometheus.DefBuckets,
	}, []string{"state"})

	workflowSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_workflow_steps_total",
		Help: "Step executions by type and outcome.",
	}, []string{"type", "status"})

	workflowStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maestro_workflow_step_duration_seconds",
		Help:    "Step execution time by type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	workflowCheckpoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_workflow_checkpoints_total",
		Help: "Checkpoint writes by reason and outcome.",
	}, []string{"reason", "outcome"})

	workflowRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_workflow_retries_total",
		Help: "Step retry cycles consumed.",
	})

	workflowRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_workflow_recoveries_total",
		Help: "Checkpoint recoveries by outcome.",
	}, []string{"outcome"})

	workflowHumanTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_workflow_human_tasks_total",
		Help: "Human tasks by resolution.",
	}, []string{"outcome"})
)

func recordExecution(status string) {
	workflowExecutions.WithLabelValues(status).Inc()
}

func setActiveExecutions(delta int) {
	workflowActiveExecutions.Add(float64(delta))
}

func setQueueDepth(n int) {
	workflowQueueDepth.Set(float64(n))
}

func observeState(state string, d time.Duration) {
	workflowStateDuration.WithLabelValues(state).Observe(d.Seconds())
}

func observeStep(stepType, status string, d time.Duration) {
	workflowSteps.WithLabelValues(stepType, status).Inc()
	workflowStepDuration.WithLabelValues(stepType).Observe(d.Seconds())
}

func recordCheckpoint(reason, outcome string) {
	workflowCheckpoints.WithLabelValues(reason, outcome).Inc()
}

func recordRetry() {
	workflowRetries.Inc()
}

func recordRecovery(outcome string) {
	workflowRecoveries.WithLabelValues(outcome).Inc()
}

func recordHumanTask(outcome string) {
	workflowHumanTasks.WithLabelValues(outcome).Inc()
}
