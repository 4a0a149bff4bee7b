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

package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pipelineExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_pipeline_executions_total",
		Help: "Pipeline executions by terminal status.",
	}, []string{"status"})

	pipelineRecordsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_pipeline_records_ingested_total",
		Help: "Records ingested across all pipeline executions.",
	})

	pipelinePhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maestro_pipeline_phase_duration_seconds",
		Help:    "Time spent in each pipeline phase.",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	pipelineCacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_pipeline_cache_operations_total",
		Help: "Cache operations by kind and outcome.",
	}, []string{"operation", "outcome"})

	pipelineCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_pipeline_cache_evictions_total",
		Help: "Cached results evicted by the retention sweep.",
	})

	pipelineActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maestro_pipeline_active_executions",
		Help: "Pipeline executions currently in a non-terminal phase.",
	})
)

func recordExecution(status string) {
	pipelineExecutions.WithLabelValues(status).Inc()
}

func addRecordsIngested(n int) {
	pipelineRecordsIngested.Add(float64(n))
}

func observePhase(phase string, d time.Duration) {
	pipelinePhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func recordCacheOp(operation, outcome string) {
	pipelineCacheOps.WithLabelValues(operation, outcome).Inc()
}

func recordCacheSweep(evicted int) {
	pipelineCacheEvictions.Add(float64(evicted))
}

func setActiveExecutions(delta int) {
	pipelineActiveExecutions.Add(float64(delta))
}
