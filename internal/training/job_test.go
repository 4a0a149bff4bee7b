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
	"math"
	"testing"
	"time"
)

func TestPartitionSamples(t *testing.T) {
	ids := []string{"a", "b", "c"}
	got := partitionSamples(ids, 10)

	if got["a"] != 4 || got["b"] != 3 || got["c"] != 3 {
		t.Errorf("partitions = %v, want a=4 b=3 c=3", got)
	}
	total := 0
	for _, n := range got {
		total += n
	}
	if total != 10 {
		t.Errorf("partitions sum to %d, want 10", total)
	}

	if got := partitionSamples(nil, 10); len(got) != 0 {
		t.Errorf("partitionSamples(nil) = %v, want empty", got)
	}
}

func TestAggregateEpoch(t *testing.T) {
	results := []*StepResult{
		{Loss: 1.0, Accuracy: 0.5, Samples: 50},
		{Loss: 2.0, Accuracy: 0.7, Samples: 50},
	}
	got := aggregateEpoch(3, results, 100, 2*time.Second)

	if got.Epoch != 3 {
		t.Errorf("Epoch = %d, want 3", got.Epoch)
	}
	if math.Abs(got.Loss-1.5) > 1e-9 {
		t.Errorf("Loss = %v, want 1.5", got.Loss)
	}
	if math.Abs(got.Accuracy-0.6) > 1e-9 {
		t.Errorf("Accuracy = %v, want 0.6", got.Accuracy)
	}
	if math.Abs(got.Throughput-50) > 1e-9 {
		t.Errorf("Throughput = %v, want 50", got.Throughput)
	}

	empty := aggregateEpoch(1, nil, 100, time.Second)
	if empty.Loss != 0 || empty.Accuracy != 0 {
		t.Errorf("empty aggregation = %+v, want zero loss and accuracy", empty)
	}
}

func TestAverageModels(t *testing.T) {
	states := []*ModelState{
		{Weights: map[string]float64{"w": 1, "b": 2}, Optimizer: map[string]float64{"m": 0.8}},
		{Weights: map[string]float64{"w": 3, "b": 4}, Optimizer: map[string]float64{"m": 1.0}},
	}
	got := averageModels(states)

	if got.Weights["w"] != 2 || got.Weights["b"] != 3 {
		t.Errorf("weights = %v, want w=2 b=3", got.Weights)
	}
	if math.Abs(got.Optimizer["m"]-0.9) > 1e-9 {
		t.Errorf("optimizer m = %v, want 0.9", got.Optimizer["m"])
	}
}

func TestAverageModels_PartialKeys(t *testing.T) {
	states := []*ModelState{
		{Weights: map[string]float64{"w": 2, "extra": 6}},
		{Weights: map[string]float64{"w": 4}},
		nil,
	}
	got := averageModels(states)

	if got.Weights["w"] != 3 {
		t.Errorf("w = %v, want 3", got.Weights["w"])
	}
	// Keys average over the agents that report them.
	if got.Weights["extra"] != 6 {
		t.Errorf("extra = %v, want 6", got.Weights["extra"])
	}
}

func TestTerminalJobPhase(t *testing.T) {
	for _, phase := range []string{jobCompleted, jobFailed, jobCancelled} {
		if !terminalJobPhase(phase) {
			t.Errorf("terminalJobPhase(%q) = false", phase)
		}
	}
	for _, phase := range []string{jobInitializing, jobTraining, jobPaused, jobRecovery} {
		if terminalJobPhase(phase) {
			t.Errorf("terminalJobPhase(%q) = true", phase)
		}
	}
}
