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
	"context"
	"math"
	"testing"
	"time"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

func TestSimulatedServer_DeployPredictUndeploy(t *testing.T) {
	s := NewSimulatedServer()
	ctx := context.Background()

	model := NewSimulatedModel([]int{2}, 0.5, 0)
	if err := s.DeployModel(ctx, "m@v1", model, ModelMeta{ModelID: "m", Version: "v1"}); err != nil {
		t.Fatalf("DeployModel: %v", err)
	}

	out, err := s.Predict(ctx, "m@v1", []float64{4, 8})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(out) != 2 || math.Abs(out[0]-2) > 1e-9 || math.Abs(out[1]-4) > 1e-9 {
		t.Errorf("Predict = %v, want inputs scaled by 0.5", out)
	}

	health, err := s.GetHealth(ctx)
	if err != nil {
		t.Fatalf("GetHealth: %v", err)
	}
	if !health.Healthy || health.Deployments != 1 || health.ABTests != 0 {
		t.Errorf("health = %+v, want healthy with 1 deployment", health)
	}

	if err := s.UndeployModel(ctx, "m@v1"); err != nil {
		t.Fatalf("UndeployModel: %v", err)
	}
	if _, err := s.Predict(ctx, "m@v1", []float64{1}); !maestroerrors.IsNotFound(err) {
		t.Errorf("Predict after undeploy error = %v, want not-found", err)
	}
	if err := s.UndeployModel(ctx, "m@v1"); !maestroerrors.IsNotFound(err) {
		t.Errorf("second UndeployModel error = %v, want not-found", err)
	}
}

func TestSimulatedServer_DeployValidation(t *testing.T) {
	s := NewSimulatedServer()
	ctx := context.Background()
	model := NewSimulatedModel(nil, 0.5, 0)

	if err := s.DeployModel(ctx, "", model, ModelMeta{}); err == nil {
		t.Error("DeployModel with empty id succeeded")
	}
	if err := s.DeployModel(ctx, "m@v1", nil, ModelMeta{}); err == nil {
		t.Error("DeployModel with nil model succeeded")
	}

	if err := s.DeployModel(ctx, "m@v1", model, ModelMeta{}); err != nil {
		t.Fatalf("DeployModel: %v", err)
	}
	if err := s.DeployModel(ctx, "m@v1", model, ModelMeta{}); err == nil {
		t.Error("duplicate DeployModel succeeded")
	}
}

func TestSimulatedServer_ABRoutingFollowsRatio(t *testing.T) {
	s := NewSimulatedServer()
	ctx := context.Background()

	if err := s.DeployModel(ctx, "a", NewSimulatedModel([]int{1}, 0.2, 0), ModelMeta{}); err != nil {
		t.Fatalf("deploy a: %v", err)
	}
	if err := s.DeployModel(ctx, "b", NewSimulatedModel([]int{1}, 0.8, 0), ModelMeta{}); err != nil {
		t.Fatalf("deploy b: %v", err)
	}

	// Ratio 1 diverts every request on a to b.
	if err := s.StartABTest(ctx, "all-b", "a", "b", 1, ABTestOptions{}); err != nil {
		t.Fatalf("StartABTest: %v", err)
	}
	for i := 0; i < 10; i++ {
		out, err := s.Predict(ctx, "a", []float64{10})
		if err != nil {
			t.Fatalf("Predict: %v", err)
		}
		if math.Abs(out[0]-8) > 1e-9 {
			t.Fatalf("Predict = %v, want b's output (8)", out)
		}
	}
	result, err := s.StopABTest(ctx, "all-b")
	if err != nil {
		t.Fatalf("StopABTest: %v", err)
	}
	if result.Requests != 10 {
		t.Errorf("Requests = %d, want 10", result.Requests)
	}

	// Ratio 0 keeps every request on a.
	if err := s.StartABTest(ctx, "all-a", "a", "b", 0, ABTestOptions{}); err != nil {
		t.Fatalf("StartABTest: %v", err)
	}
	for i := 0; i < 10; i++ {
		out, err := s.Predict(ctx, "a", []float64{10})
		if err != nil {
			t.Fatalf("Predict: %v", err)
		}
		if math.Abs(out[0]-2) > 1e-9 {
			t.Fatalf("Predict = %v, want a's output (2)", out)
		}
	}
	if _, err := s.StopABTest(ctx, "all-a"); err != nil {
		t.Fatalf("StopABTest: %v", err)
	}
}

func TestSimulatedServer_StopABTestAccuracyMetric(t *testing.T) {
	s := NewSimulatedServer()
	ctx := context.Background()

	if err := s.DeployModel(ctx, "old", NewSimulatedModel([]int{1}, 0.6, 0), ModelMeta{}); err != nil {
		t.Fatalf("deploy old: %v", err)
	}
	if err := s.DeployModel(ctx, "new", NewSimulatedModel([]int{1}, 0.9, 0), ModelMeta{}); err != nil {
		t.Fatalf("deploy new: %v", err)
	}
	if err := s.StartABTest(ctx, "t1", "old", "new", 0.5, ABTestOptions{SuccessMetric: "accuracy"}); err != nil {
		t.Fatalf("StartABTest: %v", err)
	}

	result, err := s.StopABTest(ctx, "t1")
	if err != nil {
		t.Fatalf("StopABTest: %v", err)
	}
	if result.Winner != "new" {
		t.Errorf("Winner = %q, want new", result.Winner)
	}
	if result.MetricA != 0.6 || result.MetricB != 0.9 {
		t.Errorf("metrics = %v/%v, want 0.6/0.9", result.MetricA, result.MetricB)
	}
	if math.Abs(result.Significance-(0.3/0.9)) > 1e-9 {
		t.Errorf("Significance = %v, want %v", result.Significance, 0.3/0.9)
	}

	if _, err := s.StopABTest(ctx, "t1"); !maestroerrors.IsNotFound(err) {
		t.Errorf("second StopABTest error = %v, want not-found", err)
	}
}

func TestSimulatedServer_StopABTestLatencyMetric(t *testing.T) {
	s := NewSimulatedServer()
	ctx := context.Background()

	if err := s.DeployModel(ctx, "slow", NewSimulatedModel([]int{1}, 0.5, 15*time.Millisecond), ModelMeta{}); err != nil {
		t.Fatalf("deploy slow: %v", err)
	}
	if err := s.DeployModel(ctx, "fast", NewSimulatedModel([]int{1}, 0.5, 0), ModelMeta{}); err != nil {
		t.Fatalf("deploy fast: %v", err)
	}

	// Record latency samples before the test so both variants have
	// observed means.
	for i := 0; i < 3; i++ {
		if _, err := s.Predict(ctx, "slow", []float64{1}); err != nil {
			t.Fatalf("Predict slow: %v", err)
		}
		if _, err := s.Predict(ctx, "fast", []float64{1}); err != nil {
			t.Fatalf("Predict fast: %v", err)
		}
	}

	if err := s.StartABTest(ctx, "lat", "slow", "fast", 0.5, ABTestOptions{SuccessMetric: "latency"}); err != nil {
		t.Fatalf("StartABTest: %v", err)
	}
	result, err := s.StopABTest(ctx, "lat")
	if err != nil {
		t.Fatalf("StopABTest: %v", err)
	}
	if result.Winner != "fast" {
		t.Errorf("Winner = %q, want fast (lower latency)", result.Winner)
	}
	if result.MetricA <= result.MetricB {
		t.Errorf("MetricA = %v, MetricB = %v, want slow > fast", result.MetricA, result.MetricB)
	}
	if result.Significance <= 0 {
		t.Errorf("Significance = %v, want > 0", result.Significance)
	}
}

func TestSimulatedServer_StopABTestTieKeepsIncumbent(t *testing.T) {
	s := NewSimulatedServer()
	ctx := context.Background()

	same := 0.7
	if err := s.DeployModel(ctx, "a", NewSimulatedModel([]int{1}, same, 0), ModelMeta{}); err != nil {
		t.Fatalf("deploy a: %v", err)
	}
	if err := s.DeployModel(ctx, "b", NewSimulatedModel([]int{1}, same, 0), ModelMeta{}); err != nil {
		t.Fatalf("deploy b: %v", err)
	}
	if err := s.StartABTest(ctx, "tie", "a", "b", 0.5, ABTestOptions{}); err != nil {
		t.Fatalf("StartABTest: %v", err)
	}

	result, err := s.StopABTest(ctx, "tie")
	if err != nil {
		t.Fatalf("StopABTest: %v", err)
	}
	if result.Winner != "a" {
		t.Errorf("Winner = %q, want incumbent a on a tie", result.Winner)
	}
	if result.Significance != 0 {
		t.Errorf("Significance = %v, want 0", result.Significance)
	}
}

func TestSimulatedServer_StopABTestSurvivesUndeployedVariant(t *testing.T) {
	s := NewSimulatedServer()
	ctx := context.Background()

	if err := s.DeployModel(ctx, "a", NewSimulatedModel([]int{1}, 0.7, 0), ModelMeta{}); err != nil {
		t.Fatalf("deploy a: %v", err)
	}
	if err := s.DeployModel(ctx, "b", NewSimulatedModel([]int{1}, 0.9, 0), ModelMeta{}); err != nil {
		t.Fatalf("deploy b: %v", err)
	}
	if err := s.StartABTest(ctx, "gone", "a", "b", 0.5, ABTestOptions{}); err != nil {
		t.Fatalf("StartABTest: %v", err)
	}
	if err := s.UndeployModel(ctx, "b"); err != nil {
		t.Fatalf("UndeployModel: %v", err)
	}

	result, err := s.StopABTest(ctx, "gone")
	if err != nil {
		t.Fatalf("StopABTest: %v", err)
	}
	if result.Winner != "a" {
		t.Errorf("Winner = %q, want a over the undeployed variant", result.Winner)
	}
}

func TestSimulatedServer_StartABTestValidation(t *testing.T) {
	s := NewSimulatedServer()
	ctx := context.Background()
	model := NewSimulatedModel([]int{1}, 0.5, 0)

	if err := s.DeployModel(ctx, "a", model, ModelMeta{}); err != nil {
		t.Fatalf("deploy a: %v", err)
	}

	if err := s.StartABTest(ctx, "t", "a", "ghost", 0.5, ABTestOptions{}); !maestroerrors.IsNotFound(err) {
		t.Errorf("unknown variant error = %v, want not-found", err)
	}
	if err := s.StartABTest(ctx, "t", "a", "a", 1.5, ABTestOptions{}); err == nil {
		t.Error("ratio above 1 accepted")
	}

	if err := s.DeployModel(ctx, "b", model, ModelMeta{}); err != nil {
		t.Fatalf("deploy b: %v", err)
	}
	if err := s.StartABTest(ctx, "t", "a", "b", 0.5, ABTestOptions{}); err != nil {
		t.Fatalf("StartABTest: %v", err)
	}
	if err := s.StartABTest(ctx, "t", "a", "b", 0.5, ABTestOptions{}); err == nil {
		t.Error("duplicate test id accepted")
	}
	if _, err := s.StopABTest(ctx, "ghost"); !maestroerrors.IsNotFound(err) {
		t.Errorf("StopABTest unknown error = %v, want not-found", err)
	}
}
