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
	"context"
	"testing"
	"time"
)

func TestSimulatedDriver_Deterministic(t *testing.T) {
	d := &simulatedDriver{}
	ctx := context.Background()

	first, err := d.TrainStep(ctx, "agent-a", 3, 128)
	if err != nil {
		t.Fatalf("TrainStep: %v", err)
	}
	second, err := d.TrainStep(ctx, "agent-a", 3, 128)
	if err != nil {
		t.Fatalf("TrainStep: %v", err)
	}
	if first.Loss != second.Loss || first.Accuracy != second.Accuracy {
		t.Errorf("same agent and epoch diverged: %+v vs %+v", first, second)
	}
	if first.Samples != 128 {
		t.Errorf("Samples = %d, want 128", first.Samples)
	}

	other, err := d.TrainStep(ctx, "agent-b", 3, 128)
	if err != nil {
		t.Fatalf("TrainStep: %v", err)
	}
	if other.Loss == first.Loss {
		t.Error("different agents produced identical loss")
	}
}

func TestSimulatedDriver_LossDecays(t *testing.T) {
	d := &simulatedDriver{}
	ctx := context.Background()

	early, err := d.TrainStep(ctx, "agent-a", 1, 64)
	if err != nil {
		t.Fatalf("TrainStep: %v", err)
	}
	late, err := d.TrainStep(ctx, "agent-a", 10, 64)
	if err != nil {
		t.Fatalf("TrainStep: %v", err)
	}
	if late.Loss >= early.Loss {
		t.Errorf("loss did not decay: epoch 1 %v, epoch 10 %v", early.Loss, late.Loss)
	}
	if late.Accuracy <= early.Accuracy {
		t.Errorf("accuracy did not improve: epoch 1 %v, epoch 10 %v", early.Accuracy, late.Accuracy)
	}
}

func TestSimulatedDriver_AccuracyBounds(t *testing.T) {
	d := &simulatedDriver{}
	ctx := context.Background()

	for epoch := 1; epoch <= 40; epoch++ {
		res, err := d.TrainStep(ctx, "agent-a", epoch, 32)
		if err != nil {
			t.Fatalf("TrainStep(epoch %d): %v", epoch, err)
		}
		if res.Accuracy < 0 || res.Accuracy > 0.995 {
			t.Errorf("epoch %d accuracy %v outside [0, 0.995]", epoch, res.Accuracy)
		}
		if res.Loss < 0 {
			t.Errorf("epoch %d loss %v negative", epoch, res.Loss)
		}
	}
}

func TestSimulatedDriver_CollectModel(t *testing.T) {
	d := &simulatedDriver{}
	state, err := d.CollectModel(context.Background(), "agent-a")
	if err != nil {
		t.Fatalf("CollectModel: %v", err)
	}
	if len(state.Weights) == 0 {
		t.Error("collected model has no weights")
	}
	if state.Optimizer["momentum"] != 0.9 {
		t.Errorf("momentum = %v, want 0.9", state.Optimizer["momentum"])
	}
}

func TestSimulatedDriver_HonorsCancellation(t *testing.T) {
	d := &simulatedDriver{delay: 100 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.SendData(ctx, "agent-a", 10); err == nil {
		t.Error("SendData with cancelled context succeeded")
	}
	if _, err := d.TrainStep(ctx, "agent-a", 1, 10); err == nil {
		t.Error("TrainStep with cancelled context succeeded")
	}
}
