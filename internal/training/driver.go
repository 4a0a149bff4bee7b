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
	"hash/fnv"
	"math"
	"math/rand"
	"time"
)

// StepResult is one agent's contribution to one epoch.
type StepResult struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
	Samples  int     `json:"samples"`
}

// ModelState is the collectable model plus optimizer state, the unit
// that synchronization rounds and job checkpoints move around.
type ModelState struct {
	Version   int                `json:"version"`
	Weights   map[string]float64 `json:"weights"`
	Optimizer map[string]float64 `json:"optimizer"`
}

// Driver is the training-agent operator interface. Every call is
// concurrent-safe and honors context cancellation.
type Driver interface {
	// SendData ships an agent its data partition.
	SendData(ctx context.Context, agentID string, samples int) error

	// InitModel initializes the model replica on an agent.
	InitModel(ctx context.Context, agentID, modelType string) error

	// TrainStep executes one epoch's worth of local training.
	TrainStep(ctx context.Context, agentID string, epoch, samples int) (*StepResult, error)

	// CollectModel fetches the agent's current model state.
	CollectModel(ctx context.Context, agentID string) (*ModelState, error)

	// ApplyUpdate pushes aggregated model state back to an agent.
	ApplyUpdate(ctx context.Context, agentID string, state *ModelState) error
}

// simulatedDriver is the default Driver: deterministic loss/accuracy
// curves seeded per agent and epoch, so jobs behave reproducibly
// without real compute behind them.
type simulatedDriver struct {
	delay time.Duration
}

func (d *simulatedDriver) sleep(ctx context.Context) error {
	if d.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *simulatedDriver) SendData(ctx context.Context, agentID string, samples int) error {
	return d.sleep(ctx)
}

func (d *simulatedDriver) InitModel(ctx context.Context, agentID, modelType string) error {
	return d.sleep(ctx)
}

func (d *simulatedDriver) TrainStep(ctx context.Context, agentID string, epoch, samples int) (*StepResult, error) {
	if err := d.sleep(ctx); err != nil {
		return nil, err
	}

	rng := stepRNG(agentID, epoch)
	// Loss decays exponentially over epochs with a small per-agent
	// jitter; accuracy approaches 1 as loss falls.
	base := 2.0 * math.Exp(-0.2*float64(epoch))
	loss := base * (0.95 + 0.1*rng.Float64())
	accuracy := 1.0 - loss/2.4
	if accuracy < 0 {
		accuracy = 0
	}
	if accuracy > 0.995 {
		accuracy = 0.995
	}

	return &StepResult{Loss: loss, Accuracy: accuracy, Samples: samples}, nil
}

func (d *simulatedDriver) CollectModel(ctx context.Context, agentID string) (*ModelState, error) {
	if err := d.sleep(ctx); err != nil {
		return nil, err
	}
	rng := stepRNG(agentID, 0)
	return &ModelState{
		Weights:   map[string]float64{"w0": rng.Float64(), "w1": rng.Float64()},
		Optimizer: map[string]float64{"lr_scale": 1.0, "momentum": 0.9},
	}, nil
}

func (d *simulatedDriver) ApplyUpdate(ctx context.Context, agentID string, state *ModelState) error {
	return d.sleep(ctx)
}

// stepRNG derives a deterministic source from agent id and epoch.
func stepRNG(agentID string, epoch int) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(agentID))
	seed := int64(h.Sum64()) ^ int64(epoch)*0x9e3779b9
	return rand.New(rand.NewSource(seed))
}
