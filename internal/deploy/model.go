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
	"fmt"
	"hash/fnv"
	"time"
)

// Model is the prediction operator a deployment ships. Implementations
// must be concurrent-safe.
type Model interface {
	// Predict runs one inference over the input vector.
	Predict(ctx context.Context, input []float64) ([]float64, error)

	// InputShape is the declared shape of the model's first input.
	InputShape() []int
}

// qualityReporter is implemented by models that can report an intrinsic
// quality score; the simulated A/B comparison uses it for the
// "accuracy" metric.
type qualityReporter interface {
	Quality() float64
}

// ModelMeta travels with a deployment onto the model server.
type ModelMeta struct {
	ModelID     string    `json:"modelId"`
	Version     string    `json:"version"`
	Environment string    `json:"environment"`
	Strategy    string    `json:"strategy"`
	DeployedAt  time.Time `json:"deployedAt"`
}

// ABTestOptions tunes a traffic-split experiment.
type ABTestOptions struct {
	// Duration is the observation window.
	Duration time.Duration

	// SuccessMetric is "accuracy" (higher wins, default) or "latency"
	// (lower wins).
	SuccessMetric string
}

// ABTestResult is the outcome of a stopped A/B test.
type ABTestResult struct {
	TestID       string  `json:"testId"`
	VariantA     string  `json:"variantA"`
	VariantB     string  `json:"variantB"`
	MetricA      float64 `json:"metricA"`
	MetricB      float64 `json:"metricB"`
	Winner       string  `json:"winner"`
	Significance float64 `json:"significance"`
	Requests     int     `json:"requests"`
}

// ServerHealth is a model server health snapshot.
type ServerHealth struct {
	Healthy     bool          `json:"healthy"`
	Deployments int           `json:"deployments"`
	ABTests     int           `json:"abTests"`
	Uptime      time.Duration `json:"uptime"`
}

// ModelServer hosts deployed models and routes predictions. Every call
// is concurrent-safe and cancellable.
type ModelServer interface {
	DeployModel(ctx context.Context, id string, model Model, meta ModelMeta) error
	UndeployModel(ctx context.Context, id string) error
	Predict(ctx context.Context, id string, input []float64) ([]float64, error)
	StartABTest(ctx context.Context, testID, variantA, variantB string, ratio float64, opts ABTestOptions) error
	StopABTest(ctx context.Context, testID string) (*ABTestResult, error)
	GetHealth(ctx context.Context) (*ServerHealth, error)
}

// simModel is a deterministic stand-in for a trained model: fixed
// input shape, synthetic latency, and a quality score the simulated
// A/B comparison can read.
type simModel struct {
	shape   []int
	quality float64
	latency time.Duration
}

// NewSimulatedModel builds a Model with the given input shape, quality
// score in [0,1], and per-prediction latency.
func NewSimulatedModel(shape []int, quality float64, latency time.Duration) Model {
	if len(shape) == 0 {
		shape = []int{4}
	}
	return &simModel{shape: shape, quality: quality, latency: latency}
}

func (m *simModel) InputShape() []int {
	return m.shape
}

func (m *simModel) Quality() float64 {
	return m.quality
}

func (m *simModel) Predict(ctx context.Context, input []float64) ([]float64, error) {
	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Outputs scale inputs by the quality score; an empty input still
	// yields a non-empty confidence vector.
	if len(input) == 0 {
		return []float64{m.quality}, nil
	}
	out := make([]float64, len(input))
	for i, v := range input {
		out[i] = v * m.quality
	}
	return out, nil
}

// shapeSize is the element count of a tensor shape.
func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		if dim <= 0 {
			return 0
		}
		size *= dim
	}
	return size
}

// deploymentKey is the server-side id for one model version.
func deploymentKey(modelID, version string) string {
	return fmt.Sprintf("%s@%s", modelID, version)
}

// modelHash gives a stable per-model seed for simulated reports.
func modelHash(modelID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(modelID))
	return h.Sum64()
}
