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
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

// servedModel is one deployment hosted by the simulated server.
type servedModel struct {
	model      Model
	meta       ModelMeta
	deployedAt time.Time
	requests   int
	latency    time.Duration
}

func (s *servedModel) quality() float64 {
	if qr, ok := s.model.(qualityReporter); ok {
		return qr.Quality()
	}
	return 0.5
}

func (s *servedModel) meanLatencyMS() float64 {
	if s.requests == 0 {
		return 0
	}
	return s.latency.Seconds() * 1000 / float64(s.requests)
}

type abTest struct {
	variantA  string
	variantB  string
	ratio     float64
	opts      ABTestOptions
	startedAt time.Time
	requests  int
	rng       *rand.Rand
}

// SimulatedServer is an in-memory ModelServer: it hosts Model
// instances, routes predictions through active A/B splits, and decides
// experiment winners from the variants' intrinsic quality or observed
// latency.
type SimulatedServer struct {
	mu          sync.Mutex
	startedAt   time.Time
	deployments map[string]*servedModel
	tests       map[string]*abTest
}

// NewSimulatedServer builds an empty in-memory model server.
func NewSimulatedServer() *SimulatedServer {
	return &SimulatedServer{
		startedAt:   time.Now(),
		deployments: make(map[string]*servedModel),
		tests:       make(map[string]*abTest),
	}
}

func (s *SimulatedServer) DeployModel(ctx context.Context, id string, model Model, meta ModelMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return &maestroerrors.ValidationError{Field: "id", Message: "deployment id is required"}
	}
	if model == nil {
		return &maestroerrors.ValidationError{Field: "model", Message: "model is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deployments[id]; exists {
		return fmt.Errorf("model %q is already deployed", id)
	}
	s.deployments[id] = &servedModel{model: model, meta: meta, deployedAt: time.Now()}
	return nil
}

func (s *SimulatedServer) UndeployModel(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[id]; !ok {
		return &maestroerrors.NotFoundError{Resource: "deployment", ID: id}
	}
	delete(s.deployments, id)
	return nil
}

// Predict routes a prediction to the deployment, or to its B variant
// when an active A/B split diverts this request.
func (s *SimulatedServer) Predict(ctx context.Context, id string, input []float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	target := id
	for _, t := range s.tests {
		if t.variantA == id {
			t.requests++
			if t.rng.Float64() < t.ratio {
				target = t.variantB
			}
			break
		}
	}
	sm, ok := s.deployments[target]
	if !ok {
		s.mu.Unlock()
		return nil, &maestroerrors.NotFoundError{Resource: "deployment", ID: target}
	}
	s.mu.Unlock()

	start := time.Now()
	out, err := sm.model.Predict(ctx, input)
	elapsed := time.Since(start)

	s.mu.Lock()
	sm.requests++
	sm.latency += elapsed
	s.mu.Unlock()

	return out, err
}

func (s *SimulatedServer) StartABTest(ctx context.Context, testID, variantA, variantB string, ratio float64, opts ABTestOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ratio < 0 || ratio > 1 {
		return &maestroerrors.ValidationError{Field: "ratio", Message: "traffic ratio must be between 0 and 1"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tests[testID]; exists {
		return fmt.Errorf("ab test %q is already running", testID)
	}
	for _, variant := range []string{variantA, variantB} {
		if _, ok := s.deployments[variant]; !ok {
			return &maestroerrors.NotFoundError{Resource: "deployment", ID: variant}
		}
	}
	s.tests[testID] = &abTest{
		variantA:  variantA,
		variantB:  variantB,
		ratio:     ratio,
		opts:      opts,
		startedAt: time.Now(),
		rng:       rand.New(rand.NewSource(int64(modelHash(testID)))),
	}
	return nil
}

// StopABTest ends the experiment and scores it: "accuracy" compares
// the variants' quality (higher wins), "latency" their observed mean
// prediction latency (lower wins). Ties keep the incumbent. The
// significance is the winner's relative margin.
func (s *SimulatedServer) StopABTest(ctx context.Context, testID string) (*ABTestResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[testID]
	if !ok {
		return nil, &maestroerrors.NotFoundError{Resource: "ab test", ID: testID}
	}
	delete(s.tests, testID)

	a := s.deployments[t.variantA]
	b := s.deployments[t.variantB]

	var metricA, metricB float64
	lowerWins := strings.EqualFold(t.opts.SuccessMetric, "latency")
	if lowerWins {
		if a != nil {
			metricA = a.meanLatencyMS()
		}
		if b != nil {
			metricB = b.meanLatencyMS()
		}
	} else {
		if a != nil {
			metricA = a.quality()
		}
		if b != nil {
			metricB = b.quality()
		}
	}

	winner := t.variantA
	if (lowerWins && metricB < metricA) || (!lowerWins && metricB > metricA) {
		winner = t.variantB
	}

	significance := 0.0
	if scale := math.Max(math.Abs(metricA), math.Abs(metricB)); scale > 0 {
		significance = math.Abs(metricA-metricB) / scale
	}

	return &ABTestResult{
		TestID:       testID,
		VariantA:     t.variantA,
		VariantB:     t.variantB,
		MetricA:      metricA,
		MetricB:      metricB,
		Winner:       winner,
		Significance: significance,
		Requests:     t.requests,
	}, nil
}

func (s *SimulatedServer) GetHealth(ctx context.Context) (*ServerHealth, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return &ServerHealth{
		Healthy:     true,
		Deployments: len(s.deployments),
		ABTests:     len(s.tests),
		Uptime:      time.Since(s.startedAt),
	}, nil
}
