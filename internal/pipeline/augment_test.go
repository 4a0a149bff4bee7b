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
	"math"
	"math/rand"
	"testing"

	"github.com/tombee/maestro/pkg/workflow"
)

func TestAugment_DisabledIsIdentity(t *testing.T) {
	records := sequentialRecords(5)

	out := augment(nil, records, rand.New(rand.NewSource(1)))
	if len(out) != 5 {
		t.Fatalf("nil config changed record count: %d", len(out))
	}
	out = augment(&workflow.AugmentationConfig{DuplicateFactor: 3}, records, rand.New(rand.NewSource(1)))
	if len(out) != 5 {
		t.Fatalf("disabled config changed record count: %d", len(out))
	}
}

func TestAugment_DuplicateFactor(t *testing.T) {
	cfg := &workflow.AugmentationConfig{Enabled: true, DuplicateFactor: 3}
	out := augment(cfg, sequentialRecords(4), rand.New(rand.NewSource(1)))

	if len(out) != 12 {
		t.Fatalf("records = %d, want 12", len(out))
	}
	// Each record appears factor times, adjacent.
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			if got := out[i*3+j]["n"]; got != float64(i) {
				t.Errorf("out[%d] n = %v, want %d", i*3+j, got, i)
			}
		}
	}
	// Copies must be independent of the original.
	out[1]["n"] = float64(-1)
	if out[0]["n"] != float64(0) {
		t.Error("mutating a duplicate changed the original record")
	}
}

func TestAugment_NoiseStaysBounded(t *testing.T) {
	cfg := &workflow.AugmentationConfig{Enabled: true, NoiseLevel: 0.1}
	records := []Record{
		{"value": float64(100), "label": "a"},
	}

	out := augment(cfg, records, rand.New(rand.NewSource(42)))
	noisy, ok := numericValue(out[0]["value"])
	if !ok {
		t.Fatalf("value became non-numeric: %v", out[0]["value"])
	}
	if math.Abs(noisy-100) > 10+1e-9 {
		t.Errorf("noise exceeded level: %v", noisy)
	}
	if out[0]["label"] != "a" {
		t.Errorf("non-numeric field perturbed: %v", out[0]["label"])
	}
	// Input record untouched.
	if records[0]["value"] != float64(100) {
		t.Errorf("input mutated: %v", records[0]["value"])
	}
}

func TestAugment_SyntheticRecordsAreMarked(t *testing.T) {
	cfg := &workflow.AugmentationConfig{Enabled: true, SyntheticCount: 3}
	out := augment(cfg, sequentialRecords(2), rand.New(rand.NewSource(1)))

	if len(out) != 5 {
		t.Fatalf("records = %d, want 5", len(out))
	}
	for i := 2; i < 5; i++ {
		if out[i]["_synthetic"] != true {
			t.Errorf("out[%d] missing synthetic marker: %v", i, out[i])
		}
	}
	for i := 0; i < 2; i++ {
		if _, marked := out[i]["_synthetic"]; marked {
			t.Errorf("original record %d marked synthetic", i)
		}
	}
}
