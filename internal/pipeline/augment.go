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
	"math/rand"

	"github.com/tombee/maestro/pkg/workflow"
)

// augment expands the dataset per the augmentation config: duplicate
// whole records, perturb numeric fields with noise, and synthesize new
// records from randomly sampled templates.
func augment(cfg *workflow.AugmentationConfig, records []Record, rng *rand.Rand) []Record {
	if cfg == nil || !cfg.Enabled || len(records) == 0 {
		return records
	}

	out := records

	if cfg.DuplicateFactor > 1 {
		expanded := make([]Record, 0, len(out)*cfg.DuplicateFactor)
		for _, record := range out {
			expanded = append(expanded, record)
			for i := 1; i < cfg.DuplicateFactor; i++ {
				expanded = append(expanded, cloneRecord(record))
			}
		}
		out = expanded
	}

	if cfg.NoiseLevel > 0 {
		noisy := make([]Record, len(out))
		for i, record := range out {
			copied := cloneRecord(record)
			for k, v := range copied {
				if n, ok := numericValue(v); ok {
					copied[k] = n * (1 + (rng.Float64()*2-1)*cfg.NoiseLevel)
				}
			}
			noisy[i] = copied
		}
		out = noisy
	}

	if cfg.SyntheticCount > 0 {
		templates := out
		for i := 0; i < cfg.SyntheticCount; i++ {
			template := templates[rng.Intn(len(templates))]
			synthetic := cloneRecord(template)
			for k, v := range synthetic {
				if n, ok := numericValue(v); ok {
					// Jitter numerics ±10% around the template.
					synthetic[k] = n * (1 + (rng.Float64()*2-1)*0.1)
				}
			}
			synthetic["_synthetic"] = true
			out = append(out, synthetic)
		}
	}

	return out
}
