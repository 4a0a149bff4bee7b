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
	"fmt"
	"math/rand"
)

const defaultBatchSize = 32

// makeBatches optionally Fisher-Yates shuffles the records, then
// slices them into fixed-size batches. The last batch may be short.
func makeBatches(executionID string, records []Record, batchSize int, shuffle bool, rng *rand.Rand) []*Batch {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	if shuffle {
		records = append([]Record(nil), records...)
		for i := len(records) - 1; i > 0; i-- {
			j := rng.Intn(i + 1)
			records[i], records[j] = records[j], records[i]
		}
	}

	var batches []*Batch
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		index := len(batches)
		batches = append(batches, &Batch{
			ID:    fmt.Sprintf("%s-batch-%d", executionID, index),
			Index: index,
			Data:  records[start:end],
			Size:  end - start,
			Start: start,
			End:   end,
		})
	}
	return batches
}
