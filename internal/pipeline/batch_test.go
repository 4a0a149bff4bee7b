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
	"testing"
)

func sequentialRecords(n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{"n": float64(i)}
	}
	return records
}

func TestMakeBatches_SlicesAndRanges(t *testing.T) {
	batches := makeBatches("exec", sequentialRecords(10), 3, false, nil)

	if len(batches) != 4 {
		t.Fatalf("batches = %d, want 4", len(batches))
	}
	wantSizes := []int{3, 3, 3, 1}
	for i, b := range batches {
		if b.Index != i {
			t.Errorf("batch %d Index = %d", i, b.Index)
		}
		if b.Size != wantSizes[i] {
			t.Errorf("batch %d Size = %d, want %d", i, b.Size, wantSizes[i])
		}
		if b.Start != i*3 {
			t.Errorf("batch %d Start = %d, want %d", i, b.Start, i*3)
		}
		if b.End != b.Start+b.Size {
			t.Errorf("batch %d End = %d, want %d", i, b.End, b.Start+b.Size)
		}
		if want := fmt.Sprintf("exec-batch-%d", i); b.ID != want {
			t.Errorf("batch %d ID = %q, want %q", i, b.ID, want)
		}
	}
	// Unshuffled batches preserve record order.
	if batches[3].Data[0]["n"] != float64(9) {
		t.Errorf("last record = %v, want 9", batches[3].Data[0]["n"])
	}
}

func TestMakeBatches_DefaultSize(t *testing.T) {
	batches := makeBatches("exec", sequentialRecords(40), 0, false, nil)
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2 with default size %d", len(batches), defaultBatchSize)
	}
	if batches[0].Size != defaultBatchSize || batches[1].Size != 8 {
		t.Errorf("sizes = %d/%d, want %d/8", batches[0].Size, batches[1].Size, defaultBatchSize)
	}
}

func TestMakeBatches_Empty(t *testing.T) {
	if batches := makeBatches("exec", nil, 4, false, nil); len(batches) != 0 {
		t.Fatalf("batches = %d, want 0", len(batches))
	}
}

func TestMakeBatches_ShuffleIsSeededAndNonDestructive(t *testing.T) {
	records := sequentialRecords(32)

	first := makeBatches("exec", records, 8, true, rand.New(rand.NewSource(7)))
	second := makeBatches("exec", records, 8, true, rand.New(rand.NewSource(7)))

	for i := range first {
		for j := range first[i].Data {
			if first[i].Data[j]["n"] != second[i].Data[j]["n"] {
				t.Fatalf("same seed produced different shuffles at batch %d row %d", i, j)
			}
		}
	}

	// The shuffle must permute, not copy in place.
	permuted := false
	for i, b := range first {
		for j, row := range b.Data {
			if row["n"] != float64(i*8+j) {
				permuted = true
			}
		}
	}
	if !permuted {
		t.Error("shuffled batches kept the original order")
	}

	// And the caller's slice stays untouched.
	for i, record := range records {
		if record["n"] != float64(i) {
			t.Fatalf("input records mutated at %d: %v", i, record["n"])
		}
	}
}
