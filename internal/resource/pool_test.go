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

package resource

import (
	"fmt"
	"sync"
	"testing"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

func testCapacity() workflow.ResourceRequirements {
	return workflow.ResourceRequirements{CPU: 8, MemoryMB: 16384, GPU: 2, StorageMB: 10240}
}

func TestPool_AllocateAndRelease(t *testing.T) {
	pool := NewPool(testCapacity(), nil)

	alloc, err := pool.Allocate("exec-1/train", &workflow.ResourceRequirements{CPU: 4, MemoryMB: 8192, GPU: 1})
	if err != nil {
		t.Fatalf("failed to allocate: %v", err)
	}
	if alloc.ID != "exec-1/train" {
		t.Errorf("expected allocation id exec-1/train, got %s", alloc.ID)
	}
	if alloc.AllocatedAt.IsZero() {
		t.Error("expected allocated-at timestamp")
	}

	util := pool.Utilization()
	if util.CPU.Fraction != 0.5 {
		t.Errorf("expected cpu fraction 0.5, got %f", util.CPU.Fraction)
	}
	if util.GPU.Used != 1 {
		t.Errorf("expected gpu used 1, got %f", util.GPU.Used)
	}
	if util.ActiveAllocations != 1 {
		t.Errorf("expected 1 active allocation, got %d", util.ActiveAllocations)
	}

	if !pool.Release("exec-1/train") {
		t.Error("expected release to report true")
	}
	if pool.Release("exec-1/train") {
		t.Error("expected second release to be a no-op")
	}

	util = pool.Utilization()
	if util.CPU.Used != 0 || util.MemoryMB.Used != 0 || util.GPU.Used != 0 {
		t.Errorf("expected empty pool after release, got %+v", util)
	}
}

func TestPool_DeniesOverCapacity(t *testing.T) {
	tests := []struct {
		name      string
		first     workflow.ResourceRequirements
		second    workflow.ResourceRequirements
		dimension string
		available float64
	}{
		{
			name:      "cpu exhausted",
			first:     workflow.ResourceRequirements{CPU: 6},
			second:    workflow.ResourceRequirements{CPU: 4},
			dimension: "cpu",
			available: 2,
		},
		{
			name:      "memory exhausted",
			first:     workflow.ResourceRequirements{MemoryMB: 16000},
			second:    workflow.ResourceRequirements{MemoryMB: 1024},
			dimension: "memory",
			available: 384,
		},
		{
			name:      "gpu exhausted",
			first:     workflow.ResourceRequirements{GPU: 2},
			second:    workflow.ResourceRequirements{GPU: 1},
			dimension: "gpu",
			available: 0,
		},
		{
			name:      "storage exhausted",
			first:     workflow.ResourceRequirements{StorageMB: 10240},
			second:    workflow.ResourceRequirements{StorageMB: 1},
			dimension: "storage",
			available: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewPool(testCapacity(), nil)
			if _, err := pool.Allocate("first", &tt.first); err != nil {
				t.Fatalf("failed to allocate first: %v", err)
			}

			_, err := pool.Allocate("second", &tt.second)
			if !maestroerrors.IsResourceDenied(err) {
				t.Fatalf("expected resource denial, got %v", err)
			}
			var re *maestroerrors.ResourceError
			if !maestroerrors.As(err, &re) {
				t.Fatalf("expected *ResourceError, got %T", err)
			}
			if re.Dimension != tt.dimension {
				t.Errorf("expected dimension %s, got %s", tt.dimension, re.Dimension)
			}
			if re.Available != tt.available {
				t.Errorf("expected available %f, got %f", tt.available, re.Available)
			}
		})
	}
}

func TestPool_DuplicateRequestID(t *testing.T) {
	pool := NewPool(testCapacity(), nil)

	if _, err := pool.Allocate("exec-1", &workflow.ResourceRequirements{CPU: 1}); err != nil {
		t.Fatalf("failed to allocate: %v", err)
	}
	_, err := pool.Allocate("exec-1", &workflow.ResourceRequirements{CPU: 1})
	if err == nil {
		t.Fatal("expected an error re-allocating a held id")
	}
	if maestroerrors.IsResourceDenied(err) {
		t.Errorf("duplicate id should not read as capacity denial: %v", err)
	}
}

func TestPool_ZeroRequirements(t *testing.T) {
	pool := NewPool(testCapacity(), nil)

	alloc, err := pool.Allocate("exec-1", nil)
	if err != nil {
		t.Fatalf("expected nil requirements to allocate trivially: %v", err)
	}
	if !alloc.Resources.IsZero() {
		t.Errorf("expected zero resources, got %+v", alloc.Resources)
	}
}

func TestPool_NegativeRequirements(t *testing.T) {
	pool := NewPool(testCapacity(), nil)

	_, err := pool.Allocate("exec-1", &workflow.ResourceRequirements{CPU: -1})
	if err == nil {
		t.Fatal("expected negative requirements to be rejected")
	}
}

func TestPool_ConcurrentAllocateNeverExceedsCapacity(t *testing.T) {
	capacity := workflow.ResourceRequirements{CPU: 10, MemoryMB: 10, GPU: 10, StorageMB: 10}
	pool := NewPool(capacity, nil)

	// 40 goroutines compete for 10 single-unit slots.
	const workers = 40
	var wg sync.WaitGroup
	granted := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("worker-%d", n)
			req := workflow.ResourceRequirements{CPU: 1, MemoryMB: 1, GPU: 1, StorageMB: 1}
			if _, err := pool.Allocate(id, &req); err == nil {
				granted <- id
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	var ids []string
	for id := range granted {
		ids = append(ids, id)
	}
	if len(ids) != 10 {
		t.Fatalf("expected exactly 10 grants, got %d", len(ids))
	}

	util := pool.Utilization()
	if util.CPU.Used != 10 {
		t.Errorf("expected cpu fully used, got %f", util.CPU.Used)
	}

	// Release half, then the freed slots admit new work.
	for _, id := range ids[:5] {
		if !pool.Release(id) {
			t.Errorf("failed to release %s", id)
		}
	}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("late-%d", i)
		req := workflow.ResourceRequirements{CPU: 1, MemoryMB: 1, GPU: 1, StorageMB: 1}
		if _, err := pool.Allocate(id, &req); err != nil {
			t.Errorf("expected late allocation %d to succeed: %v", i, err)
		}
	}
	if util := pool.Utilization(); util.ActiveAllocations != 10 {
		t.Errorf("expected 10 active allocations, got %d", util.ActiveAllocations)
	}
}

func TestPool_Allocations(t *testing.T) {
	pool := NewPool(testCapacity(), nil)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("exec-%d", i)
		if _, err := pool.Allocate(id, &workflow.ResourceRequirements{CPU: 1}); err != nil {
			t.Fatalf("failed to allocate %s: %v", id, err)
		}
	}

	allocs := pool.Allocations()
	if len(allocs) != 3 {
		t.Fatalf("expected 3 allocations, got %d", len(allocs))
	}

	// Returned records are copies; mutating them must not affect the pool.
	allocs[0].Resources.CPU = 100
	util := pool.Utilization()
	if util.CPU.Used != 3 {
		t.Errorf("expected cpu used 3, got %f", util.CPU.Used)
	}
}
