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

// Package resource provides admission control over a fixed capacity
// vector of cpu, memory, gpu, and storage. Allocation is deterministic
// and non-blocking; callers that cannot be admitted decide for
// themselves whether to wait and retry.
package resource

import (
	"log/slog"
	"sync"
	"time"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// Pool tracks active reservations against a fixed capacity. Safe for
// concurrent use.
type Pool struct {
	mu          sync.Mutex
	capacity    workflow.ResourceRequirements
	used        workflow.ResourceRequirements
	allocations map[string]*workflow.ResourceAllocation
	logger      *slog.Logger
}

// DimensionUsage describes one capacity dimension.
type DimensionUsage struct {
	Used     float64 `json:"used"`
	Capacity float64 `json:"capacity"`
	Fraction float64 `json:"fraction"`
}

// Utilization is a point-in-time snapshot of pool usage.
type Utilization struct {
	CPU       DimensionUsage `json:"cpu"`
	MemoryMB  DimensionUsage `json:"memoryMb"`
	GPU       DimensionUsage `json:"gpu"`
	StorageMB DimensionUsage `json:"storageMb"`

	// ActiveAllocations is the number of reservations currently held.
	ActiveAllocations int `json:"activeAllocations"`
}

// NewPool creates a pool with the given capacity.
func NewPool(capacity workflow.ResourceRequirements, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		capacity:    capacity,
		allocations: make(map[string]*workflow.ResourceAllocation),
		logger:      logger.With("component", "resource-pool"),
	}
}

// Allocate reserves requirements under requestID. It succeeds only if
// every dimension fits within the remaining capacity; otherwise it
// returns a ResourceError naming the first dimension that does not
// fit. An id that already holds a reservation is rejected.
func (p *Pool) Allocate(requestID string, requirements *workflow.ResourceRequirements) (*workflow.ResourceAllocation, error) {
	if requestID == "" {
		return nil, &maestroerrors.ValidationError{Field: "requestId", Message: "request id is required"}
	}

	var req workflow.ResourceRequirements
	if requirements != nil {
		req = *requirements
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, held := p.allocations[requestID]; held {
		return nil, &maestroerrors.ValidationError{
			Field:   "requestId",
			Message: "allocation already held; release it before allocating again",
		}
	}

	if err := p.admit(req); err != nil {
		recordAllocation("denied")
		p.logger.Debug("allocation denied", "request_id", requestID, "error", err)
		return nil, err
	}

	alloc := &workflow.ResourceAllocation{
		ID:          requestID,
		Resources:   req,
		AllocatedAt: time.Now(),
	}
	p.allocations[requestID] = alloc
	p.used = p.used.Add(req)

	recordAllocation("granted")
	p.updateGauges()
	p.logger.Debug("allocation granted",
		"request_id", requestID,
		"cpu", req.CPU,
		"memory_mb", req.MemoryMB,
		"gpu", req.GPU,
		"storage_mb", req.StorageMB)

	copied := *alloc
	return &copied, nil
}

// admit checks dimensions in a fixed order so denials are
// deterministic for a given pool state.
func (p *Pool) admit(req workflow.ResourceRequirements) error {
	checks := []struct {
		dimension string
		requested float64
		used      float64
		capacity  float64
	}{
		{"cpu", req.CPU, p.used.CPU, p.capacity.CPU},
		{"memory", req.MemoryMB, p.used.MemoryMB, p.capacity.MemoryMB},
		{"gpu", req.GPU, p.used.GPU, p.capacity.GPU},
		{"storage", req.StorageMB, p.used.StorageMB, p.capacity.StorageMB},
	}
	for _, c := range checks {
		if c.used+c.requested > c.capacity {
			return &maestroerrors.ResourceError{
				Dimension: c.dimension,
				Requested: c.requested,
				Available: c.capacity - c.used,
			}
		}
	}
	return nil
}

// Release returns a reservation's resources to the pool. Releasing an
// unknown id is a no-op; the return value reports whether anything was
// released.
func (p *Pool) Release(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	alloc, ok := p.allocations[requestID]
	if !ok {
		return false
	}
	delete(p.allocations, requestID)
	p.used = p.used.Sub(alloc.Resources)
	p.updateGauges()
	p.logger.Debug("allocation released", "request_id", requestID)
	return true
}

// Utilization reports per-dimension usage fractions.
func (p *Pool) Utilization() Utilization {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Utilization{
		CPU:               dimension(p.used.CPU, p.capacity.CPU),
		MemoryMB:          dimension(p.used.MemoryMB, p.capacity.MemoryMB),
		GPU:               dimension(p.used.GPU, p.capacity.GPU),
		StorageMB:         dimension(p.used.StorageMB, p.capacity.StorageMB),
		ActiveAllocations: len(p.allocations),
	}
}

// Capacity returns the pool's configured capacity vector.
func (p *Pool) Capacity() workflow.ResourceRequirements {
	return p.capacity
}

// Allocations returns copies of the active reservations.
func (p *Pool) Allocations() []*workflow.ResourceAllocation {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*workflow.ResourceAllocation, 0, len(p.allocations))
	for _, alloc := range p.allocations {
		copied := *alloc
		out = append(out, &copied)
	}
	return out
}

func dimension(used, capacity float64) DimensionUsage {
	d := DimensionUsage{Used: used, Capacity: capacity}
	if capacity > 0 {
		d.Fraction = used / capacity
	}
	return d
}

func (p *Pool) updateGauges() {
	setUtilization("cpu", p.used.CPU, p.capacity.CPU)
	setUtilization("memory", p.used.MemoryMB, p.capacity.MemoryMB)
	setUtilization("gpu", p.used.GPU, p.capacity.GPU)
	setUtilization("storage", p.used.StorageMB, p.capacity.StorageMB)
	setActiveAllocations(len(p.allocations))
}
