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

// TopologyKind is the communication pattern a job's agents use.
type TopologyKind string

const (
	// TopologyParameterServer has a master holding parameters and up
	// to one worker pushing gradients. Chosen for 1-2 agents.
	TopologyParameterServer TopologyKind = "parameter_server"

	// TopologyRingAllReduce passes updates around a ring. Chosen for
	// 3-8 agents.
	TopologyRingAllReduce TopologyKind = "ring_allreduce"

	// TopologyHierarchical aggregates through a tree of group
	// leaders. Chosen above 8 agents.
	TopologyHierarchical TopologyKind = "hierarchical"
)

// topologyFor picks the communication pattern by agent count.
func topologyFor(agents int) TopologyKind {
	switch {
	case agents <= 2:
		return TopologyParameterServer
	case agents <= 8:
		return TopologyRingAllReduce
	default:
		return TopologyHierarchical
	}
}
