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
	"time"

	"github.com/tombee/maestro/pkg/workflow"
)

// AgentStatus is the liveness/assignment state of a registered agent.
type AgentStatus string

const (
	// AgentStatusIdle means the agent is available for selection.
	AgentStatusIdle AgentStatus = "idle"

	// AgentStatusBusy means the agent is assigned to a job.
	AgentStatusBusy AgentStatus = "busy"

	// AgentStatusFailed means the agent missed heartbeats or errored;
	// it leaves the selection pool until a heartbeat revives it.
	AgentStatusFailed AgentStatus = "failed"
)

// AgentConfig describes an agent at registration time.
type AgentConfig struct {
	// Name is a human-readable label; optional.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Resources is the compute the agent offers.
	Resources workflow.AgentResources `yaml:"resources" json:"resources"`
}

// Agent is a snapshot of one registered agent.
type Agent struct {
	ID            string                  `json:"id"`
	Name          string                  `json:"name,omitempty"`
	Status        AgentStatus             `json:"status"`
	Resources     workflow.AgentResources `json:"resources"`
	RegisteredAt  time.Time               `json:"registeredAt"`
	LastHeartbeat time.Time               `json:"lastHeartbeat"`
	JobsCompleted int                     `json:"jobsCompleted"`
	JobsFailed    int                     `json:"jobsFailed"`
	CurrentJob    string                  `json:"currentJob,omitempty"`
}

// agentState is the coordinator's mutable record for one agent,
// guarded by the coordinator mutex.
type agentState struct {
	Agent
}

// successRate is the fraction of past jobs the agent finished; agents
// with no history score a full 1.0.
func (a *agentState) successRate() float64 {
	total := a.JobsCompleted + a.JobsFailed
	if total == 0 {
		return 1.0
	}
	return float64(a.JobsCompleted) / float64(total)
}

// pastJobs is the load-balancing sort key.
func (a *agentState) pastJobs() int {
	return a.JobsCompleted + a.JobsFailed
}

// meetsMinima reports whether the agent satisfies a job's resource
// floor on every dimension.
func (a *agentState) meetsMinima(min *workflow.AgentResources) bool {
	if min == nil {
		return true
	}
	return a.Resources.CPU >= min.CPU &&
		a.Resources.MemoryMB >= min.MemoryMB &&
		a.Resources.GPU >= min.GPU
}

// score ranks an agent for selection when load balancing is off:
// reliability dominates, capacity breaks ties.
func (a *agentState) score() float64 {
	capacity := (a.Resources.CPU + a.Resources.MemoryMB/1024 + a.Resources.GPU*10) / 30
	return 0.7*a.successRate() + 0.3*capacity
}

func (a *agentState) snapshot() Agent {
	return a.Agent
}
