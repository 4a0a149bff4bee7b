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
	"sort"

	"github.com/tombee/maestro/pkg/workflow"
)

// selectAgents picks agents for a job: idle agents meeting the resource
// minima, ordered by load (ascending past-job count) when load
// balancing is on, otherwise by descending fitness score, capped at
// min(job max, coordinator max, compatible count). Caller holds the
// coordinator lock.
func (c *Coordinator) selectAgents(cfg *workflow.TrainingConfig) []*agentState {
	var candidates []*agentState
	for _, a := range c.agents {
		if a.Status != AgentStatusIdle {
			continue
		}
		if !a.meetsMinima(cfg.MinResources) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil
	}

	if c.cfg.LoadBalancing {
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].pastJobs() != candidates[j].pastJobs() {
				return candidates[i].pastJobs() < candidates[j].pastJobs()
			}
			return candidates[i].ID < candidates[j].ID
		})
	} else {
		sort.Slice(candidates, func(i, j int) bool {
			si, sj := candidates[i].score(), candidates[j].score()
			if si != sj {
				return si > sj
			}
			return candidates[i].ID < candidates[j].ID
		})
	}

	limit := len(candidates)
	if cfg.MaxAgents > 0 && cfg.MaxAgents < limit {
		limit = cfg.MaxAgents
	}
	if c.cfg.MaxAgentsPerJob > 0 && c.cfg.MaxAgentsPerJob < limit {
		limit = c.cfg.MaxAgentsPerJob
	}
	return candidates[:limit]
}

// findReplacements picks idle agents to substitute for failed ones,
// excluding agents already on the job. Caller holds the coordinator
// lock.
func (c *Coordinator) findReplacements(cfg *workflow.TrainingConfig, exclude map[string]bool, needed int) []*agentState {
	var candidates []*agentState
	for _, a := range c.agents {
		if a.Status != AgentStatusIdle || exclude[a.ID] {
			continue
		}
		if !a.meetsMinima(cfg.MinResources) {
			continue
		}
		candidates = append(candidates, a)
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].score(), candidates[j].score()
		if si != sj {
			return si > sj
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > needed {
		candidates = candidates[:needed]
	}
	return candidates
}
