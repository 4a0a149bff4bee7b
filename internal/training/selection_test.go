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
	"testing"

	"github.com/tombee/maestro/pkg/workflow"
)

// addAgent registers an agent and backfills its job history.
func addAgent(t *testing.T, c *Coordinator, name string, res workflow.AgentResources, completed, failed int) string {
	t.Helper()
	id, err := c.RegisterAgent(AgentConfig{Name: name, Resources: res})
	if err != nil {
		t.Fatalf("RegisterAgent(%s): %v", name, err)
	}
	c.mu.Lock()
	c.agents[id].JobsCompleted = completed
	c.agents[id].JobsFailed = failed
	c.mu.Unlock()
	return id
}

func selectIDs(c *Coordinator, cfg *workflow.TrainingConfig) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	selected := c.selectAgents(cfg)
	ids := make([]string, len(selected))
	for i, a := range selected {
		ids[i] = a.ID
	}
	return ids
}

func TestSelectAgents_FiltersIncompatible(t *testing.T) {
	c := newTestCoordinator(t, Config{}, nil)

	fit := addAgent(t, c, "fit", workflow.AgentResources{CPU: 8, MemoryMB: 16384, GPU: 1}, 0, 0)
	addAgent(t, c, "no-gpu", workflow.AgentResources{CPU: 8, MemoryMB: 16384}, 0, 0)
	busy := addAgent(t, c, "busy", workflow.AgentResources{CPU: 8, MemoryMB: 16384, GPU: 1}, 0, 0)
	down := addAgent(t, c, "down", workflow.AgentResources{CPU: 8, MemoryMB: 16384, GPU: 1}, 0, 0)
	c.mu.Lock()
	c.agents[busy].Status = AgentStatusBusy
	c.agents[down].Status = AgentStatusFailed
	c.mu.Unlock()

	cfg := &workflow.TrainingConfig{
		MinResources: &workflow.AgentResources{CPU: 4, MemoryMB: 8192, GPU: 1},
	}
	got := selectIDs(c, cfg)
	if len(got) != 1 || got[0] != fit {
		t.Errorf("selected %v, want only %s", got, fit)
	}
}

func TestSelectAgents_OrdersByScore(t *testing.T) {
	c := newTestCoordinator(t, Config{}, nil)

	// Same resources, so success rate decides: 10/10 beats 5/10.
	reliable := addAgent(t, c, "reliable", stdResources, 10, 0)
	flaky := addAgent(t, c, "flaky", stdResources, 5, 5)

	got := selectIDs(c, &workflow.TrainingConfig{})
	if len(got) != 2 || got[0] != reliable || got[1] != flaky {
		t.Errorf("selected %v, want [%s %s]", got, reliable, flaky)
	}
}

func TestSelectAgents_ScoreWeighsResources(t *testing.T) {
	c := newTestCoordinator(t, Config{}, nil)

	// Equal (empty) histories mean equal success rates; the bigger
	// box wins on the resource term.
	big := addAgent(t, c, "big", workflow.AgentResources{CPU: 8, MemoryMB: 16384, GPU: 2}, 0, 0)
	small := addAgent(t, c, "small", workflow.AgentResources{CPU: 2, MemoryMB: 2048}, 0, 0)

	got := selectIDs(c, &workflow.TrainingConfig{})
	if len(got) != 2 || got[0] != big || got[1] != small {
		t.Errorf("selected %v, want [%s %s]", got, big, small)
	}
}

func TestSelectAgents_LoadBalancing(t *testing.T) {
	c := newTestCoordinator(t, Config{LoadBalancing: true}, nil)

	// Load balancing ignores the score and prefers the least-used
	// agent, even a historically flaky one.
	veteran := addAgent(t, c, "veteran", stdResources, 10, 0)
	fresh := addAgent(t, c, "fresh", stdResources, 1, 1)

	got := selectIDs(c, &workflow.TrainingConfig{})
	if len(got) != 2 || got[0] != fresh || got[1] != veteran {
		t.Errorf("selected %v, want [%s %s]", got, fresh, veteran)
	}
}

func TestSelectAgents_AppliesCaps(t *testing.T) {
	c := newTestCoordinator(t, Config{MaxAgentsPerJob: 3}, nil)
	for i := 0; i < 5; i++ {
		addAgent(t, c, "a", stdResources, 0, 0)
	}

	if got := selectIDs(c, &workflow.TrainingConfig{MaxAgents: 2}); len(got) != 2 {
		t.Errorf("job cap: selected %d agents, want 2", len(got))
	}
	if got := selectIDs(c, &workflow.TrainingConfig{}); len(got) != 3 {
		t.Errorf("coordinator cap: selected %d agents, want 3", len(got))
	}
}

func TestSelectAgents_NoCandidates(t *testing.T) {
	c := newTestCoordinator(t, Config{}, nil)
	if got := selectIDs(c, &workflow.TrainingConfig{}); len(got) != 0 {
		t.Errorf("selected %v from an empty pool", got)
	}
}

func TestFindReplacements(t *testing.T) {
	c := newTestCoordinator(t, Config{}, nil)

	best := addAgent(t, c, "best", stdResources, 10, 0)
	worst := addAgent(t, c, "worst", stdResources, 2, 8)
	rostered := addAgent(t, c, "rostered", stdResources, 10, 0)

	exclude := map[string]bool{rostered: true}

	c.mu.Lock()
	got := c.findReplacements(&workflow.TrainingConfig{}, exclude, 1)
	c.mu.Unlock()
	if len(got) != 1 || got[0].ID != best {
		t.Errorf("replacements = %v, want [%s]", got, best)
	}

	// Asking for more than exists returns what there is.
	c.mu.Lock()
	got = c.findReplacements(&workflow.TrainingConfig{}, exclude, 5)
	c.mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("replacements = %d agents, want 2", len(got))
	}
	if got[0].ID != best || got[1].ID != worst {
		t.Errorf("replacement order = [%s %s], want [%s %s]", got[0].ID, got[1].ID, best, worst)
	}
}
