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

// Package training coordinates simulated multi-agent training jobs:
// agent registry with heartbeat liveness, resource-aware agent
// selection, topology assignment, an epoch loop with synchronization
// and checkpoint rounds, and recovery that substitutes failed agents
// and restores from the latest job checkpoint.
package training

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/maestro/internal/bus"
	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// EventTopic is the bus topic training lifecycle events are published on.
const EventTopic = "training"

// EventPublisher receives training lifecycle events. *bus.Bus satisfies it.
type EventPublisher interface {
	Publish(topic string, event *bus.Event) error
}

// Config holds coordinator-level settings.
type Config struct {
	// MaxAgentsPerJob is the global cap on agents per job. Default 8.
	MaxAgentsPerJob int

	// HeartbeatInterval is the liveness check cadence; agents silent
	// for longer than twice this are marked failed. Default 5s.
	HeartbeatInterval time.Duration

	// LoadBalancing selects agents by ascending past-job count
	// instead of the fitness score.
	LoadBalancing bool

	// StepDelay adds simulated latency to every driver call.
	StepDelay time.Duration

	// Driver overrides the simulated training-agent operator.
	Driver Driver
}

// Metrics is a point-in-time snapshot of the coordinator.
type Metrics struct {
	AgentsRegistered int   `json:"agentsRegistered"`
	AgentsIdle       int   `json:"agentsIdle"`
	AgentsBusy       int   `json:"agentsBusy"`
	AgentsFailed     int   `json:"agentsFailed"`
	JobsActive       int   `json:"jobsActive"`
	JobsCompleted    int   `json:"jobsCompleted"`
	JobsFailed       int   `json:"jobsFailed"`
	JobsCancelled    int   `json:"jobsCancelled"`
	EpochsCompleted  int64 `json:"epochsCompleted"`
	Recoveries       int   `json:"recoveries"`
}

// Coordinator owns the agent registry and all training jobs. Each job
// runs on its own single-threaded interpreter; agent operations happen
// in goroutines that report back with events.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	events EventPublisher
	driver Driver

	rootCtx     context.Context
	rootCancel  context.CancelFunc
	monitorDone chan struct{}

	mu     sync.RWMutex
	closed bool
	agents map[string]*agentState
	jobs   map[string]*jobRun

	jobsCompleted   int
	jobsFailed      int
	jobsCancelled   int
	epochsCompleted int64
	recoveries      int
}

// NewCoordinator constructs a Coordinator and starts its heartbeat
// monitor. events may be nil when no bus is attached.
func NewCoordinator(cfg Config, events EventPublisher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAgentsPerJob <= 0 {
		cfg.MaxAgentsPerJob = 8
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	driver := cfg.Driver
	if driver == nil {
		driver = &simulatedDriver{delay: cfg.StepDelay}
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:         cfg,
		logger:      logger.With("component", "training"),
		events:      events,
		driver:      driver,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		monitorDone: make(chan struct{}),
		agents:      make(map[string]*agentState),
		jobs:        make(map[string]*jobRun),
	}
	go c.monitor()
	return c
}

// RegisterAgent adds an agent to the pool and returns its id.
func (c *Coordinator) RegisterAgent(cfg AgentConfig) (string, error) {
	if cfg.Resources.CPU < 0 || cfg.Resources.MemoryMB < 0 || cfg.Resources.GPU < 0 {
		return "", &maestroerrors.ValidationError{
			Field:   "resources",
			Message: "agent resources must not be negative",
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", fmt.Errorf("training coordinator is closed")
	}

	now := time.Now()
	a := &agentState{Agent: Agent{
		ID:            uuid.New().String(),
		Name:          cfg.Name,
		Status:        AgentStatusIdle,
		Resources:     cfg.Resources,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}}
	c.agents[a.ID] = a
	c.updateAgentGauges()
	c.logger.Debug("agent registered", "agent_id", a.ID, "name", cfg.Name)
	return a.ID, nil
}

// UnregisterAgent removes an agent. Removing an agent that is serving
// a job triggers that job's failure handling.
func (c *Coordinator) UnregisterAgent(agentID string) error {
	c.mu.Lock()
	a, ok := c.agents[agentID]
	if !ok {
		c.mu.Unlock()
		return &maestroerrors.NotFoundError{Resource: "training agent", ID: agentID}
	}
	jobID := a.CurrentJob
	delete(c.agents, agentID)
	var job *jobRun
	if jobID != "" {
		job = c.jobs[jobID]
	}
	c.updateAgentGauges()
	c.mu.Unlock()

	c.logger.Info("agent unregistered", "agent_id", agentID, "job_id", jobID)
	if job != nil {
		c.reportAgentFailure(job, agentID, "unregistered")
	}
	return nil
}

// Heartbeat records liveness for an agent. A heartbeat from a failed
// agent that is no longer on a job revives it to idle.
func (c *Coordinator) Heartbeat(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.agents[agentID]
	if !ok {
		return &maestroerrors.NotFoundError{Resource: "training agent", ID: agentID}
	}
	a.LastHeartbeat = time.Now()
	if a.Status == AgentStatusFailed && a.CurrentJob == "" {
		a.Status = AgentStatusIdle
		c.updateAgentGauges()
	}
	return nil
}

// Agents returns a snapshot of every registered agent.
func (c *Coordinator) Agents() []Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a.snapshot())
	}
	return out
}

// GetAgent returns a snapshot of one agent.
func (c *Coordinator) GetAgent(agentID string) (*Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.agents[agentID]
	if !ok {
		return nil, &maestroerrors.NotFoundError{Resource: "training agent", ID: agentID}
	}
	snap := a.snapshot()
	return &snap, nil
}

// StartDistributedTraining launches a job under the given id. Agent
// selection and everything after happens asynchronously; callers poll
// GetJob or watch the bus.
func (c *Coordinator) StartDistributedTraining(ctx context.Context, jobID string, cfg *workflow.TrainingConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if jobID == "" {
		return &maestroerrors.ValidationError{Field: "jobId", Message: "job id is required"}
	}
	if cfg == nil {
		cfg = &workflow.TrainingConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	jobCfg := withTrainingDefaults(*cfg)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("training coordinator is closed")
	}
	if _, exists := c.jobs[jobID]; exists {
		c.mu.Unlock()
		return &maestroerrors.ValidationError{
			Field:   "jobId",
			Message: fmt.Sprintf("job %q already exists", jobID),
		}
	}
	r := c.newJobRun(jobID, jobCfg)
	c.jobs[jobID] = r
	c.mu.Unlock()

	setActiveJobs(1)
	c.publish("training:started", map[string]any{
		"jobId":  jobID,
		"epochs": jobCfg.Epochs,
	})
	if err := r.interp.Start(); err != nil {
		c.mu.Lock()
		delete(c.jobs, jobID)
		c.mu.Unlock()
		r.cancel()
		setActiveJobs(-1)
		return err
	}
	c.logger.Info("training job started", "job_id", jobID, "epochs", jobCfg.Epochs)
	return nil
}

// PauseTraining asks a job to pause at its next cooperative yield.
func (c *Coordinator) PauseTraining(jobID string) error {
	r, err := c.job(jobID)
	if err != nil {
		return err
	}
	return r.interp.SendEvent(evPause)
}

// ResumeTraining resumes a paused job, routing through recovery first
// when any of its agents has failed.
func (c *Coordinator) ResumeTraining(jobID string) error {
	r, err := c.job(jobID)
	if err != nil {
		return err
	}
	return r.interp.SendEvent(evResume)
}

// CancelTraining stops a job. Cancelling a finished job is a no-op.
func (c *Coordinator) CancelTraining(jobID string) error {
	r, err := c.job(jobID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if terminalJobPhase(r.phase) {
		r.mu.Unlock()
		return nil
	}
	r.cancelled = true
	if r.err == nil {
		r.err = fmt.Errorf("training job cancelled")
	}
	r.mu.Unlock()

	r.cancel()
	_ = r.interp.SendEvent(evJobCancel)
	return nil
}

// GetJob returns a snapshot of one job.
func (c *Coordinator) GetJob(jobID string) (*Job, error) {
	r, err := c.job(jobID)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// Jobs returns snapshots of all known jobs.
func (c *Coordinator) Jobs() []*Job {
	c.mu.RLock()
	runs := make([]*jobRun, 0, len(c.jobs))
	for _, r := range c.jobs {
		runs = append(runs, r)
	}
	c.mu.RUnlock()

	out := make([]*Job, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	return out
}

// Metrics returns the coordinator metrics snapshot.
func (c *Coordinator) Metrics() *Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := &Metrics{
		AgentsRegistered: len(c.agents),
		JobsCompleted:    c.jobsCompleted,
		JobsFailed:       c.jobsFailed,
		JobsCancelled:    c.jobsCancelled,
		EpochsCompleted:  c.epochsCompleted,
		Recoveries:       c.recoveries,
	}
	for _, a := range c.agents {
		switch a.Status {
		case AgentStatusIdle:
			m.AgentsIdle++
		case AgentStatusBusy:
			m.AgentsBusy++
		case AgentStatusFailed:
			m.AgentsFailed++
		}
	}
	for _, r := range c.jobs {
		r.mu.Lock()
		terminal := terminalJobPhase(r.phase)
		r.mu.Unlock()
		if !terminal {
			m.JobsActive++
		}
	}
	return m
}

// Close cancels live jobs and stops the heartbeat monitor.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	live := make([]*jobRun, 0, len(c.jobs))
	for _, r := range c.jobs {
		live = append(live, r)
	}
	c.mu.Unlock()

	for _, r := range live {
		_ = c.CancelTraining(r.id)
	}
	for _, r := range live {
		<-r.interp.Done()
	}

	c.rootCancel()
	<-c.monitorDone
	return nil
}

func (c *Coordinator) job(jobID string) (*jobRun, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.jobs[jobID]
	if !ok {
		return nil, &maestroerrors.NotFoundError{Resource: "training job", ID: jobID}
	}
	return r, nil
}

// monitor watches agent heartbeats: an agent silent for longer than
// twice the heartbeat interval is marked failed and every job it
// serves gets an AGENT_FAILED event.
func (c *Coordinator) monitor() {
	defer close(c.monitorDone)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.rootCtx.Done():
			return
		case <-ticker.C:
			c.checkHeartbeats()
		}
	}
}

func (c *Coordinator) checkHeartbeats() {
	staleAfter := 2 * c.cfg.HeartbeatInterval
	now := time.Now()

	type staleAgent struct {
		agentID string
		job     *jobRun
	}
	var stale []staleAgent

	c.mu.Lock()
	for _, a := range c.agents {
		if a.Status == AgentStatusFailed {
			continue
		}
		if now.Sub(a.LastHeartbeat) <= staleAfter {
			continue
		}
		a.Status = AgentStatusFailed
		entry := staleAgent{agentID: a.ID}
		if a.CurrentJob != "" {
			entry.job = c.jobs[a.CurrentJob]
		}
		stale = append(stale, entry)
	}
	if len(stale) > 0 {
		c.updateAgentGauges()
	}
	c.mu.Unlock()

	for _, s := range stale {
		c.logger.Warn("agent heartbeat stale", "agent_id", s.agentID)
		c.reportAgentFailure(s.job, s.agentID, "heartbeat timeout")
	}
}

// reportAgentFailure publishes the failure and forwards it to the
// job's state machine (if any).
func (c *Coordinator) reportAgentFailure(job *jobRun, agentID, reason string) {
	recordAgentFailure()
	data := map[string]any{"agentId": agentID, "reason": reason}
	if job != nil {
		data["jobId"] = job.id
	}
	c.publish("training:agent-failed", data)
	if job != nil {
		_ = job.interp.Send(fsmEvent(evAgentFailed, map[string]any{"agentId": agentID}))
	}
}

// touchAgent refreshes liveness after a successful driver call.
func (c *Coordinator) touchAgent(agentID string) {
	c.mu.Lock()
	if a, ok := c.agents[agentID]; ok {
		a.LastHeartbeat = time.Now()
	}
	c.mu.Unlock()
}

// markAgentFailed flags an agent after a driver error.
func (c *Coordinator) markAgentFailed(agentID string) {
	c.mu.Lock()
	if a, ok := c.agents[agentID]; ok && a.Status != AgentStatusFailed {
		a.Status = AgentStatusFailed
		c.updateAgentGauges()
	}
	c.mu.Unlock()
}

// assignAgents marks the selection busy on behalf of a job. Caller
// holds the coordinator lock.
func (c *Coordinator) assignAgents(jobID string, selected []*agentState) []string {
	ids := make([]string, 0, len(selected))
	for _, a := range selected {
		a.Status = AgentStatusBusy
		a.CurrentJob = jobID
		ids = append(ids, a.ID)
	}
	c.updateAgentGauges()
	return ids
}

// releaseAgents returns a job's agents to the pool and bumps their
// outcome counters. Failed agents stay failed until a heartbeat
// revives them.
func (c *Coordinator) releaseAgents(jobID string, agentIDs []string, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range agentIDs {
		a, ok := c.agents[id]
		if !ok || a.CurrentJob != jobID {
			continue
		}
		a.CurrentJob = ""
		switch outcome {
		case jobCompleted:
			a.JobsCompleted++
		case jobFailed:
			a.JobsFailed++
		}
		if a.Status == AgentStatusBusy {
			a.Status = AgentStatusIdle
		}
	}
	c.updateAgentGauges()
}

func (c *Coordinator) publish(eventType string, data map[string]any) {
	if c.events == nil {
		return
	}
	err := c.events.Publish(EventTopic, &bus.Event{
		Type:   eventType,
		Source: "training-coordinator",
		Data:   data,
	})
	if err != nil {
		c.logger.Debug("training event dropped", "type", eventType, "error", err)
	}
}

func (c *Coordinator) updateAgentGauges() {
	var idle, busy, failed int
	for _, a := range c.agents {
		switch a.Status {
		case AgentStatusIdle:
			idle++
		case AgentStatusBusy:
			busy++
		case AgentStatusFailed:
			failed++
		}
	}
	setAgentGauge(string(AgentStatusIdle), idle)
	setAgentGauge(string(AgentStatusBusy), busy)
	setAgentGauge(string(AgentStatusFailed), failed)
}

// withTrainingDefaults fills the zero-value fields of a job config.
func withTrainingDefaults(cfg workflow.TrainingConfig) workflow.TrainingConfig {
	if cfg.Epochs <= 0 {
		cfg.Epochs = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.TotalSamples <= 0 {
		cfg.TotalSamples = 10000
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 1
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 60
	}
	return cfg
}
