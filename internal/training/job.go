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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/fsm"
	"github.com/tombee/maestro/pkg/workflow"
)

// Job phases.
const (
	jobInitializing  = "initializing"
	jobCoordinating  = "coordinating"
	jobTraining      = "training"
	jobSynchronizing = "synchronizing"
	jobCheckpointing = "checkpointing"
	jobRecovery      = "recovery"
	jobPaused        = "paused"
	jobFinalizing    = "finalizing"
	jobCompleted     = "completed"
	jobFailed        = "failed"
	jobCancelled     = "cancelled"
)

// Events driving the job state machine.
const (
	evJobInitialized   = "INITIALIZED"
	evCoordinated      = "COORDINATED"
	evEpochDone        = "EPOCH_DONE"
	evSyncDue          = "SYNC_DUE"
	evSyncDone         = "SYNC_DONE"
	evCheckpointDue    = "CHECKPOINT_DUE"
	evCheckpointDone   = "CHECKPOINT_DONE"
	evTrainingComplete = "TRAINING_COMPLETE"
	evFinalized        = "FINALIZED"
	evAgentFailed      = "AGENT_FAILED"
	evRecoverySuccess  = "RECOVERY_SUCCESS"
	evRecoveryFailed   = "RECOVERY_FAILED"
	evPause            = "PAUSE"
	evResume           = "RESUME"
	evJobCancel        = "CANCEL"
	evJobFatal         = "JOB_FAILED"
)

// maxJobCheckpoints bounds the in-memory checkpoint history per job.
const maxJobCheckpoints = 5

// EpochMetrics records the aggregated result of one training epoch.
type EpochMetrics struct {
	Epoch      int           `json:"epoch"`
	Loss       float64       `json:"loss"`
	Accuracy   float64       `json:"accuracy"`
	Throughput float64       `json:"throughput"`
	Duration   time.Duration `json:"duration"`
}

// JobCheckpoint is a recoverable snapshot of training progress.
type JobCheckpoint struct {
	ID        string      `json:"id"`
	Epoch     int         `json:"epoch"`
	Model     *ModelState `json:"model"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Job is a point-in-time snapshot of a training job.
type Job struct {
	ID           string         `json:"id"`
	Phase        string         `json:"phase"`
	Topology     TopologyKind   `json:"topology"`
	AgentIDs     []string       `json:"agentIds"`
	MasterID     string         `json:"masterId"`
	Epoch        int            `json:"epoch"`
	TotalEpochs  int            `json:"totalEpochs"`
	EpochMetrics []EpochMetrics `json:"epochMetrics"`
	Checkpoints  int            `json:"checkpoints"`
	FinalModel   *ModelState    `json:"finalModel,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	CompletedAt  time.Time      `json:"completedAt"`
	Cancelled    bool           `json:"cancelled"`
	Error        string         `json:"error,omitempty"`
}

// Done reports whether the job reached a terminal phase.
func (j *Job) Done() bool {
	return terminalJobPhase(j.Phase)
}

func terminalJobPhase(phase string) bool {
	return phase == jobCompleted || phase == jobFailed || phase == jobCancelled
}

// jobRun is the live state behind a Job snapshot. The interpreter owns
// phase progression; the mutex guards everything the entry actions and
// snapshot readers share.
type jobRun struct {
	id     string
	cfg    workflow.TrainingConfig
	interp *fsm.Interpreter
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	phase          string
	startedAt      time.Time
	doneAt         time.Time
	agentIDs       []string
	masterID       string
	topology       TopologyKind
	partitions     map[string]int
	epoch          int
	epochStats     []EpochMetrics
	checkpoints    []*JobCheckpoint
	lastCheckpoint time.Time
	finalModel     *ModelState
	cancelled      bool
	err            error
}

// fail records the first error for the job; later errors are kept out
// so the root cause survives cascading failures.
func (r *jobRun) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *jobRun) snapshot() *Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := &Job{
		ID:          r.id,
		Phase:       r.phase,
		Topology:    r.topology,
		AgentIDs:    append([]string(nil), r.agentIDs...),
		MasterID:    r.masterID,
		Epoch:       r.epoch,
		TotalEpochs: r.cfg.Epochs,
		Checkpoints: len(r.checkpoints),
		FinalModel:  r.finalModel,
		StartedAt:   r.startedAt,
		CompletedAt: r.doneAt,
		Cancelled:   r.cancelled,
	}
	j.EpochMetrics = append(j.EpochMetrics, r.epochStats...)
	if r.err != nil {
		j.Error = r.err.Error()
	}
	return j
}

func fsmEvent(name string, payload map[string]any) fsm.Event {
	return fsm.Event{Name: name, Payload: payload}
}

func (c *Coordinator) newJobRun(jobID string, cfg workflow.TrainingConfig) *jobRun {
	ctx, cancel := context.WithCancel(c.rootCtx)
	r := &jobRun{
		id:         jobID,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		phase:      jobInitializing,
		startedAt:  time.Now(),
		partitions: make(map[string]int),
	}
	r.interp = c.buildJobInterpreter(r)
	return r
}

// buildJobInterpreter wires the job state machine:
//
//	initializing -> coordinating -> training -> {synchronizing|checkpointing} -> training ... -> finalizing -> completed
//
// Agent failures route to recovery when fault tolerance is on, else to
// paused where a resume retries through recovery.
func (c *Coordinator) buildJobInterpreter(r *jobRun) *fsm.Interpreter {
	cancelT := fsm.Transition{Target: jobCancelled}
	fatalT := fsm.Transition{Target: jobFailed}
	faultTolerant := func(*fsm.Context, fsm.Event) bool { return r.cfg.FaultTolerance }
	hasFailed := func(*fsm.Context, fsm.Event) bool { return len(c.failedRosterAgents(r)) > 0 }
	onAgentFailed := []fsm.Transition{
		{Target: jobRecovery, Guard: faultTolerant},
		{Target: jobPaused},
	}

	m := fsm.NewMachine("training-"+r.id, jobInitializing)
	m.AddState(&fsm.State{
		Name:    jobInitializing,
		OnEntry: c.jobEntry(r, c.initializeJob),
		Transitions: map[string][]fsm.Transition{
			evJobInitialized: {{Target: jobCoordinating}},
			evJobFatal:       {fatalT},
			evJobCancel:      {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    jobCoordinating,
		OnEntry: c.jobEntry(r, c.coordinateJob),
		Transitions: map[string][]fsm.Transition{
			evCoordinated: {{Target: jobTraining}},
			evAgentFailed: onAgentFailed,
			evJobFatal:    {fatalT},
			evJobCancel:   {cancelT},
		},
	})
	m.AddState(&fsm.State{
		// EPOCH_DONE re-enters training so every epoch runs the
		// same entry action.
		Name:    jobTraining,
		OnEntry: c.jobEntry(r, c.runEpoch),
		Transitions: map[string][]fsm.Transition{
			evTrainingComplete: {{Target: jobFinalizing}},
			evCheckpointDue:    {{Target: jobCheckpointing}},
			evSyncDue:          {{Target: jobSynchronizing}},
			evEpochDone:        {{Target: jobTraining}},
			evAgentFailed:      onAgentFailed,
			evPause:            {{Target: jobPaused}},
			evJobFatal:         {fatalT},
			evJobCancel:        {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    jobSynchronizing,
		OnEntry: c.jobEntry(r, c.synchronizeJob),
		Transitions: map[string][]fsm.Transition{
			evSyncDone:    {{Target: jobTraining}},
			evAgentFailed: onAgentFailed,
			evPause:       {{Target: jobPaused}},
			evJobFatal:    {fatalT},
			evJobCancel:   {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    jobCheckpointing,
		OnEntry: c.jobEntry(r, c.checkpointJob),
		Transitions: map[string][]fsm.Transition{
			evCheckpointDone: {{Target: jobTraining}},
			evAgentFailed:    onAgentFailed,
			evPause:          {{Target: jobPaused}},
			evJobFatal:       {fatalT},
			evJobCancel:      {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    jobRecovery,
		OnEntry: c.jobEntry(r, c.recoverJob),
		Transitions: map[string][]fsm.Transition{
			evRecoverySuccess: {{Target: jobTraining}},
			evRecoveryFailed: {
				{Target: jobFailed, Guard: faultTolerant},
				{Target: jobPaused},
			},
			evJobCancel: {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name: jobPaused,
		OnEntry: func(*fsm.Context, fsm.Event) {
			r.mu.Lock()
			epoch := r.epoch
			r.mu.Unlock()
			c.publish("training:paused", map[string]any{"jobId": r.id, "epoch": epoch})
		},
		Transitions: map[string][]fsm.Transition{
			evResume: {
				{Target: jobRecovery, Guard: hasFailed},
				{Target: jobTraining},
			},
			evJobCancel: {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    jobFinalizing,
		OnEntry: c.jobEntry(r, c.finalizeJob),
		Transitions: map[string][]fsm.Transition{
			evFinalized: {{Target: jobCompleted}},
			evJobFatal:  {fatalT},
			evJobCancel: {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    jobCompleted,
		Final:   true,
		OnEntry: func(*fsm.Context, fsm.Event) { c.finishJob(r, jobCompleted) },
	})
	m.AddState(&fsm.State{
		Name:    jobFailed,
		Final:   true,
		OnEntry: func(*fsm.Context, fsm.Event) { c.finishJob(r, jobFailed) },
	})
	m.AddState(&fsm.State{
		Name:    jobCancelled,
		Final:   true,
		OnEntry: func(*fsm.Context, fsm.Event) { c.finishJob(r, jobCancelled) },
	})

	return fsm.NewInterpreter(m).
		WithLogger(c.logger).
		OnTransition(func(from, to string, ev fsm.Event) { c.onJobTransition(r, from, to) })
}

// jobEntry runs phase work off the interpreter goroutine so entry
// actions never block event delivery.
func (c *Coordinator) jobEntry(r *jobRun, work func(*jobRun)) fsm.Action {
	return func(*fsm.Context, fsm.Event) {
		go func() {
			if r.ctx.Err() != nil {
				return
			}
			work(r)
		}()
	}
}

func (c *Coordinator) onJobTransition(r *jobRun, from, to string) {
	r.mu.Lock()
	r.phase = to
	r.mu.Unlock()

	c.publish("training:state-change", map[string]any{
		"jobId": r.id,
		"from":  from,
		"phase": to,
	})
	c.logger.Debug("training phase", "job_id", r.id, "from", from, "to", to)
}

// initializeJob selects compatible agents, assigns the topology and
// the master, and partitions the dataset across the roster.
func (c *Coordinator) initializeJob(r *jobRun) {
	c.mu.Lock()
	selected := c.selectAgents(&r.cfg)
	if len(selected) == 0 {
		c.mu.Unlock()
		r.fail(&maestroerrors.ResourceError{
			Dimension: "agents",
			Requested: 1,
			Available: 0,
		})
		_ = r.interp.SendEvent(evJobFatal)
		return
	}
	ids := c.assignAgents(r.id, selected)
	c.mu.Unlock()

	topology := topologyFor(len(ids))
	partitions := partitionSamples(ids, r.cfg.TotalSamples)

	r.mu.Lock()
	r.agentIDs = ids
	r.masterID = ids[0]
	r.topology = topology
	r.partitions = partitions
	r.mu.Unlock()

	c.logger.Info("training roster assigned",
		"job_id", r.id, "agents", len(ids), "topology", topology, "master", ids[0])
	_ = r.interp.SendEvent(evJobInitialized)
}

// coordinateJob distributes data partitions and initializes the model
// on every agent.
func (c *Coordinator) coordinateJob(r *jobRun) {
	r.mu.Lock()
	ids := append([]string(nil), r.agentIDs...)
	partitions := r.partitions
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(r.ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := c.driver.SendData(gctx, id, partitions[id]); err != nil {
				return c.handleAgentError(r, id, err)
			}
			if err := c.driver.InitModel(gctx, id, r.cfg.ModelType); err != nil {
				return c.handleAgentError(r, id, err)
			}
			c.touchAgent(id)
			return nil
		})
	}
	if g.Wait() != nil {
		return
	}

	r.mu.Lock()
	r.lastCheckpoint = time.Now()
	r.mu.Unlock()
	_ = r.interp.SendEvent(evCoordinated)
}

// runEpoch trains one epoch on every agent and decides the next round:
// finish once all epochs are done, otherwise checkpoint when the
// interval elapsed, otherwise synchronize on the sync cadence.
func (c *Coordinator) runEpoch(r *jobRun) {
	r.mu.Lock()
	done := r.epoch >= r.cfg.Epochs
	epoch := r.epoch + 1
	ids := append([]string(nil), r.agentIDs...)
	partitions := r.partitions
	r.mu.Unlock()

	if done {
		_ = r.interp.SendEvent(evTrainingComplete)
		return
	}

	start := time.Now()
	results := make([]*StepResult, len(ids))
	g, gctx := errgroup.WithContext(r.ctx)
	for i, id := range ids {
		g.Go(func() error {
			res, err := c.driver.TrainStep(gctx, id, epoch, partitions[id])
			if err != nil {
				return c.handleAgentError(r, id, err)
			}
			c.touchAgent(id)
			results[i] = res
			return nil
		})
	}
	if g.Wait() != nil {
		return
	}

	elapsed := time.Since(start)
	stats := aggregateEpoch(epoch, results, r.cfg.TotalSamples, elapsed)

	r.mu.Lock()
	if r.phase != jobTraining || r.epoch != epoch-1 {
		// A pause, recovery, or cancel deposed this round while it
		// was in flight; its results are discarded.
		r.mu.Unlock()
		return
	}
	r.epoch = epoch
	r.epochStats = append(r.epochStats, stats)
	checkpointDue := r.cfg.CheckpointEnabled &&
		time.Since(r.lastCheckpoint) >= time.Duration(r.cfg.CheckpointInterval)*time.Second
	r.mu.Unlock()

	c.mu.Lock()
	c.epochsCompleted++
	c.mu.Unlock()
	recordEpoch()

	c.publish("training:epoch", map[string]any{
		"jobId":      r.id,
		"epoch":      epoch,
		"loss":       stats.Loss,
		"accuracy":   stats.Accuracy,
		"throughput": stats.Throughput,
	})

	switch {
	case epoch >= r.cfg.Epochs:
		_ = r.interp.SendEvent(evTrainingComplete)
	case checkpointDue:
		_ = r.interp.SendEvent(evCheckpointDue)
	case epoch%r.cfg.SyncInterval == 0:
		_ = r.interp.SendEvent(evSyncDue)
	default:
		_ = r.interp.SendEvent(evEpochDone)
	}
}

// synchronizeJob collects the model from every agent, averages the
// weights, and pushes the merged state back out.
func (c *Coordinator) synchronizeJob(r *jobRun) {
	r.mu.Lock()
	ids := append([]string(nil), r.agentIDs...)
	epoch := r.epoch
	r.mu.Unlock()

	states := make([]*ModelState, len(ids))
	g, gctx := errgroup.WithContext(r.ctx)
	for i, id := range ids {
		g.Go(func() error {
			state, err := c.driver.CollectModel(gctx, id)
			if err != nil {
				return c.handleAgentError(r, id, err)
			}
			c.touchAgent(id)
			states[i] = state
			return nil
		})
	}
	if g.Wait() != nil {
		return
	}

	merged := averageModels(states)
	merged.Version = epoch

	g, gctx = errgroup.WithContext(r.ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := c.driver.ApplyUpdate(gctx, id, merged); err != nil {
				return c.handleAgentError(r, id, err)
			}
			c.touchAgent(id)
			return nil
		})
	}
	if g.Wait() != nil {
		return
	}

	_ = r.interp.SendEvent(evSyncDone)
}

// checkpointJob snapshots the master's model so recovery can resume
// from the most recent completed epoch.
func (c *Coordinator) checkpointJob(r *jobRun) {
	r.mu.Lock()
	master := r.masterID
	epoch := r.epoch
	r.mu.Unlock()

	model, err := c.driver.CollectModel(r.ctx, master)
	if err != nil {
		_ = c.handleAgentError(r, master, err)
		return
	}
	c.touchAgent(master)

	cp := &JobCheckpoint{
		ID:        fmt.Sprintf("%s-ckpt-%d", r.id, epoch),
		Epoch:     epoch,
		Model:     model,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.checkpoints = append(r.checkpoints, cp)
	if len(r.checkpoints) > maxJobCheckpoints {
		r.checkpoints = r.checkpoints[len(r.checkpoints)-maxJobCheckpoints:]
	}
	r.lastCheckpoint = cp.CreatedAt
	r.mu.Unlock()

	c.publish("training:checkpoint", map[string]any{
		"jobId":        r.id,
		"epoch":        epoch,
		"checkpointId": cp.ID,
	})
	c.logger.Debug("training checkpoint taken", "job_id", r.id, "epoch", epoch)
	_ = r.interp.SendEvent(evCheckpointDone)
}

// recoverJob replaces failed roster agents with idle compatible ones,
// re-elects the master when it was lost, reinitializes the newcomers,
// and rolls the job back to its latest checkpoint.
func (c *Coordinator) recoverJob(r *jobRun) {
	failed := c.failedRosterAgents(r)
	if len(failed) == 0 {
		// Resumed with a healthy roster, nothing to replace.
		_ = r.interp.SendEvent(evRecoverySuccess)
		return
	}

	r.mu.Lock()
	roster := append([]string(nil), r.agentIDs...)
	master := r.masterID
	r.mu.Unlock()

	exclude := make(map[string]bool, len(roster))
	for _, id := range roster {
		exclude[id] = true
	}
	lost := make(map[string]bool, len(failed))
	for _, id := range failed {
		lost[id] = true
	}

	// A failed attempt only dooms the job under fault tolerance;
	// otherwise the job returns to paused and a later resume may
	// still succeed, so the error must not stick.
	failRecovery := func(err error) {
		if r.cfg.FaultTolerance {
			r.fail(err)
		}
		recordRecovery("failed")
		c.logger.Warn("training recovery failed", "job_id", r.id, "error", err)
		_ = r.interp.SendEvent(evRecoveryFailed)
	}

	c.mu.Lock()
	replacements := c.findReplacements(&r.cfg, exclude, len(failed))
	if len(replacements) < len(failed) {
		available := len(replacements)
		c.mu.Unlock()
		failRecovery(&maestroerrors.ResourceError{
			Dimension: "agents",
			Requested: float64(len(failed)),
			Available: float64(available),
		})
		return
	}
	newIDs := c.assignAgents(r.id, replacements)
	for _, id := range failed {
		if a, ok := c.agents[id]; ok && a.CurrentJob == r.id {
			a.CurrentJob = ""
			a.JobsFailed++
		}
	}
	c.updateAgentGauges()
	c.mu.Unlock()

	// Substitute replacements into the failed roster slots in order.
	next := 0
	for i, id := range roster {
		if lost[id] {
			roster[i] = newIDs[next]
			next++
		}
	}
	if lost[master] {
		master = newIDs[0]
	}
	partitions := partitionSamples(roster, r.cfg.TotalSamples)

	r.mu.Lock()
	r.agentIDs = roster
	r.masterID = master
	r.partitions = partitions
	var latest *JobCheckpoint
	if n := len(r.checkpoints); n > 0 {
		latest = r.checkpoints[n-1]
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(r.ctx)
	for _, id := range newIDs {
		g.Go(func() error {
			if err := c.driver.SendData(gctx, id, partitions[id]); err != nil {
				return err
			}
			return c.driver.InitModel(gctx, id, r.cfg.ModelType)
		})
	}
	if err := g.Wait(); err != nil {
		failRecovery(fmt.Errorf("reinitializing replacement agents: %w", err))
		return
	}

	restoredEpoch := 0
	if latest != nil {
		restoredEpoch = latest.Epoch
		g, gctx = errgroup.WithContext(r.ctx)
		for _, id := range roster {
			g.Go(func() error {
				return c.driver.ApplyUpdate(gctx, id, latest.Model)
			})
		}
		if err := g.Wait(); err != nil {
			failRecovery(fmt.Errorf("restoring checkpoint %s: %w", latest.ID, err))
			return
		}
	}

	r.mu.Lock()
	r.epoch = restoredEpoch
	if len(r.epochStats) > restoredEpoch {
		r.epochStats = r.epochStats[:restoredEpoch]
	}
	r.mu.Unlock()

	c.mu.Lock()
	c.recoveries++
	c.mu.Unlock()
	recordRecovery("success")

	c.publish("training:recovered", map[string]any{
		"jobId":         r.id,
		"replaced":      failed,
		"restoredEpoch": restoredEpoch,
	})
	c.logger.Info("training recovered",
		"job_id", r.id, "replaced", len(failed), "restored_epoch", restoredEpoch)
	_ = r.interp.SendEvent(evRecoverySuccess)
}

// finalizeJob collects the finished model from the master.
func (c *Coordinator) finalizeJob(r *jobRun) {
	r.mu.Lock()
	master := r.masterID
	r.mu.Unlock()

	model, err := c.driver.CollectModel(r.ctx, master)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		c.markAgentFailed(master)
		r.fail(fmt.Errorf("collecting final model from %s: %w", master, err))
		_ = r.interp.SendEvent(evJobFatal)
		return
	}
	c.touchAgent(master)

	r.mu.Lock()
	r.finalModel = model
	r.mu.Unlock()
	_ = r.interp.SendEvent(evFinalized)
}

// handleAgentError flags the failing agent and raises AGENT_FAILED,
// unless the error is just this round being cancelled from outside.
func (c *Coordinator) handleAgentError(r *jobRun, agentID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	c.logger.Warn("training agent error",
		"job_id", r.id, "agent_id", agentID, "error", err)
	c.markAgentFailed(agentID)
	c.reportAgentFailure(r, agentID, err.Error())
	return err
}

// failedRosterAgents returns roster agents that are failed or gone.
func (c *Coordinator) failedRosterAgents(r *jobRun) []string {
	r.mu.Lock()
	roster := append([]string(nil), r.agentIDs...)
	r.mu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for _, id := range roster {
		a, ok := c.agents[id]
		if !ok || a.Status == AgentStatusFailed {
			out = append(out, id)
		}
	}
	return out
}

func (c *Coordinator) finishJob(r *jobRun, outcome string) {
	r.mu.Lock()
	r.doneAt = time.Now()
	agents := append([]string(nil), r.agentIDs...)
	epoch := r.epoch
	errMsg := ""
	if r.err != nil {
		errMsg = r.err.Error()
	}
	r.mu.Unlock()

	r.cancel()
	c.releaseAgents(r.id, agents, outcome)

	c.mu.Lock()
	switch outcome {
	case jobCompleted:
		c.jobsCompleted++
	case jobFailed:
		c.jobsFailed++
	case jobCancelled:
		c.jobsCancelled++
	}
	c.mu.Unlock()

	recordJob(outcome)
	setActiveJobs(-1)

	data := map[string]any{"jobId": r.id, "epoch": epoch}
	switch outcome {
	case jobCompleted:
		c.publish("training:completed", data)
	case jobCancelled:
		c.publish("training:cancelled", data)
	default:
		data["error"] = errMsg
		c.publish("training:failed", data)
	}
	c.logger.Info("training job finished",
		"job_id", r.id, "outcome", outcome, "epoch", epoch)
}

// partitionSamples spreads the dataset across the roster, giving the
// remainder to the first agents.
func partitionSamples(ids []string, total int) map[string]int {
	out := make(map[string]int, len(ids))
	if len(ids) == 0 {
		return out
	}
	base := total / len(ids)
	rem := total % len(ids)
	for i, id := range ids {
		n := base
		if i < rem {
			n++
		}
		out[id] = n
	}
	return out
}

// aggregateEpoch merges per-agent step results into the epoch record.
// Loss and accuracy are means; throughput is samples per second over
// the whole epoch.
func aggregateEpoch(epoch int, results []*StepResult, totalSamples int, elapsed time.Duration) EpochMetrics {
	stats := EpochMetrics{Epoch: epoch, Duration: elapsed}
	if len(results) == 0 {
		return stats
	}
	for _, res := range results {
		stats.Loss += res.Loss
		stats.Accuracy += res.Accuracy
	}
	stats.Loss /= float64(len(results))
	stats.Accuracy /= float64(len(results))

	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1e-9
	}
	stats.Throughput = float64(totalSamples) / secs
	return stats
}

// averageModels element-wise averages agent weights and optimizer
// state. Keys missing on some agents average over the agents that
// have them.
func averageModels(states []*ModelState) *ModelState {
	merged := &ModelState{
		Weights:   make(map[string]float64),
		Optimizer: make(map[string]float64),
	}
	wCounts := make(map[string]int)
	oCounts := make(map[string]int)
	for _, s := range states {
		if s == nil {
			continue
		}
		for k, v := range s.Weights {
			merged.Weights[k] += v
			wCounts[k]++
		}
		for k, v := range s.Optimizer {
			merged.Optimizer[k] += v
			oCounts[k]++
		}
	}
	for k, n := range wCounts {
		merged.Weights[k] /= float64(n)
	}
	for k, n := range oCounts {
		merged.Optimizer[k] /= float64(n)
	}
	return merged
}
