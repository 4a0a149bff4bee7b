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

package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/fsm"
	"github.com/tombee/maestro/pkg/workflow"
	"github.com/tombee/maestro/pkg/workflow/expression"
)

// State names match the execution status values one for one, so the
// interpreter's current state is the execution's status.
const (
	stateInitializing        = string(workflow.StatusInitializing)
	statePlanning            = string(workflow.StatusPlanning)
	stateResourceAllocation  = string(workflow.StatusResourceAllocation)
	stateWaitingForResources = string(workflow.StatusWaitingForResources)
	stateExecuting           = string(workflow.StatusExecuting)
	stateCheckpointing       = string(workflow.StatusCheckpointing)
	stateHumanValidation     = string(workflow.StatusHumanValidation)
	stateRetry               = string(workflow.StatusRetry)
	stateRecovery            = string(workflow.StatusRecovery)
	statePaused              = string(workflow.StatusPaused)
	stateFinalizing          = string(workflow.StatusFinalizing)
	stateCompleted           = string(workflow.StatusCompleted)
	stateCancelled           = string(workflow.StatusCancelled)
	stateFailed              = string(workflow.StatusFailed)
)

// Events driving the execution machine.
const (
	evInitialized        = "INITIALIZED"
	evPlanned            = "PLANNED"
	evResourcesAllocated = "RESOURCES_ALLOCATED"
	evResourcesDenied    = "RESOURCES_DENIED"
	evResourcesAvailable = "RESOURCES_AVAILABLE"
	evResourceTimeout    = "RESOURCE_TIMEOUT"
	evStepCompleted      = "STEP_COMPLETED"
	evStepFailed         = "STEP_FAILED"
	evAllStepsCompleted  = "ALL_STEPS_COMPLETED"
	evCheckpointDue      = "CHECKPOINT_DUE"
	evCheckpointed       = "CHECKPOINTED"
	evHumanGate          = "HUMAN_VALIDATION_REQUIRED"
	evHumanApproved      = "HUMAN_APPROVED"
	evHumanRejected      = "HUMAN_REJECTED"
	evHumanTimeout       = "HUMAN_TIMEOUT"
	evRetryElapsed       = "RETRY_DELAY_ELAPSED"
	evRecoverySuccess    = "RECOVERY_SUCCESS"
	evRecoveryFailed     = "RECOVERY_FAILED"
	evManualIntervention = "MANUAL_INTERVENTION"
	evResume             = "RESUME"
	evCancel             = "CANCEL"
	evFinalized          = "FINALIZED"
	evFatal              = "EXECUTION_FAILED"
)

// buildInterpreter assembles the per-execution machine. Entry actions
// with real work hand it to a goroutine and yield; the goroutine
// reports back with an event. Guards and transition actions run on the
// interpreter goroutine, so run-state reads there take the run mutex.
func (e *Engine) buildInterpreter(r *run) *fsm.Interpreter {
	cancelT := fsm.Transition{Target: stateCancelled}
	fatalT := fsm.Transition{Target: stateFailed}
	pauseT := fsm.Transition{Target: statePaused}

	canRetry := func(*fsm.Context, fsm.Event) bool { return r.canRetry() }
	canRecover := func(*fsm.Context, fsm.Event) bool { return r.canRecover(e.cfg.MaxRecoveryAttempts) }
	consumeRecovery := func(*fsm.Context, fsm.Event) {
		r.mu.Lock()
		r.recoveryCount++
		r.mu.Unlock()
	}

	m := fsm.NewMachine("workflow-"+r.exec.ID, stateInitializing)
	m.AddState(&fsm.State{
		Name:    stateInitializing,
		OnEntry: e.initAction(r),
		Transitions: map[string][]fsm.Transition{
			evInitialized: {{Target: statePlanning}},
			evFatal:       {fatalT},
			evCancel:      {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    statePlanning,
		OnEntry: e.planAction(r),
		Transitions: map[string][]fsm.Transition{
			evPlanned: {{Target: stateResourceAllocation}},
			evFatal:   {fatalT},
			evCancel:  {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    stateResourceAllocation,
		OnEntry: e.allocateAction(r),
		Transitions: map[string][]fsm.Transition{
			evResourcesAllocated: {{Target: stateExecuting}},
			evResourcesDenied:    {{Target: stateWaitingForResources}},
			evFatal:              {fatalT},
			evManualIntervention: {pauseT},
			evCancel:             {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    stateWaitingForResources,
		OnEntry: e.waitAction(r),
		Transitions: map[string][]fsm.Transition{
			evResourcesAvailable: {{Target: stateResourceAllocation}},
			evResourceTimeout: {{
				Target: stateFailed,
				Action: func(*fsm.Context, fsm.Event) {
					r.fail(&maestroerrors.TimeoutError{
						Operation: "resource wait",
						Duration:  e.cfg.ResourceWaitTimeout,
					})
				},
			}},
			evManualIntervention: {pauseT},
			evFatal:              {fatalT},
			evCancel:             {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    stateExecuting,
		OnEntry: e.stepAction(r),
		Transitions: map[string][]fsm.Transition{
			evStepCompleted:     {{Target: stateExecuting}},
			evCheckpointDue:     {{Target: stateCheckpointing}},
			evAllStepsCompleted: {{Target: stateFinalizing}},
			evHumanGate:         {{Target: stateHumanValidation}},
			evStepFailed: {
				{Target: stateRetry, Guard: canRetry},
				{Target: stateRecovery, Guard: canRecover, Action: consumeRecovery},
				{Target: stateFailed},
			},
			evFatal:              {fatalT},
			evManualIntervention: {pauseT},
			evCancel:             {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    stateCheckpointing,
		OnEntry: e.checkpointAction(r),
		Transitions: map[string][]fsm.Transition{
			evCheckpointed:       {{Target: stateExecuting}},
			evManualIntervention: {pauseT},
			evFatal:              {fatalT},
			evCancel:             {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    stateHumanValidation,
		OnEntry: e.gateAction(r),
		Transitions: map[string][]fsm.Transition{
			evHumanApproved: {{
				Target: stateExecuting,
				Action: func(_ *fsm.Context, ev fsm.Event) { e.resolveGateApproved(r, ev) },
			}},
			evHumanRejected: {{
				Target: stateRecovery,
				Action: func(_ *fsm.Context, ev fsm.Event) { e.resolveGateRejected(r, ev) },
			}},
			evHumanTimeout: {
				{
					Target: stateRecovery,
					Guard:  canRecover,
					Action: func(_ *fsm.Context, ev fsm.Event) {
						e.resolveGateTimedOut(r)
						consumeRecovery(nil, ev)
					},
				},
				{
					Target: stateFailed,
					Action: func(*fsm.Context, fsm.Event) { e.resolveGateTimedOut(r) },
				},
			},
			evFatal:  {fatalT},
			evCancel: {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    stateRetry,
		OnEntry: e.retryAction(r),
		Transitions: map[string][]fsm.Transition{
			evRetryElapsed:       {{Target: stateExecuting}},
			evManualIntervention: {pauseT},
			evFatal:              {fatalT},
			evCancel:             {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    stateRecovery,
		OnEntry: e.recoverAction(r),
		Transitions: map[string][]fsm.Transition{
			evRecoverySuccess:    {{Target: stateExecuting}},
			evRecoveryFailed:     {fatalT},
			evManualIntervention: {pauseT},
			evFatal:              {fatalT},
			evCancel:             {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    statePaused,
		OnEntry: e.pauseAction(r),
		Transitions: map[string][]fsm.Transition{
			evResume: {
				{
					Target: stateResourceAllocation,
					Guard: func(*fsm.Context, fsm.Event) bool {
						r.mu.Lock()
						defer r.mu.Unlock()
						return !r.allocated && !r.requirements.IsZero()
					},
				},
				{Target: stateExecuting},
			},
			evFatal:  {fatalT},
			evCancel: {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    stateFinalizing,
		OnEntry: e.finalizeAction(r),
		Transitions: map[string][]fsm.Transition{
			evFinalized: {{Target: stateCompleted}},
			evCancel:    {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    stateCompleted,
		Final:   true,
		OnEntry: func(*fsm.Context, fsm.Event) { e.finish(r, stateCompleted) },
	})
	m.AddState(&fsm.State{
		Name:    stateFailed,
		Final:   true,
		OnEntry: func(*fsm.Context, fsm.Event) { e.finish(r, stateFailed) },
	})
	m.AddState(&fsm.State{
		Name:    stateCancelled,
		Final:   true,
		OnEntry: func(*fsm.Context, fsm.Event) { e.finish(r, stateCancelled) },
	})

	return fsm.NewInterpreter(m).
		WithLogger(e.logger).
		OnTransition(func(from, to string, ev fsm.Event) { e.onStateChange(r, from, to) })
}

// onStateChange runs on the interpreter goroutine after each taken
// transition, so status updates and their persistence stay totally
// ordered within one execution.
func (e *Engine) onStateChange(r *run, from, to string) {
	now := time.Now()
	r.mu.Lock()
	elapsed := now.Sub(r.stateStart)
	r.stateStart = now
	r.exec.Status = workflow.ExecutionStatus(to)
	snap := cloneExecution(r.exec)
	r.mu.Unlock()

	observeState(from, elapsed)
	e.persistExecution(snap)
	e.persistStateSnapshot(snap)

	if from != to {
		e.publish(eventStateChange, map[string]any{
			"executionId": snap.ID,
			"workflowId":  snap.WorkflowID,
			"from":        from,
			"to":          to,
		})
		e.logger.Debug("workflow state change",
			"execution_id", snap.ID, "from", from, "to", to)
	}
}

func (e *Engine) initAction(r *run) fsm.Action {
	return func(*fsm.Context, fsm.Event) {
		r.mu.Lock()
		r.exec.StartedAt = time.Now()
		r.mu.Unlock()
		_ = r.interp.SendEvent(evInitialized)
	}
}

// planAction derives the step plan: the aggregate resource reservation
// and a reference check of every condition expression against the
// declared step names.
func (e *Engine) planAction(r *run) fsm.Action {
	return func(*fsm.Context, fsm.Event) {
		known := collectStepNames(r.def.Steps, nil)
		known = collectElseNames(r.def.Steps, known)
		if err := validateConditions(r.def.Steps, known); err != nil {
			r.fail(err)
			_ = r.interp.SendEvent(evFatal)
			return
		}

		req := aggregateRequirements(r.def.Steps)
		r.mu.Lock()
		r.requirements = req
		if len(r.def.Steps) > 0 {
			r.exec.CurrentStep = r.def.Steps[0].Name
		}
		r.mu.Unlock()
		_ = r.interp.SendEvent(evPlanned)
	}
}

// allocateAction reserves the aggregate requirements under the
// execution id. Denial parks the run; any other allocation error is
// fatal.
func (e *Engine) allocateAction(r *run) fsm.Action {
	return func(*fsm.Context, fsm.Event) {
		r.mu.Lock()
		req := r.requirements
		held := r.allocated
		r.mu.Unlock()

		if held || req.IsZero() {
			e.stopWaitTimer(r)
			_ = r.interp.SendEvent(evResourcesAllocated)
			return
		}

		alloc, err := e.deps.Pool.Allocate(r.exec.ID, &req)
		if err != nil {
			if maestroerrors.IsResourceDenied(err) {
				e.logger.Debug("resources denied, waiting",
					"execution_id", r.exec.ID, "error", err)
				_ = r.interp.SendEvent(evResourcesDenied)
				return
			}
			r.fail(err)
			_ = r.interp.SendEvent(evFatal)
			return
		}

		alloc.OwnerID = r.exec.ID
		r.mu.Lock()
		r.allocated = true
		r.exec.Allocations = append(r.exec.Allocations, alloc)
		r.mu.Unlock()
		e.stopWaitTimer(r)
		_ = r.interp.SendEvent(evResourcesAllocated)
	}
}

// waitAction arms the single-shot resource deadline. Re-entering the
// wait after a failed re-attempt keeps the original deadline.
func (e *Engine) waitAction(r *run) fsm.Action {
	return func(*fsm.Context, fsm.Event) {
		r.mu.Lock()
		if r.waitTimer == nil {
			r.waitTimer = time.AfterFunc(e.cfg.ResourceWaitTimeout, func() {
				_ = r.interp.SendEvent(evResourceTimeout)
			})
		}
		r.mu.Unlock()
	}
}

func (e *Engine) stopWaitTimer(r *run) {
	r.mu.Lock()
	if r.waitTimer != nil {
		r.waitTimer.Stop()
		r.waitTimer = nil
	}
	r.mu.Unlock()
}

// checkpointAction writes a step-boundary snapshot off the interpreter
// goroutine. Snapshot failures are logged and the run continues; the
// previous checkpoint still covers recovery.
func (e *Engine) checkpointAction(r *run) fsm.Action {
	return func(*fsm.Context, fsm.Event) {
		go func() {
			if err := e.saveCheckpoint(r, workflow.CheckpointStepBoundary); err != nil {
				e.logger.Warn("checkpoint write failed",
					"execution_id", r.exec.ID, "error", err)
			}
			_ = r.interp.SendEvent(evCheckpointed)
		}()
	}
}

func (e *Engine) saveCheckpoint(r *run, reason workflow.CheckpointReason) error {
	r.mu.Lock()
	state := &workflow.CheckpointState{
		Status:      r.exec.Status,
		CurrentStep: r.exec.CurrentStep,
		StepIndex:   r.exec.CurrentStepIndex,
		Context:     r.exec.Context.Clone(),
		Steps:       cloneSteps(r.exec.Steps),
		RetryCount:  r.exec.RetryCount,
	}
	cp := &workflow.Checkpoint{
		ExecutionID: r.exec.ID,
		WorkflowID:  r.exec.WorkflowID,
		StepIndex:   r.exec.CurrentStepIndex,
		Reason:      reason,
	}
	r.mu.Unlock()

	id, err := e.deps.Store.SaveCheckpoint(context.Background(), cp, state)
	if err != nil {
		recordCheckpoint(string(reason), "error")
		return err
	}

	r.mu.Lock()
	r.exec.LastCheckpointID = id
	r.exec.LastCheckpointAt = time.Now()
	r.mu.Unlock()

	recordCheckpoint(string(reason), "ok")
	e.publish(eventCheckpoint, map[string]any{
		"executionId":  r.exec.ID,
		"checkpointId": id,
		"stepIndex":    cp.StepIndex,
		"reason":       string(reason),
	})
	return nil
}

// retryAction consumes one unit of retry budget and arms the fixed
// delay before the step runs again.
func (e *Engine) retryAction(r *run) fsm.Action {
	return func(*fsm.Context, fsm.Event) {
		r.mu.Lock()
		r.exec.RetryCount++
		attempt := r.exec.RetryCount
		step := r.currentStepLocked()
		delay := time.Duration(workflow.DefaultRetryDelaySeconds) * time.Second
		if step != nil && step.Retry != nil {
			delay = time.Duration(step.Retry.Delay) * time.Second
		}
		r.lastErr = nil
		r.retryTimer = time.AfterFunc(delay, func() {
			_ = r.interp.SendEvent(evRetryElapsed)
		})
		stepName := r.exec.CurrentStep
		r.mu.Unlock()

		recordRetry()
		e.logger.Info("retrying step",
			"execution_id", r.exec.ID, "step", stepName,
			"attempt", attempt, "delay", delay)
	}
}

// recoverAction restores the newest usable checkpoint. Corrupted
// snapshots are skipped in favor of older ones; with none usable the
// execution fails with the original error.
func (e *Engine) recoverAction(r *run) fsm.Action {
	return func(*fsm.Context, fsm.Event) {
		go func() {
			cp, state, err := e.latestUsableCheckpoint(r)
			if err != nil {
				r.fail(err)
				recordRecovery("failed")
				e.logger.Warn("recovery failed",
					"execution_id", r.exec.ID, "error", err)
				_ = r.interp.SendEvent(evRecoveryFailed)
				return
			}

			r.mu.Lock()
			r.exec.Context = state.Context
			r.exec.Steps = state.Steps
			r.exec.CurrentStep = state.CurrentStep
			r.exec.CurrentStepIndex = state.StepIndex
			r.exec.RetryCount = state.RetryCount
			r.exec.PendingHumanTaskID = ""
			r.lastErr = nil
			r.mu.Unlock()

			recordRecovery("success")
			e.publish(eventRecovered, map[string]any{
				"executionId":  r.exec.ID,
				"checkpointId": cp.ID,
				"stepIndex":    cp.StepIndex,
			})
			e.logger.Info("execution recovered from checkpoint",
				"execution_id", r.exec.ID, "checkpoint_id", cp.ID,
				"step_index", cp.StepIndex)
			_ = r.interp.SendEvent(evRecoverySuccess)
		}()
	}
}

// latestUsableCheckpoint walks checkpoints newest first, skipping any
// that fail their integrity check on load.
func (e *Engine) latestUsableCheckpoint(r *run) (*workflow.Checkpoint, *workflow.CheckpointState, error) {
	ctx := context.Background()
	list, err := e.deps.Store.ListCheckpoints(ctx, r.exec.WorkflowID, r.exec.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(list) == 0 {
		return nil, nil, &maestroerrors.NotFoundError{Resource: "checkpoint", ID: r.exec.ID}
	}

	var last error
	for _, meta := range list {
		cp, state, err := e.deps.Store.LoadCheckpoint(ctx, r.exec.WorkflowID, r.exec.ID, meta.ID)
		if err != nil {
			if maestroerrors.IsCorrupted(err) {
				e.logger.Warn("skipping corrupted checkpoint",
					"execution_id", r.exec.ID, "checkpoint_id", meta.ID)
				last = err
				continue
			}
			return nil, nil, err
		}
		return cp, state, nil
	}
	return nil, nil, last
}

// pauseAction parks the run: in-flight nested work is interrupted,
// pending timers stop, and a pause snapshot is written so a process
// restart can pick the execution back up. The interrupted step runs
// again from scratch on resume.
func (e *Engine) pauseAction(r *run) fsm.Action {
	return func(*fsm.Context, fsm.Event) {
		r.mu.Lock()
		if r.retryTimer != nil {
			r.retryTimer.Stop()
			r.retryTimer = nil
		}
		if r.waitTimer != nil {
			r.waitTimer.Stop()
			r.waitTimer = nil
		}
		r.mu.Unlock()
		r.cancelOps()

		go func() {
			if err := e.saveCheckpoint(r, workflow.CheckpointPause); err != nil {
				e.logger.Warn("pause checkpoint failed",
					"execution_id", r.exec.ID, "error", err)
			}
		}()
		e.logger.Info("workflow execution paused", "execution_id", r.exec.ID)
	}
}

// finalizeAction releases held resources and resolves leftover human
// tasks before the terminal transition.
func (e *Engine) finalizeAction(r *run) fsm.Action {
	return func(*fsm.Context, fsm.Event) {
		go func() {
			e.releaseResources(r)
			e.cancelTasksForExecution(r.exec.ID)
			_ = r.interp.SendEvent(evFinalized)
		}()
	}
}

// finish is the terminal handler shared by completed, failed, and
// cancelled. It settles the record, releases everything the run holds,
// and publishes the terminal event.
func (e *Engine) finish(r *run, terminal string) {
	now := time.Now()
	r.mu.Lock()
	r.exec.Status = workflow.ExecutionStatus(terminal)
	r.exec.CompletedAt = now
	switch terminal {
	case stateCompleted:
		r.exec.Error = ""
	default:
		if r.exec.Error == "" {
			if r.lastErr != nil {
				r.exec.Error = r.lastErr.Error()
			} else if terminal == stateFailed {
				r.exec.Error = "workflow execution failed"
			}
		}
	}
	r.stopTimersLocked()
	started := r.exec.StartedAt
	if started.IsZero() {
		started = r.exec.CreatedAt
	}
	duration := now.Sub(started)
	snap := cloneExecution(r.exec)
	span := r.span
	r.mu.Unlock()

	r.cancel()
	r.cancelOps()
	e.cancelTasksForExecution(snap.ID)
	e.releaseResources(r)
	e.persistExecution(snap)

	if span != nil {
		if terminal == stateCompleted {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, snap.Error)
		}
		span.End()
	}

	e.statsMu.Lock()
	e.stats.finished++
	e.stats.totalDuration += duration
	switch terminal {
	case stateCompleted:
		e.stats.completed++
	case stateFailed:
		e.stats.failed++
	case stateCancelled:
		e.stats.cancelled++
	}
	e.statsMu.Unlock()

	recordExecution(terminal)
	setActiveExecutions(-1)
	e.releaseSlot(r)
	e.signalResourcesAvailable()

	data := map[string]any{
		"executionId": snap.ID,
		"workflowId":  snap.WorkflowID,
		"durationMs":  duration.Milliseconds(),
	}
	switch terminal {
	case stateCompleted:
		data["outputs"] = snap.Context.Outputs
		e.publish(eventCompleted, data)
		e.logger.Info("workflow execution completed",
			"execution_id", snap.ID, "workflow_id", snap.WorkflowID,
			"steps", len(snap.Steps), "duration", duration)
	case stateFailed:
		data["error"] = snap.Error
		e.publish(eventFailed, data)
		e.logger.Warn("workflow execution failed",
			"execution_id", snap.ID, "workflow_id", snap.WorkflowID,
			"error", snap.Error)
	case stateCancelled:
		e.publish(eventCancelled, data)
		e.logger.Info("workflow execution cancelled",
			"execution_id", snap.ID, "workflow_id", snap.WorkflowID)
	}
}

// aggregateRequirements sums the declared reservations of every step,
// including the children of compound steps, so one upfront allocation
// covers the execution end to end.
func aggregateRequirements(steps []workflow.StepDefinition) workflow.ResourceRequirements {
	var total workflow.ResourceRequirements
	for i := range steps {
		step := &steps[i]
		if step.Resources != nil {
			total = total.Add(*step.Resources)
		}
		total = total.Add(aggregateRequirements(step.Steps))
		total = total.Add(aggregateRequirements(step.ElseSteps))
	}
	return total
}

func collectStepNames(steps []workflow.StepDefinition, names []string) []string {
	for i := range steps {
		names = append(names, steps[i].Name)
		names = collectStepNames(steps[i].Steps, names)
	}
	return names
}

func collectElseNames(steps []workflow.StepDefinition, names []string) []string {
	for i := range steps {
		names = collectStepNames(steps[i].ElseSteps, names)
		names = collectElseNames(steps[i].Steps, names)
	}
	return names
}

// validateConditions checks that every conditional's expression only
// references declared step outputs.
func validateConditions(steps []workflow.StepDefinition, known []string) error {
	for i := range steps {
		step := &steps[i]
		if step.Type == workflow.StepTypeConditional {
			if err := expression.ValidateStepReferences(step.Condition, known); err != nil {
				return err
			}
		}
		if err := validateConditions(step.Steps, known); err != nil {
			return err
		}
		if err := validateConditions(step.ElseSteps, known); err != nil {
			return err
		}
	}
	return nil
}
