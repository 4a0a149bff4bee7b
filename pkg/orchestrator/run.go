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
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/maestro/pkg/fsm"
	"github.com/tombee/maestro/pkg/workflow"
)

// run is the live state behind one workflow execution: the pinned
// definition, the durable record, the interpreter driving it, and the
// timers armed by its waiting states. The execution record is guarded
// by mu; observers only ever see clones.
type run struct {
	def    *workflow.Definition
	interp *fsm.Interpreter
	ctx    context.Context
	cancel context.CancelFunc

	releaseOnce sync.Once

	mu            sync.Mutex
	exec          *workflow.Execution
	requirements  workflow.ResourceRequirements
	stateStart    time.Time
	lastErr       error
	recoveryCount int
	allocated     bool
	started       bool
	cancelled     bool
	span          trace.Span

	// waitTimer is armed once on entering waiting_for_resources so the
	// deadline is fixed even when allocation is re-attempted.
	waitTimer *time.Timer

	// deadlineTimer enforces the definition's overall timeout.
	deadlineTimer *time.Timer

	retryTimer *time.Timer
	gateTimer  *time.Timer

	// dispatchSeq counts step dispatches. A completion applies only if
	// no newer dispatch happened, so a step re-run after a pause cannot
	// be settled twice by a straggler from before the pause.
	dispatchSeq uint64

	// activeOps maps in-flight nested engine work to its cancel call.
	activeOps map[string]func()
}

func newRun(def *workflow.Definition, exec *workflow.Execution, parent context.Context) *run {
	ctx, cancel := context.WithCancel(parent)
	return &run{
		def:        def,
		exec:       exec,
		ctx:        ctx,
		cancel:     cancel,
		stateStart: time.Now(),
		activeOps:  make(map[string]func()),
	}
}

// fail records the first error of the current failure cycle. A later
// successful step or recovery clears it.
func (r *run) fail(err error) {
	r.mu.Lock()
	if r.lastErr == nil {
		r.lastErr = err
	}
	r.mu.Unlock()
}

func (r *run) snapshot() *workflow.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneExecution(r.exec)
}

func (r *run) status() workflow.ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Status
}

func (r *run) isStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// currentStep returns the definition step at the current index, or nil
// when the plan is exhausted.
func (r *run) currentStepLocked() *workflow.StepDefinition {
	idx := r.exec.CurrentStepIndex
	if idx < 0 || idx >= len(r.def.Steps) {
		return nil
	}
	return &r.def.Steps[idx]
}

// advanceLocked moves past the current step and resets the retry cycle.
func (r *run) advanceLocked() {
	r.exec.CurrentStepIndex++
	r.exec.RetryCount = 0
	if next := r.currentStepLocked(); next != nil {
		r.exec.CurrentStep = next.Name
	} else {
		r.exec.CurrentStep = ""
	}
}

// checkpointDueLocked implements the periodic policy: a snapshot is due
// when more than interval has passed since the last one (or since the
// execution started when none exists yet).
func (r *run) checkpointDueLocked(interval time.Duration) bool {
	last := r.exec.LastCheckpointAt
	if last.IsZero() {
		last = r.exec.StartedAt
	}
	if last.IsZero() {
		last = r.exec.CreatedAt
	}
	return time.Since(last) > interval
}

// canRetry reports whether the current step has retry budget left.
func (r *run) canRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	step := r.currentStepLocked()
	if step == nil || step.Retry == nil {
		return false
	}
	return r.exec.RetryCount < step.Retry.MaxAttempts
}

func (r *run) canRecover(max int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recoveryCount < max
}

func (r *run) registerOp(id string, cancel func()) {
	r.mu.Lock()
	r.activeOps[id] = cancel
	r.mu.Unlock()
}

func (r *run) deregisterOp(id string) {
	r.mu.Lock()
	delete(r.activeOps, id)
	r.mu.Unlock()
}

// cancelOps invokes the cancel API of every in-flight nested operation.
func (r *run) cancelOps() {
	r.mu.Lock()
	cancels := make([]func(), 0, len(r.activeOps))
	for _, fn := range r.activeOps {
		cancels = append(cancels, fn)
	}
	r.mu.Unlock()
	for _, fn := range cancels {
		fn()
	}
}

// stopGateTimerLocked disarms the human-task expiry timer when a gate
// resolves before its deadline.
func (r *run) stopGateTimerLocked() {
	if r.gateTimer != nil {
		r.gateTimer.Stop()
		r.gateTimer = nil
	}
}

func (r *run) stopTimersLocked() {
	if r.waitTimer != nil {
		r.waitTimer.Stop()
		r.waitTimer = nil
	}
	if r.deadlineTimer != nil {
		r.deadlineTimer.Stop()
		r.deadlineTimer = nil
	}
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	if r.gateTimer != nil {
		r.gateTimer.Stop()
		r.gateTimer = nil
	}
}

// cloneExecution deep-copies the mutable parts of an execution record
// so snapshots stay stable after the run moves on.
func cloneExecution(e *workflow.Execution) *workflow.Execution {
	out := *e
	out.Context = e.Context.Clone()
	out.Steps = cloneSteps(e.Steps)
	if len(e.Allocations) > 0 {
		out.Allocations = append([]*workflow.ResourceAllocation(nil), e.Allocations...)
	}
	return &out
}

func cloneSteps(steps map[string]*workflow.StepExecution) map[string]*workflow.StepExecution {
	out := make(map[string]*workflow.StepExecution, len(steps))
	for name, st := range steps {
		cp := *st
		out[name] = &cp
	}
	return out
}
