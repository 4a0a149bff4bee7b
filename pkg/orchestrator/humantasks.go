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
	"sort"
	"time"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/fsm"
	"github.com/tombee/maestro/pkg/workflow"
)

// gateAction is the human_validation state's entry action. It raises a
// pending task for the gating step and, when the gate has a timeout,
// arms the expiry timer. The task's resolution is driven through the
// state machine so concurrent completions and expiries settle exactly
// once.
func (e *Engine) gateAction(r *run) fsm.Action {
	return func(*fsm.Context, fsm.Event) {
		r.mu.Lock()
		step := r.currentStepLocked()
		if step == nil {
			r.mu.Unlock()
			r.fail(&maestroerrors.StepError{
				StepID:   r.exec.CurrentStep,
				StepType: string(workflow.StepTypeHumanTask),
				Cause:    &maestroerrors.NotFoundError{Resource: "step", ID: r.exec.CurrentStep},
			})
			_ = r.interp.SendEvent(evFatal)
			return
		}

		cfg := step.HumanValidation
		var data map[string]any
		if step.Type == workflow.StepTypeHumanTask {
			cfg = step.Human
		} else if rec, ok := r.exec.Steps[step.Name]; ok {
			if m, isMap := rec.Output.(map[string]any); isMap {
				data = make(map[string]any, len(m))
				for k, v := range m {
					data[k] = v
				}
			} else if rec.Output != nil {
				data = map[string]any{"output": rec.Output}
			}
		}
		task := workflow.NewHumanTask(r.exec.ID, step.Name, cfg, data)
		if task.ExpiresAt.IsZero() && e.cfg.HumanTaskTimeout > 0 {
			task.ExpiresAt = task.CreatedAt.Add(e.cfg.HumanTaskTimeout)
		}
		r.exec.PendingHumanTaskID = task.ID
		if !task.ExpiresAt.IsZero() {
			r.gateTimer = time.AfterFunc(time.Until(task.ExpiresAt), func() {
				_ = r.interp.SendEvent(evHumanTimeout)
			})
		}
		snap := cloneExecution(r.exec)
		r.mu.Unlock()

		e.tasksMu.Lock()
		e.tasks[task.ID] = task
		e.tasksMu.Unlock()

		e.persistExecution(snap)
		e.publish(eventHumanTask, map[string]any{
			"executionId": r.exec.ID,
			"taskId":      task.ID,
			"step":        step.Name,
			"taskType":    string(task.Type),
			"action":      "raised",
		})
		e.logger.Info("human task raised",
			"execution_id", r.exec.ID, "task_id", task.ID,
			"step", step.Name, "type", task.Type,
			"assignee", task.Assignee)
	}
}

// CompleteHumanTask resolves a pending task with the reviewer's answer.
// An approved response resumes execution past the gated step; a
// rejection sends the execution into recovery. completedBy is recorded
// as the respondent when the response does not name one.
func (e *Engine) CompleteHumanTask(taskID string, response *workflow.HumanResponse, completedBy string) error {
	if response == nil {
		return &maestroerrors.ValidationError{
			Field:   "response",
			Message: "human task response is required",
		}
	}

	e.tasksMu.Lock()
	task, ok := e.tasks[taskID]
	if !ok {
		e.tasksMu.Unlock()
		return &maestroerrors.NotFoundError{Resource: "human task", ID: taskID}
	}
	if task.Status != workflow.TaskPending {
		status := task.Status
		e.tasksMu.Unlock()
		return &maestroerrors.ValidationError{
			Field:      "task_id",
			Message:    "human task is already " + string(status),
			Suggestion: "query GetHumanTasks for the recorded response",
		}
	}
	executionID := task.ExecutionID
	e.tasksMu.Unlock()

	r, err := e.liveRun(executionID)
	if err != nil {
		return err
	}

	resp := *response
	if resp.Respondent == "" {
		resp.Respondent = completedBy
	}
	name := evHumanApproved
	if !resp.Approved {
		name = evHumanRejected
	}
	return r.interp.Send(fsm.Event{
		Name: name,
		Payload: map[string]any{
			"taskId":   taskID,
			"response": &resp,
		},
	})
}

// resolveGateApproved records the approval, completes the gating step,
// and advances the plan. Runs as the HUMAN_APPROVED transition action.
func (e *Engine) resolveGateApproved(r *run, ev fsm.Event) {
	task, resp := e.resolveTaskEvent(r, ev, workflow.TaskCompleted)
	if task == nil {
		return
	}

	r.mu.Lock()
	r.stopGateTimerLocked()
	r.exec.PendingHumanTaskID = ""
	step := r.currentStepLocked()
	if step != nil && step.Name == task.StepName {
		if step.Type == workflow.StepTypeHumanTask {
			rec := r.exec.Step(step.Name, step.Type)
			rec.Status = workflow.StepCompleted
			rec.CompletedAt = time.Now()
			if !rec.StartedAt.IsZero() {
				rec.DurationMS = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
			}
			output := map[string]any{
				"approved":   true,
				"respondent": resp.Respondent,
			}
			if resp.Comment != "" {
				output["comment"] = resp.Comment
			}
			if len(resp.Data) > 0 {
				output["data"] = resp.Data
			}
			rec.Output = output
			r.exec.Context.Outputs[step.Name] = output
		}
		if task.Type == workflow.HumanTaskTypeInput {
			for k, v := range resp.Data {
				r.exec.Context.Variables[k] = v
			}
		}
		r.advanceLocked()
	}
	snap := cloneExecution(r.exec)
	r.mu.Unlock()

	recordHumanTask("approved")
	e.persistExecution(snap)
	e.publish(eventHumanTask, map[string]any{
		"executionId": r.exec.ID,
		"taskId":      task.ID,
		"step":        task.StepName,
		"action":      "approved",
		"respondent":  resp.Respondent,
	})
	e.logger.Info("human task approved",
		"execution_id", r.exec.ID, "task_id", task.ID,
		"step", task.StepName, "respondent", resp.Respondent)
}

// resolveGateRejected records the rejection and fails the gate; the
// machine routes the execution into recovery. Runs as the
// HUMAN_REJECTED transition action.
func (e *Engine) resolveGateRejected(r *run, ev fsm.Event) {
	task, resp := e.resolveTaskEvent(r, ev, workflow.TaskCompleted)
	if task == nil {
		return
	}

	r.mu.Lock()
	r.stopGateTimerLocked()
	r.exec.PendingHumanTaskID = ""
	r.mu.Unlock()
	r.fail(&maestroerrors.RejectionError{
		TaskID:     task.ID,
		RejectedBy: resp.Respondent,
		Reason:     resp.Comment,
	})

	recordHumanTask("rejected")
	e.publish(eventHumanTask, map[string]any{
		"executionId": r.exec.ID,
		"taskId":      task.ID,
		"step":        task.StepName,
		"action":      "rejected",
		"respondent":  resp.Respondent,
	})
	e.logger.Warn("human task rejected",
		"execution_id", r.exec.ID, "task_id", task.ID,
		"step", task.StepName, "respondent", resp.Respondent,
		"reason", resp.Comment)
}

// resolveGateTimedOut cancels the pending task after its deadline
// passed unanswered. Runs as the HUMAN_TIMEOUT transition action.
func (e *Engine) resolveGateTimedOut(r *run) {
	r.mu.Lock()
	taskID := r.exec.PendingHumanTaskID
	r.exec.PendingHumanTaskID = ""
	r.stopGateTimerLocked()
	r.mu.Unlock()

	var waited time.Duration
	e.tasksMu.Lock()
	task := e.tasks[taskID]
	if task != nil && task.Status == workflow.TaskPending {
		task.Status = workflow.TaskCancelled
		task.ResolvedAt = time.Now()
		waited = task.ResolvedAt.Sub(task.CreatedAt)
	}
	e.tasksMu.Unlock()
	if task == nil {
		return
	}

	r.fail(&maestroerrors.TimeoutError{
		Operation: "human task " + task.ID,
		Duration:  waited,
	})

	recordHumanTask("expired")
	e.publish(eventHumanTask, map[string]any{
		"executionId": r.exec.ID,
		"taskId":      task.ID,
		"step":        task.StepName,
		"action":      "expired",
	})
	e.logger.Warn("human task expired",
		"execution_id", r.exec.ID, "task_id", task.ID,
		"step", task.StepName, "waited", waited)
}

// resolveTaskEvent marks the event's task with the given terminal
// status and returns it with the reviewer response. Unknown or
// already-resolved tasks return nil; the transition still proceeds.
func (e *Engine) resolveTaskEvent(r *run, ev fsm.Event, status workflow.HumanTaskStatus) (*workflow.HumanTask, *workflow.HumanResponse) {
	taskID, _ := ev.Payload["taskId"].(string)
	resp, _ := ev.Payload["response"].(*workflow.HumanResponse)
	if taskID == "" {
		r.mu.Lock()
		taskID = r.exec.PendingHumanTaskID
		r.mu.Unlock()
	}
	if resp == nil {
		resp = &workflow.HumanResponse{}
	}

	e.tasksMu.Lock()
	defer e.tasksMu.Unlock()
	task, ok := e.tasks[taskID]
	if !ok || task.Status != workflow.TaskPending {
		return nil, nil
	}
	task.Status = status
	task.Response = resp
	task.ResolvedAt = time.Now()
	return task, resp
}

// cancelTasksForExecution cancels every task still pending for a
// terminal execution.
func (e *Engine) cancelTasksForExecution(executionID string) {
	now := time.Now()
	e.tasksMu.Lock()
	for _, task := range e.tasks {
		if task.ExecutionID != executionID || task.Status != workflow.TaskPending {
			continue
		}
		task.Status = workflow.TaskCancelled
		task.ResolvedAt = now
		recordHumanTask("cancelled")
	}
	e.tasksMu.Unlock()
}

// pendingTasks snapshots pending tasks, optionally scoped to one
// execution, oldest first.
func (e *Engine) pendingTasks(executionID string) []*workflow.HumanTask {
	e.tasksMu.Lock()
	out := make([]*workflow.HumanTask, 0, len(e.tasks))
	for _, task := range e.tasks {
		if task.Status != workflow.TaskPending {
			continue
		}
		if executionID != "" && task.ExecutionID != executionID {
			continue
		}
		out = append(out, cloneTask(task))
	}
	e.tasksMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetHumanTasks returns every task raised by an execution, resolved or
// not, oldest first.
func (e *Engine) GetHumanTasks(executionID string) []*workflow.HumanTask {
	e.tasksMu.Lock()
	out := make([]*workflow.HumanTask, 0, 4)
	for _, task := range e.tasks {
		if task.ExecutionID != executionID {
			continue
		}
		out = append(out, cloneTask(task))
	}
	e.tasksMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetPendingHumanTasks returns all tasks awaiting a response across
// every live execution, oldest first.
func (e *Engine) GetPendingHumanTasks() []*workflow.HumanTask {
	return e.pendingTasks("")
}

// cloneTask copies a task so callers cannot race the registry.
func cloneTask(task *workflow.HumanTask) *workflow.HumanTask {
	cp := *task
	if task.Data != nil {
		cp.Data = make(map[string]any, len(task.Data))
		for k, v := range task.Data {
			cp.Data[k] = v
		}
	}
	if task.Response != nil {
		respCopy := *task.Response
		cp.Response = &respCopy
	}
	return &cp
}
