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
	"errors"
	"strings"
	"testing"
	"time"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

func TestHumanTask_InputResponseMergesVariables(t *testing.T) {
	env := newTestEnv(t, Config{}, workflow.ResourceRequirements{})

	def := testDef("sizing",
		humanStep("collect", &workflow.HumanGateConfig{
			Type:     workflow.HumanTaskTypeInput,
			Title:    "Provide batch size",
			Assignee: "ml-team",
		}),
		scriptStep("double", "variables.batchSize * 2"),
	)

	execID := submit(t, env, def, nil)
	task := waitForPendingTask(t, env.engine, execID)

	if task.Type != workflow.HumanTaskTypeInput {
		t.Errorf("task type = %s, want input", task.Type)
	}
	if task.Title != "Provide batch size" || task.Assignee != "ml-team" {
		t.Errorf("task = %+v, want the gate's title and assignee", task)
	}
	if task.StepName != "collect" || task.ExecutionID != execID {
		t.Errorf("task gates %s/%s, want %s/collect", task.ExecutionID, task.StepName, execID)
	}
	if !task.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero (no timeout configured)", task.ExpiresAt)
	}
	if task.Priority != "normal" {
		t.Errorf("Priority = %q, want the normal default", task.Priority)
	}

	live := waitForStatus(t, env.engine, execID, workflow.StatusHumanValidation)
	if live.PendingHumanTaskID != task.ID {
		t.Errorf("PendingHumanTaskID = %q, want %q", live.PendingHumanTaskID, task.ID)
	}
	pending := env.engine.GetPendingHumanTasks()
	if len(pending) != 1 || pending[0].ID != task.ID {
		t.Errorf("pending tasks = %+v, want just this gate", pending)
	}

	err := env.engine.CompleteHumanTask(task.ID, &workflow.HumanResponse{
		Approved: true,
		Comment:  "sized",
		Data:     map[string]any{"batchSize": 21},
	}, "reviewer-1")
	if err != nil {
		t.Fatalf("CompleteHumanTask: %v", err)
	}

	exec := waitDone(t, env.engine, execID)
	if exec.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, error = %q", exec.Status, exec.Error)
	}

	collect := outputOf(t, exec, "collect")
	if approved, _ := collect["approved"].(bool); !approved {
		t.Errorf("collect output = %v, want approved", collect)
	}
	if collect["respondent"] != "reviewer-1" {
		t.Errorf("respondent = %v, want reviewer-1 (defaulted from completedBy)", collect["respondent"])
	}
	if collect["comment"] != "sized" {
		t.Errorf("comment = %v, want sized", collect["comment"])
	}
	if got, _ := num(exec.Context.Outputs["double"]); got != 42 {
		t.Errorf("double output = %v, want 42 (batchSize merged into variables)", exec.Context.Outputs["double"])
	}
	if exec.PendingHumanTaskID != "" {
		t.Errorf("PendingHumanTaskID = %q, want cleared", exec.PendingHumanTaskID)
	}
	if rec := exec.Steps["collect"]; rec == nil || rec.Status != workflow.StepCompleted {
		t.Errorf("collect record = %+v, want completed", rec)
	}

	tasks := env.engine.GetHumanTasks(execID)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	resolved := tasks[0]
	if resolved.Status != workflow.TaskCompleted || resolved.ResolvedAt.IsZero() {
		t.Errorf("task = %+v, want completed with ResolvedAt", resolved)
	}
	if resolved.Response == nil || !resolved.Response.Approved || resolved.Response.Respondent != "reviewer-1" {
		t.Errorf("recorded response = %+v, want the approval", resolved.Response)
	}
	if got := env.engine.GetPendingHumanTasks(); len(got) != 0 {
		t.Errorf("pending tasks after completion = %+v, want none", got)
	}

	gateEvents := env.events.ofType(eventHumanTask)
	if len(gateEvents) != 2 {
		t.Fatalf("human-task events = %d, want raised then approved", len(gateEvents))
	}
	if gateEvents[0].Data["action"] != "raised" || gateEvents[1].Data["action"] != "approved" {
		t.Errorf("event actions = %v, %v, want raised, approved",
			gateEvents[0].Data["action"], gateEvents[1].Data["action"])
	}
}

func TestHumanGate_ValidationKeepsStepOutput(t *testing.T) {
	env := newTestEnv(t, Config{}, workflow.ResourceRequirements{})

	score := scriptStep("score", `{"value": 0.93}`)
	score.RequiresHumanValidation = true
	def := testDef("review-metrics",
		score,
		scriptStep("publish", `"published"`),
	)

	execID := submit(t, env, def, nil)
	task := waitForPendingTask(t, env.engine, execID)

	if task.Type != workflow.HumanTaskTypeValidation {
		t.Errorf("task type = %s, want the validation default", task.Type)
	}
	if task.Title != "Review step score" {
		t.Errorf("task title = %q, want the generated one", task.Title)
	}
	if got, _ := num(task.Data["value"]); got != 0.93 {
		t.Errorf("task data = %v, want the gated step's output", task.Data)
	}

	err := env.engine.CompleteHumanTask(task.ID, &workflow.HumanResponse{Approved: true}, "qa")
	if err != nil {
		t.Fatalf("CompleteHumanTask: %v", err)
	}

	exec := waitDone(t, env.engine, execID)
	if exec.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, error = %q", exec.Status, exec.Error)
	}

	// Approval releases the gate without touching the step's own output.
	scoreOut := outputOf(t, exec, "score")
	if got, _ := num(scoreOut["value"]); got != 0.93 {
		t.Errorf("score output = %v, want the original value", scoreOut)
	}
	if _, overwritten := scoreOut["approved"]; overwritten {
		t.Errorf("score output = %v, gate response leaked into it", scoreOut)
	}
	if exec.Context.Outputs["publish"] != "published" {
		t.Errorf("publish output = %v, want published", exec.Context.Outputs["publish"])
	}
	if rec := exec.Steps["score"]; rec == nil || rec.Status != workflow.StepCompleted || rec.Attempts != 1 {
		t.Errorf("score record = %+v, want one completed attempt", rec)
	}
}

func TestHumanGate_RejectionRecoversAndRegates(t *testing.T) {
	env := newTestEnv(t, Config{CheckpointInterval: time.Millisecond}, workflow.ResourceRequirements{})
	registerTestAgents(t, env.trainer, 2)

	def := testDef("release-train",
		workflow.StepDefinition{
			Name:     "warmup",
			Type:     workflow.StepTypeTraining,
			Training: &workflow.TrainingConfig{Epochs: 3, MaxAgents: 2},
		},
		humanStep("signoff", nil),
		scriptStep("finish", `"shipped"`),
	)

	execID := submit(t, env, def, nil)
	first := waitForPendingTask(t, env.engine, execID)

	err := env.engine.CompleteHumanTask(first.ID, &workflow.HumanResponse{
		Approved: false,
		Comment:  "not ready",
	}, "qa-lead")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}

	// Rejection sends the execution through recovery; the gate comes
	// back as a fresh task.
	var second *workflow.HumanTask
	waitUntil(t, func() bool {
		for _, task := range env.engine.GetHumanTasks(execID) {
			if task.Status == workflow.TaskPending && task.ID != first.ID {
				second = task
				return true
			}
		}
		return false
	}, "gate re-raised after recovery")

	err = env.engine.CompleteHumanTask(second.ID, &workflow.HumanResponse{Approved: true}, "qa-lead")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	exec := waitDone(t, env.engine, execID)
	if exec.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, error = %q", exec.Status, exec.Error)
	}
	if exec.Error != "" {
		t.Errorf("Error = %q, want cleared after the approved rerun", exec.Error)
	}
	if exec.Context.Outputs["finish"] != "shipped" {
		t.Errorf("finish output = %v, want shipped", exec.Context.Outputs["finish"])
	}

	// The checkpointed training result survived the recovery.
	warmup := outputOf(t, exec, "warmup")
	if got, _ := num(warmup["epochs"]); got != 3 {
		t.Errorf("warmup output = %v, want the pre-rejection training result", warmup)
	}
	if exec.LastCheckpointID == "" {
		t.Error("LastCheckpointID empty, want the recovery checkpoint recorded")
	}

	tasks := env.engine.GetHumanTasks(execID)
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want the rejected and the approved gate", len(tasks))
	}
	if tasks[0].ID != first.ID || tasks[0].Response == nil || tasks[0].Response.Approved {
		t.Errorf("first task = %+v, want the recorded rejection", tasks[0])
	}
	if tasks[0].Response != nil && tasks[0].Response.Comment != "not ready" {
		t.Errorf("rejection comment = %q, want not ready", tasks[0].Response.Comment)
	}
	if tasks[1].ID != second.ID || tasks[1].Response == nil || !tasks[1].Response.Approved {
		t.Errorf("second task = %+v, want the recorded approval", tasks[1])
	}

	if got := env.events.count(eventRecovered); got < 1 {
		t.Errorf("recovered events = %d, want at least 1", got)
	}
}

func TestHumanTask_TimeoutFailsExecution(t *testing.T) {
	env := newTestEnv(t, Config{HumanTaskTimeout: 50 * time.Millisecond}, workflow.ResourceRequirements{})

	def := testDef("expired-gate",
		humanStep("approve_rollout", nil),
		scriptStep("after", `"unreached"`),
	)

	execID := submit(t, env, def, nil)
	task := waitForPendingTask(t, env.engine, execID)
	if task.ExpiresAt.IsZero() {
		t.Error("ExpiresAt zero, want the engine default applied")
	}

	exec := waitDone(t, env.engine, execID)
	if exec.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if !strings.Contains(exec.Error, "human task") {
		t.Errorf("Error = %q, want the gate timeout", exec.Error)
	}
	if _, ran := exec.Context.Outputs["after"]; ran {
		t.Error("step after the expired gate still produced output")
	}

	tasks := env.engine.GetHumanTasks(execID)
	if len(tasks) != 1 || tasks[0].Status != workflow.TaskCancelled {
		t.Errorf("tasks = %+v, want the gate cancelled", tasks)
	}
	if tasks[0].ResolvedAt.IsZero() {
		t.Error("cancelled task missing ResolvedAt")
	}

	waitUntil(t, func() bool {
		for _, ev := range env.events.ofType(eventHumanTask) {
			if ev.Data["action"] == "expired" {
				return true
			}
		}
		return false
	}, "expired event")
}

func TestCompleteHumanTask_RejectsBadCalls(t *testing.T) {
	env := newTestEnv(t, Config{}, workflow.ResourceRequirements{})

	def := testDef("single-gate", humanStep("gate", nil))
	execID := submit(t, env, def, nil)
	task := waitForPendingTask(t, env.engine, execID)

	var verr *maestroerrors.ValidationError
	if err := env.engine.CompleteHumanTask(task.ID, nil, "tester"); !errors.As(err, &verr) {
		t.Errorf("nil response: error = %v, want ValidationError", err)
	} else if verr.Field != "response" {
		t.Errorf("nil response: Field = %q, want response", verr.Field)
	}

	if err := env.engine.CompleteHumanTask("no-such-task", &workflow.HumanResponse{Approved: true}, "tester"); !maestroerrors.IsNotFound(err) {
		t.Errorf("unknown task: error = %v, want not-found", err)
	}

	if err := env.engine.CompleteHumanTask(task.ID, &workflow.HumanResponse{Approved: true}, "tester"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	waitUntil(t, func() bool {
		tasks := env.engine.GetHumanTasks(execID)
		return len(tasks) == 1 && tasks[0].Status != workflow.TaskPending
	}, "task resolved")

	err := env.engine.CompleteHumanTask(task.ID, &workflow.HumanResponse{Approved: false}, "other")
	if !errors.As(err, &verr) {
		t.Fatalf("double completion: error = %v, want ValidationError", err)
	}
	if !strings.Contains(verr.Message, "already") {
		t.Errorf("Message = %q, want the already-resolved rejection", verr.Message)
	}

	if exec := waitDone(t, env.engine, execID); exec.Status != workflow.StatusCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}
}
