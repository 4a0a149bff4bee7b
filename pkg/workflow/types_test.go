package workflow

import (
	"testing"
	"time"
)

func TestExecutionStatusTerminal(t *testing.T) {
	terminal := []ExecutionStatus{StatusCompleted, StatusCancelled, StatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
		if s.Active() {
			t.Errorf("%s.Active() = true, want false", s)
		}
	}

	running := []ExecutionStatus{
		StatusInitializing, StatusPlanning, StatusExecuting,
		StatusCheckpointing, StatusHumanValidation, StatusRetry,
		StatusRecovery, StatusPaused, StatusWaitingForResources,
	}
	for _, s := range running {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
		if !s.Active() {
			t.Errorf("%s.Active() = false, want true", s)
		}
	}

	if StatusPending.Active() {
		t.Error("pending should not count as active")
	}
}

func TestExecutionContextClone(t *testing.T) {
	ctx := NewExecutionContext()
	ctx.Variables["a"] = 1
	ctx.Outputs["step1"] = map[string]any{"rows": 10}

	clone := ctx.Clone()
	clone.Variables["a"] = 2
	clone.Outputs["step2"] = "new"

	if ctx.Variables["a"] != 1 {
		t.Error("clone mutation leaked into original variables")
	}
	if _, ok := ctx.Outputs["step2"]; ok {
		t.Error("clone mutation leaked into original outputs")
	}

	var nilCtx *ExecutionContext
	if got := nilCtx.Clone(); got == nil || got.Variables == nil {
		t.Error("Clone of nil context should return an empty context")
	}
}

func TestNewExecution(t *testing.T) {
	def := &Definition{ID: "wf", Version: "1.0.0", Name: "wf"}
	exec := NewExecution(def, map[string]any{"dataset": "d1"})

	if exec.ID == "" {
		t.Error("execution ID not generated")
	}
	if exec.Status != StatusPending {
		t.Errorf("Status = %s, want pending", exec.Status)
	}
	if exec.WorkflowID != "wf" || exec.WorkflowVersion != "1.0.0" {
		t.Errorf("definition pin = %s@%s", exec.WorkflowID, exec.WorkflowVersion)
	}
	if exec.Context.Variables["dataset"] != "d1" {
		t.Error("inputs not seeded into context variables")
	}

	st := exec.Step("ingest", StepTypeDataPipeline)
	if st.Status != StepPending {
		t.Errorf("new step status = %s, want pending", st.Status)
	}
	if again := exec.Step("ingest", StepTypeDataPipeline); again != st {
		t.Error("Step() should return the same record on repeat lookup")
	}
}

func TestNewHumanTask(t *testing.T) {
	cfg := &HumanGateConfig{
		Type:     HumanTaskTypeApproval,
		Title:    "Approve deploy",
		Priority: "high",
		Timeout:  60,
		Data:     map[string]any{"model": "m1"},
	}
	task := NewHumanTask("exec-1", "deploy", cfg, map[string]any{"accuracy": 0.93})

	if task.Type != HumanTaskTypeApproval {
		t.Errorf("Type = %s, want approval", task.Type)
	}
	if task.Status != TaskPending {
		t.Errorf("Status = %s, want pending", task.Status)
	}
	if task.ExpiresAt.IsZero() {
		t.Error("ExpiresAt should be set when a timeout is configured")
	}
	if got := task.ExpiresAt.Sub(task.CreatedAt); got != 60*time.Second {
		t.Errorf("expiry window = %v, want 60s", got)
	}
	if task.Data["model"] != "m1" || task.Data["accuracy"] != 0.93 {
		t.Errorf("Data not merged: %v", task.Data)
	}

	t.Run("defaults", func(t *testing.T) {
		task := NewHumanTask("exec-2", "check", nil, nil)
		if task.Type != HumanTaskTypeValidation {
			t.Errorf("default Type = %s, want validation", task.Type)
		}
		if task.Priority != "normal" {
			t.Errorf("default Priority = %s, want normal", task.Priority)
		}
		if task.Title == "" {
			t.Error("default Title should mention the step")
		}
		if !task.ExpiresAt.IsZero() {
			t.Error("no timeout configured, ExpiresAt should be zero")
		}
	})
}

func TestResourceRequirementsArithmetic(t *testing.T) {
	a := ResourceRequirements{CPU: 2, MemoryMB: 1024, GPU: 1, StorageMB: 100}
	b := ResourceRequirements{CPU: 1, MemoryMB: 512, GPU: 0, StorageMB: 50}

	sum := a.Add(b)
	if sum.CPU != 3 || sum.MemoryMB != 1536 || sum.GPU != 1 || sum.StorageMB != 150 {
		t.Errorf("Add = %+v", sum)
	}

	diff := a.Sub(b)
	if diff.CPU != 1 || diff.MemoryMB != 512 {
		t.Errorf("Sub = %+v", diff)
	}

	if !b.Fits(a) {
		t.Error("b should fit within a")
	}
	if a.Fits(b) {
		t.Error("a should not fit within b")
	}

	var empty *ResourceRequirements
	if !empty.IsZero() {
		t.Error("nil requirements should be zero")
	}
}
