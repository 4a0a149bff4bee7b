package workflow

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of a workflow execution. The
// values mirror the orchestrator's state machine; terminal states never
// transition again.
type ExecutionStatus string

const (
	// StatusPending means the execution is queued but not yet admitted
	StatusPending ExecutionStatus = "pending"

	// StatusInitializing means the execution record and context are
	// being set up
	StatusInitializing ExecutionStatus = "initializing"

	// StatusPlanning means the step plan is being derived from the
	// definition
	StatusPlanning ExecutionStatus = "planning"

	// StatusResourceAllocation means upfront resources are being
	// reserved
	StatusResourceAllocation ExecutionStatus = "resource_allocation"

	// StatusWaitingForResources means a reservation could not be
	// satisfied and the execution is parked until capacity frees up
	StatusWaitingForResources ExecutionStatus = "waiting_for_resources"

	// StatusExecuting means steps are running
	StatusExecuting ExecutionStatus = "executing"

	// StatusCheckpointing means a durable snapshot is being written
	StatusCheckpointing ExecutionStatus = "checkpointing"

	// StatusHumanValidation means the execution is blocked on a human
	// task
	StatusHumanValidation ExecutionStatus = "human_validation"

	// StatusRetry means a failed step is waiting out its retry delay
	StatusRetry ExecutionStatus = "retry"

	// StatusRecovery means the execution is being restored from its
	// latest usable checkpoint
	StatusRecovery ExecutionStatus = "recovery"

	// StatusPaused means the execution was suspended by operator
	// request
	StatusPaused ExecutionStatus = "paused"

	// StatusFinalizing means resources are being released and the
	// final result assembled
	StatusFinalizing ExecutionStatus = "finalizing"

	// StatusCompleted is the successful terminal state
	StatusCompleted ExecutionStatus = "completed"

	// StatusCancelled is the terminal state after operator cancellation
	StatusCancelled ExecutionStatus = "cancelled"

	// StatusFailed is the terminal state after unrecoverable failure
	StatusFailed ExecutionStatus = "failed"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Active reports whether the execution still owns runtime state (it is
// neither terminal nor merely queued).
func (s ExecutionStatus) Active() bool {
	return s != StatusPending && !s.Terminal()
}

// StepStatus is the lifecycle state of a single step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ExecutionContext is the mutable data an execution accumulates:
// user-settable variables, per-step outputs keyed by step name, and
// engine-managed metadata. It is owned by the execution's goroutine;
// Clone before handing it to observers.
type ExecutionContext struct {
	// Variables holds workflow inputs and script-written values
	Variables map[string]any `json:"variables"`

	// Outputs maps completed step names to their results
	Outputs map[string]any `json:"outputs"`

	// Metadata holds engine bookkeeping (timings, allocation ids)
	Metadata map[string]any `json:"metadata"`
}

// NewExecutionContext returns an empty context with all maps allocated.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{
		Variables: make(map[string]any),
		Outputs:   make(map[string]any),
		Metadata:  make(map[string]any),
	}
}

// Clone returns a copy with fresh top-level maps. Nested values are
// shared; callers treating clones as snapshots must not mutate nested
// structures.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return NewExecutionContext()
	}
	out := &ExecutionContext{
		Variables: make(map[string]any, len(c.Variables)),
		Outputs:   make(map[string]any, len(c.Outputs)),
		Metadata:  make(map[string]any, len(c.Metadata)),
	}
	for k, v := range c.Variables {
		out.Variables[k] = v
	}
	for k, v := range c.Outputs {
		out.Outputs[k] = v
	}
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// StepExecution records one step attempt set within an execution.
type StepExecution struct {
	// Name is the step name from the definition
	Name string `json:"name"`

	// Type is the step type from the definition
	Type StepType `json:"type"`

	// Status is the step lifecycle state
	Status StepStatus `json:"status"`

	// Attempts counts how many times the step has been started
	Attempts int `json:"attempts"`

	// Output is the step result recorded on completion
	Output any `json:"output,omitempty"`

	// Error is the last failure message, empty on success
	Error string `json:"error,omitempty"`

	// StartedAt is when the latest attempt began
	StartedAt time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the step reached a final step status
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// DurationMS is the wall time of the latest attempt
	DurationMS int64 `json:"duration_ms,omitempty"`
}

// Execution is the durable record of one workflow run.
type Execution struct {
	// ID uniquely identifies the execution
	ID string `json:"id"`

	// WorkflowID and WorkflowVersion pin the definition being run
	WorkflowID      string `json:"workflow_id"`
	WorkflowVersion string `json:"workflow_version"`

	// Status is the current lifecycle state
	Status ExecutionStatus `json:"status"`

	// Inputs are the caller-supplied inputs after default resolution
	Inputs map[string]any `json:"inputs,omitempty"`

	// Context is the accumulated execution data
	Context *ExecutionContext `json:"context,omitempty"`

	// CurrentStep names the step being executed (or retried)
	CurrentStep string `json:"current_step,omitempty"`

	// CurrentStepIndex is the definition index of CurrentStep
	CurrentStepIndex int `json:"current_step_index,omitempty"`

	// Steps records per-step progress keyed by step name
	Steps map[string]*StepExecution `json:"steps,omitempty"`

	// RetryCount counts retry cycles consumed by the current step
	RetryCount int `json:"retry_count,omitempty"`

	// Error is the terminal failure message, empty otherwise
	Error string `json:"error,omitempty"`

	// Allocations records the pool reservations held by this execution
	Allocations []*ResourceAllocation `json:"allocations,omitempty"`

	// LastCheckpointID and LastCheckpointAt describe the most recent
	// durable snapshot; the snapshot body lives only in the store
	LastCheckpointID string    `json:"last_checkpoint_id,omitempty"`
	LastCheckpointAt time.Time `json:"last_checkpoint_at,omitempty"`

	// PendingHumanTaskID is set while blocked in human_validation
	PendingHumanTaskID string `json:"pending_human_task_id,omitempty"`

	// CreatedAt, StartedAt, CompletedAt bound the execution lifetime
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// NewExecution builds a pending execution for a definition with
// resolved inputs.
func NewExecution(def *Definition, inputs map[string]any) *Execution {
	ctx := NewExecutionContext()
	for k, v := range inputs {
		ctx.Variables[k] = v
	}
	return &Execution{
		ID:              uuid.New().String(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		Status:          StatusPending,
		Inputs:          inputs,
		Context:         ctx,
		Steps:           make(map[string]*StepExecution),
		CreatedAt:       time.Now(),
	}
}

// Step returns the step record for name, creating it on first use.
func (e *Execution) Step(name string, typ StepType) *StepExecution {
	if e.Steps == nil {
		e.Steps = make(map[string]*StepExecution)
	}
	st, ok := e.Steps[name]
	if !ok {
		st = &StepExecution{Name: name, Type: typ, Status: StepPending}
		e.Steps[name] = st
	}
	return st
}

// Checkpoint is the metadata of one durable execution snapshot. The
// serialized state blob is stored separately and never embedded here.
type Checkpoint struct {
	// ID uniquely identifies the checkpoint
	ID string `json:"id"`

	// ExecutionID and WorkflowID tie the snapshot to its run
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`

	// Version is the monotonic snapshot number within the execution
	Version int `json:"version"`

	// StepIndex is the definition step index the snapshot captured.
	// Never greater than the execution's current step index.
	StepIndex int `json:"step_index"`

	// Reason records why the snapshot was taken
	Reason CheckpointReason `json:"reason"`

	// SizeBytes is the encoded blob size
	SizeBytes int64 `json:"size_bytes"`

	// Checksum is the hex digest the codec verifies on load
	Checksum string `json:"checksum"`

	// CreatedAt is the snapshot time
	CreatedAt time.Time `json:"created_at"`
}

// CheckpointReason explains what triggered a snapshot.
type CheckpointReason string

const (
	// CheckpointStepBoundary is taken after a step completes
	CheckpointStepBoundary CheckpointReason = "step_boundary"

	// CheckpointInterval is taken by the periodic policy
	CheckpointInterval CheckpointReason = "interval"

	// CheckpointPause is taken when an execution is suspended
	CheckpointPause CheckpointReason = "pause"

	// CheckpointManual is taken on explicit request
	CheckpointManual CheckpointReason = "manual"
)

// CheckpointState is the restorable body of a snapshot: everything
// needed to resume an execution from the step boundary it captured.
type CheckpointState struct {
	// Status is the execution status at snapshot time
	Status ExecutionStatus `json:"status"`

	// CurrentStep is the step the execution will resume after
	CurrentStep string `json:"current_step"`

	// StepIndex is the definition index of CurrentStep
	StepIndex int `json:"step_index"`

	// Context is the execution data at snapshot time
	Context *ExecutionContext `json:"context"`

	// Steps is the per-step progress at snapshot time
	Steps map[string]*StepExecution `json:"steps"`

	// RetryCount is the retry budget consumed by the current step
	RetryCount int `json:"retry_count"`
}

// ResourceAllocation records one reservation held against the pool.
type ResourceAllocation struct {
	// ID uniquely identifies the allocation
	ID string `json:"id"`

	// OwnerID is the execution (or job) holding the reservation
	OwnerID string `json:"owner_id"`

	// StepName is the step the reservation serves, if step-scoped
	StepName string `json:"step_name,omitempty"`

	// Resources is the reserved vector
	Resources ResourceRequirements `json:"resources"`

	// AllocatedAt is when the reservation was granted
	AllocatedAt time.Time `json:"allocated_at"`
}

// ExecutionFilter narrows execution queries. Results order by start
// time descending.
type ExecutionFilter struct {
	// WorkflowID restricts to one workflow when non-empty
	WorkflowID string

	// Status restricts to one lifecycle state when non-empty
	Status ExecutionStatus

	// StartedAfter / StartedBefore bound the start time range
	StartedAfter  time.Time
	StartedBefore time.Time

	// Limit caps the result count; zero means no cap
	Limit int
}
