package workflow

import (
	"time"

	"github.com/google/uuid"
)

// HumanTaskType classifies what is being asked of the human.
type HumanTaskType string

const (
	// HumanTaskTypeValidation asks a human to confirm step results
	HumanTaskTypeValidation HumanTaskType = "validation"

	// HumanTaskTypeApproval asks a human to authorize continuing
	HumanTaskTypeApproval HumanTaskType = "approval"

	// HumanTaskTypeInput asks a human to supply values
	HumanTaskTypeInput HumanTaskType = "input"

	// HumanTaskTypeReview asks a human to inspect without gating
	HumanTaskTypeReview HumanTaskType = "review"
)

// HumanTaskStatus is the lifecycle state of a human task.
type HumanTaskStatus string

const (
	// TaskPending means the task awaits a response
	TaskPending HumanTaskStatus = "pending"

	// TaskCompleted means a response was recorded
	TaskCompleted HumanTaskStatus = "completed"

	// TaskCancelled means the task expired or its execution ended
	TaskCancelled HumanTaskStatus = "cancelled"
)

// HumanGateConfig declares the human task a step raises before the
// execution may continue past it.
type HumanGateConfig struct {
	// Type classifies the task (default validation)
	Type HumanTaskType `yaml:"type,omitempty" json:"type,omitempty"`

	// Title is the short label shown to the reviewer
	Title string `yaml:"title,omitempty" json:"title,omitempty"`

	// Description explains what is being asked
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Priority orders tasks in worklists (low, normal, high, critical)
	Priority string `yaml:"priority,omitempty" json:"priority,omitempty"`

	// Assignee routes the task to a person or group
	Assignee string `yaml:"assignee,omitempty" json:"assignee,omitempty"`

	// Timeout is the seconds before an unanswered task expires and
	// the execution fails; zero blocks indefinitely
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Data is extra payload surfaced with the task
	Data map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
}

// HumanTask is one pending (or resolved) request for human input tied
// to a blocked execution.
type HumanTask struct {
	// ID uniquely identifies the task
	ID string `json:"id"`

	// ExecutionID and StepName locate what the task gates
	ExecutionID string `json:"execution_id"`
	StepName    string `json:"step_name"`

	// Type, Title, Description, Priority, Assignee mirror the gate
	// config
	Type        HumanTaskType `json:"type"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Priority    string        `json:"priority,omitempty"`
	Assignee    string        `json:"assignee,omitempty"`

	// Data is the payload surfaced to the reviewer, typically the
	// gated step's output
	Data map[string]any `json:"data,omitempty"`

	// Status is the task lifecycle state
	Status HumanTaskStatus `json:"status"`

	// Response is recorded when the task completes
	Response *HumanResponse `json:"response,omitempty"`

	// CreatedAt is when the task was raised
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when an unanswered task times out; zero means never
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// ResolvedAt is when the task left pending
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// HumanResponse is the reviewer's answer to a human task.
type HumanResponse struct {
	// Approved reports whether the reviewer let the execution continue
	Approved bool `json:"approved"`

	// Respondent identifies who answered
	Respondent string `json:"respondent,omitempty"`

	// Comment is free-form reviewer notes
	Comment string `json:"comment,omitempty"`

	// Data carries values supplied by the reviewer (input tasks merge
	// these into execution variables)
	Data map[string]any `json:"data,omitempty"`
}

// NewHumanTask builds a pending task for a gated step.
func NewHumanTask(executionID, stepName string, cfg *HumanGateConfig, data map[string]any) *HumanTask {
	task := &HumanTask{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		StepName:    stepName,
		Type:        HumanTaskTypeValidation,
		Status:      TaskPending,
		Data:        data,
		CreatedAt:   time.Now(),
	}
	if cfg != nil {
		if cfg.Type != "" {
			task.Type = cfg.Type
		}
		task.Title = cfg.Title
		task.Description = cfg.Description
		task.Priority = cfg.Priority
		task.Assignee = cfg.Assignee
		if cfg.Timeout > 0 {
			task.ExpiresAt = task.CreatedAt.Add(time.Duration(cfg.Timeout) * time.Second)
		}
		if len(cfg.Data) > 0 {
			if task.Data == nil {
				task.Data = make(map[string]any, len(cfg.Data))
			}
			for k, v := range cfg.Data {
				task.Data[k] = v
			}
		}
	}
	if task.Title == "" {
		task.Title = "Review step " + stepName
	}
	if task.Priority == "" {
		task.Priority = "normal"
	}
	return task
}
