// Package workflow provides the workflow data model: definitions,
// step variants, execution records, checkpoints, and human tasks.
//
// Workflow definitions follow a YAML format: a named, versioned sequence
// of steps, each carrying a typed configuration block for its step type
// (data pipeline, training, model deployment, validation, parallel,
// conditional, script, human task). Definitions are immutable after
// registration; publishing a change means registering a new version.
package workflow

import (
	"fmt"
	"os"
	"regexp"

	"github.com/tombee/maestro/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Definition represents a registered workflow: an ordered sequence of
// steps plus workflow-level retry and timeout policy. Definitions are
// keyed by (ID, Version) and never mutated after registration.
type Definition struct {
	// ID is the workflow identifier, stable across versions
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable workflow name
	Name string `yaml:"name" json:"name"`

	// Description provides human-readable context about the workflow
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Version is the semantic version of this definition (defaults to "1.0.0")
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Inputs declares the expected input parameters for the workflow
	Inputs []InputDefinition `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Steps are the executable units of the workflow, run in order
	Steps []StepDefinition `yaml:"steps" json:"steps"`

	// Retry is the default retry policy applied to steps without their own
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Timeout is the overall execution timeout in seconds (0 = none)
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// InputDefinition describes a workflow input parameter.
// Inputs without a default value are required.
type InputDefinition struct {
	// Name is the input parameter identifier
	Name string `yaml:"name" json:"name"`

	// Type specifies the data type (string, number, boolean, object, array)
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// Default provides a fallback value if the input is not provided.
	Default any `yaml:"default,omitempty" json:"default,omitempty"`

	// Required marks the input as mandatory
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Description explains what this input is for
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Pattern is a regex pattern for validating string inputs
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// StepType represents the type of workflow step.
type StepType string

const (
	// StepTypeDataPipeline runs a data pipeline job (ingest through batch)
	StepTypeDataPipeline StepType = "data_pipeline"

	// StepTypeTraining runs a distributed training job
	StepTypeTraining StepType = "training"

	// StepTypeModelDeployment ships a trained model through deployment
	StepTypeModelDeployment StepType = "model_deployment"

	// StepTypeValidation evaluates validation rules against prior outputs
	StepTypeValidation StepType = "validation"

	// StepTypeParallel executes child steps concurrently
	StepTypeParallel StepType = "parallel"

	// StepTypeConditional branches on a condition expression
	StepTypeConditional StepType = "conditional"

	// StepTypeScript evaluates a sandboxed expression program
	StepTypeScript StepType = "script"

	// StepTypeHumanTask blocks until a human task resolves
	StepTypeHumanTask StepType = "human_task"
)

// ValidStepTypes enumerates the declared step taxonomy.
var ValidStepTypes = map[StepType]bool{
	StepTypeDataPipeline:    true,
	StepTypeTraining:        true,
	StepTypeModelDeployment: true,
	StepTypeValidation:      true,
	StepTypeParallel:        true,
	StepTypeConditional:     true,
	StepTypeScript:          true,
	StepTypeHumanTask:       true,
}

// Default retry configuration values.
const (
	// DefaultRetryAttempts is the default number of retry attempts.
	DefaultRetryAttempts = 3

	// DefaultRetryDelaySeconds is the fixed delay between retries.
	DefaultRetryDelaySeconds = 5
)

// StepDefinition represents a single step in a workflow.
//
// Each step type carries its own typed configuration block; the block
// matching Type must be set (compound types use Steps/ElseSteps and
// Condition instead). Steps are referenced by index within their
// definition, so order is significant.
type StepDefinition struct {
	// Name is the unique step identifier within this workflow
	Name string `yaml:"name" json:"name"`

	// Type specifies the step type (see StepType constants)
	Type StepType `yaml:"type" json:"type"`

	// Pipeline configures data_pipeline steps
	Pipeline *PipelineConfig `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`

	// Training configures training steps
	Training *TrainingConfig `yaml:"training,omitempty" json:"training,omitempty"`

	// Deployment configures model_deployment steps
	Deployment *DeploymentConfig `yaml:"deployment,omitempty" json:"deployment,omitempty"`

	// Validation configures validation steps
	Validation *ValidationStepConfig `yaml:"validation,omitempty" json:"validation,omitempty"`

	// Script configures script steps
	Script *ScriptConfig `yaml:"script,omitempty" json:"script,omitempty"`

	// Human configures human_task steps
	Human *HumanGateConfig `yaml:"human,omitempty" json:"human,omitempty"`

	// Condition is the expression for conditional steps. It references
	// variables and prior-step outputs by name and must evaluate to a
	// boolean. A condition that fails to parse or evaluate is false.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Steps are the child steps of parallel steps and the then-branch
	// of conditional steps
	Steps []StepDefinition `yaml:"steps,omitempty" json:"steps,omitempty"`

	// ElseSteps are the else-branch of conditional steps
	ElseSteps []StepDefinition `yaml:"else_steps,omitempty" json:"else_steps,omitempty"`

	// Resources declares the resource reservation this step needs.
	// The orchestrator allocates before dispatch and releases when the
	// execution terminates.
	Resources *ResourceRequirements `yaml:"resources,omitempty" json:"resources,omitempty"`

	// RequiresHumanValidation gates the step behind a human task
	RequiresHumanValidation bool `yaml:"requires_human_validation,omitempty" json:"requires_human_validation,omitempty"`

	// HumanValidation configures the gate created when
	// RequiresHumanValidation is set
	HumanValidation *HumanGateConfig `yaml:"human_validation,omitempty" json:"human_validation,omitempty"`

	// Timeout sets the maximum execution time for this step in seconds
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Retry configures retry behavior for this step, overriding the
	// workflow default
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// CanRunInParallel hints that this step is safe to overlap with
	// its neighbors
	CanRunInParallel bool `yaml:"can_run_in_parallel,omitempty" json:"can_run_in_parallel,omitempty"`
}

// RetryPolicy configures retry behavior for a step or workflow.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of retry attempts
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// Delay is the fixed delay between retries in seconds
	Delay int `yaml:"delay" json:"delay"`
}

// ParseDefinition parses and validates a YAML workflow definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}

	def.ApplyDefaults()

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}

	return &def, nil
}

// LoadDefinition reads and parses a workflow definition from a file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return ParseDefinition(data)
}

// ApplyDefaults fills defaulted fields: version, workflow retry policy,
// and per-step retry inherited from the workflow default.
func (d *Definition) ApplyDefaults() {
	if d.Version == "" {
		d.Version = "1.0.0"
	}
	if d.ID == "" {
		d.ID = d.Name
	}
	if d.Retry == nil {
		d.Retry = &RetryPolicy{
			MaxAttempts: DefaultRetryAttempts,
			Delay:       DefaultRetryDelaySeconds,
		}
	}
	for i := range d.Steps {
		applyStepDefaults(&d.Steps[i], d.Retry)
	}
}

func applyStepDefaults(step *StepDefinition, workflowRetry *RetryPolicy) {
	if step.Retry == nil {
		step.Retry = workflowRetry
	}
	if step.RequiresHumanValidation && step.HumanValidation == nil {
		step.HumanValidation = &HumanGateConfig{Type: HumanTaskTypeValidation}
	}
	for i := range step.Steps {
		applyStepDefaults(&step.Steps[i], workflowRetry)
	}
	for i := range step.ElseSteps {
		applyStepDefaults(&step.ElseSteps[i], workflowRetry)
	}
}

// Validate checks if the workflow definition is valid.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "workflow name is required",
			Suggestion: "add a descriptive name for the workflow",
		}
	}

	if len(d.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "workflow must have at least one step",
			Suggestion: "add at least one step to the workflow definition",
		}
	}

	stepNames := make(map[string]bool)
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Name == "" {
			return &errors.ValidationError{
				Field:      "name",
				Message:    fmt.Sprintf("step %d has no name", i),
				Suggestion: "add a 'name' field to each step",
			}
		}
		if stepNames[step.Name] {
			return &errors.ValidationError{
				Field:      "name",
				Message:    fmt.Sprintf("duplicate step name: %s", step.Name),
				Suggestion: "ensure each step has a unique name",
			}
		}
		stepNames[step.Name] = true

		if err := step.Validate(); err != nil {
			return fmt.Errorf("invalid step %s: %w", step.Name, err)
		}
	}

	for _, input := range d.Inputs {
		if err := input.Validate(); err != nil {
			return fmt.Errorf("invalid input %s: %w", input.Name, err)
		}
	}

	if d.Retry != nil {
		if err := d.Retry.Validate(); err != nil {
			return fmt.Errorf("invalid retry policy: %w", err)
		}
	}

	if d.Timeout < 0 {
		return &errors.ValidationError{
			Field:   "timeout",
			Message: "timeout must not be negative",
		}
	}

	return nil
}

// Validate checks a single step definition, including that its typed
// configuration block matches its declared type.
func (s *StepDefinition) Validate() error {
	if !ValidStepTypes[s.Type] {
		return &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("unknown step type: %s", s.Type),
			Suggestion: "use one of: data_pipeline, training, model_deployment, validation, parallel, conditional, script, human_task",
		}
	}

	switch s.Type {
	case StepTypeDataPipeline:
		if s.Pipeline == nil {
			return &errors.ValidationError{
				Field:   "pipeline",
				Message: "data_pipeline step requires a pipeline configuration block",
			}
		}
		if err := s.Pipeline.Validate(); err != nil {
			return err
		}
	case StepTypeTraining:
		if s.Training == nil {
			return &errors.ValidationError{
				Field:   "training",
				Message: "training step requires a training configuration block",
			}
		}
		if err := s.Training.Validate(); err != nil {
			return err
		}
	case StepTypeModelDeployment:
		if s.Deployment == nil {
			return &errors.ValidationError{
				Field:   "deployment",
				Message: "model_deployment step requires a deployment configuration block",
			}
		}
		if err := s.Deployment.Validate(); err != nil {
			return err
		}
	case StepTypeValidation:
		if s.Validation == nil {
			return &errors.ValidationError{
				Field:   "validation",
				Message: "validation step requires a validation configuration block",
			}
		}
		if err := s.Validation.Validate(); err != nil {
			return err
		}
	case StepTypeScript:
		if s.Script == nil || s.Script.Program == "" {
			return &errors.ValidationError{
				Field:   "script",
				Message: "script step requires a script block with a program",
			}
		}
	case StepTypeHumanTask:
		if s.Human == nil {
			return &errors.ValidationError{
				Field:   "human",
				Message: "human_task step requires a human configuration block",
			}
		}
	case StepTypeParallel:
		if len(s.Steps) == 0 {
			return &errors.ValidationError{
				Field:      "steps",
				Message:    "parallel step has no child steps",
				Suggestion: "add at least one child step to execute in parallel",
			}
		}
	case StepTypeConditional:
		if s.Condition == "" {
			return &errors.ValidationError{
				Field:   "condition",
				Message: "conditional step requires a condition expression",
			}
		}
		if len(s.Steps) == 0 {
			return &errors.ValidationError{
				Field:      "steps",
				Message:    "conditional step has no then-branch steps",
				Suggestion: "add at least one step to the then-branch",
			}
		}
	}

	childNames := make(map[string]bool)
	for i := range s.Steps {
		child := &s.Steps[i]
		if child.Name == "" {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("child step %d of %s has no name", i, s.Name),
			}
		}
		if childNames[child.Name] {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate child step name: %s", child.Name),
			}
		}
		childNames[child.Name] = true
		if err := child.Validate(); err != nil {
			return fmt.Errorf("invalid child step %s: %w", child.Name, err)
		}
	}
	for i := range s.ElseSteps {
		child := &s.ElseSteps[i]
		if err := child.Validate(); err != nil {
			return fmt.Errorf("invalid else step %s: %w", child.Name, err)
		}
	}

	if s.Timeout < 0 {
		return &errors.ValidationError{
			Field:   "timeout",
			Message: "step timeout must not be negative",
		}
	}

	if s.Retry != nil {
		if err := s.Retry.Validate(); err != nil {
			return err
		}
	}

	if s.Resources != nil {
		if err := s.Resources.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks input definition consistency.
func (i *InputDefinition) Validate() error {
	if i.Name == "" {
		return &errors.ValidationError{
			Field:   "name",
			Message: "input name is required",
		}
	}
	if i.Pattern != "" {
		if _, err := regexp.Compile(i.Pattern); err != nil {
			return &errors.ValidationError{
				Field:      "pattern",
				Message:    fmt.Sprintf("invalid pattern: %v", err),
				Suggestion: "use a valid Go regular expression",
			}
		}
	}
	return nil
}

// Validate checks retry policy bounds.
func (r *RetryPolicy) Validate() error {
	if r.MaxAttempts < 0 {
		return &errors.ValidationError{
			Field:   "max_attempts",
			Message: "max_attempts must not be negative",
		}
	}
	if r.Delay < 0 {
		return &errors.ValidationError{
			Field:   "delay",
			Message: "delay must not be negative",
		}
	}
	return nil
}

// ResolveInputs merges provided input values with declared defaults and
// verifies required inputs are present and pattern-valid.
func (d *Definition) ResolveInputs(provided map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(provided))
	for k, v := range provided {
		resolved[k] = v
	}

	for _, input := range d.Inputs {
		val, ok := resolved[input.Name]
		if !ok {
			if input.Default != nil {
				resolved[input.Name] = input.Default
				continue
			}
			if input.Required {
				return nil, &errors.ValidationError{
					Field:      input.Name,
					Message:    "required input is missing",
					Suggestion: fmt.Sprintf("provide a value for input %q", input.Name),
				}
			}
			continue
		}
		if input.Pattern != "" {
			if str, isStr := val.(string); isStr {
				re, err := regexp.Compile(input.Pattern)
				if err == nil && !re.MatchString(str) {
					return nil, &errors.ValidationError{
						Field:   input.Name,
						Message: fmt.Sprintf("value %q does not match pattern %s", str, input.Pattern),
					}
				}
			}
		}
	}

	return resolved, nil
}

// StepByName returns the step with the given name and its index, or
// (-1, nil) when absent. Only top-level steps are searched; child steps
// are addressed through their parent.
func (d *Definition) StepByName(name string) (int, *StepDefinition) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return i, &d.Steps[i]
		}
	}
	return -1, nil
}

// Key returns the (id, version) registry key for this definition.
func (d *Definition) Key() string {
	return d.ID + "@" + d.Version
}
