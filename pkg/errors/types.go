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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid workflow definitions, malformed submissions,
// or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier. Invalid input never succeeds on retry.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "execution", "checkpoint")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ResourceError represents an admission-control denial from the resource
// pool. The orchestrator responds by entering its waiting state rather
// than failing the execution outright.
type ResourceError struct {
	// Dimension is the capacity dimension that could not be satisfied
	// (e.g., "cpu", "memory", "gpu", "storage")
	Dimension string

	// Requested is the amount asked for on that dimension
	Requested float64

	// Available is the amount currently free on that dimension
	Available float64
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	return fmt.Sprintf("insufficient %s: requested %.2f, available %.2f",
		e.Dimension, e.Requested, e.Available)
}

// ErrorType implements ErrorClassifier.
func (e *ResourceError) ErrorType() string { return "resource_denied" }

// IsRetryable implements ErrorClassifier. Capacity frees up as other
// executions release, so a later attempt may succeed.
func (e *ResourceError) IsRetryable() bool { return true }

// StepError represents a workflow step failure. Inner engine errors are
// translated to StepError at the orchestration boundary with the domain
// detail preserved in Cause.
type StepError struct {
	// StepID identifies the failed step within its workflow definition
	StepID string

	// StepType is the step's operator type (e.g., "data_pipeline", "script")
	StepType string

	// Attempts is how many times the step ran before giving up
	Attempts int

	// Cause is the underlying operator error
	Cause error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	msg := fmt.Sprintf("step %s failed", e.StepID)
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *StepError) ErrorType() string { return "step_failed" }

// IsRetryable implements ErrorClassifier.
func (e *StepError) IsRetryable() bool { return true }

// CorruptedRecordError indicates a persisted record failed its checksum
// or could not be decoded. Recovery skips the record and tries an older one.
type CorruptedRecordError struct {
	// Kind is the record category (e.g., "checkpoint", "workflow_state")
	Kind string

	// ID is the identifier of the corrupted record
	ID string

	// Reason explains the corruption (checksum mismatch, truncation, decode failure)
	Reason string
}

// Error implements the error interface.
func (e *CorruptedRecordError) Error() string {
	return fmt.Sprintf("corrupted %s record %s: %s", e.Kind, e.ID, e.Reason)
}

// ErrorType implements ErrorClassifier.
func (e *CorruptedRecordError) ErrorType() string { return "corrupted_record" }

// IsRetryable implements ErrorClassifier. Re-reading a corrupt record
// yields the same bytes.
func (e *CorruptedRecordError) IsRetryable() bool { return false }

// StoreError represents a persistence layer failure (connection loss,
// transaction failure, disk exhaustion). Fatal for the containing
// operation; committed state stays intact.
type StoreError struct {
	// Op is the store operation that failed (e.g., "save_checkpoint", "backup")
	Op string

	// Cause is the underlying database or filesystem error
	Cause error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *StoreError) ErrorType() string { return "store_unavailable" }

// IsRetryable implements ErrorClassifier.
func (e *StoreError) IsRetryable() bool { return true }

// RejectionError represents an explicit human rejection of a validation
// gate. The owning execution enters its recovery path.
type RejectionError struct {
	// TaskID identifies the human task that was rejected
	TaskID string

	// RejectedBy records who rejected, when known
	RejectedBy string

	// Reason is the reviewer's stated reason, if any
	Reason string
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	msg := fmt.Sprintf("human task %s rejected", e.TaskID)
	if e.RejectedBy != "" {
		msg = fmt.Sprintf("%s by %s", msg, e.RejectedBy)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	return msg
}

// ErrorType implements ErrorClassifier.
func (e *RejectionError) ErrorType() string { return "human_rejected" }

// IsRetryable implements ErrorClassifier.
func (e *RejectionError) IsRetryable() bool { return false }

// CancelledError represents cancellation of an execution or job, either
// by an operator request or by a nested engine being cancelled underneath
// the orchestrator.
type CancelledError struct {
	// Resource is what was cancelled (e.g., "execution", "training job")
	Resource string

	// ID is the identifier of the cancelled resource
	ID string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s %s cancelled", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *CancelledError) ErrorType() string { return "cancelled" }

// IsRetryable implements ErrorClassifier.
func (e *CancelledError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "store.path", "pool.cpu")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout, including
// human tasks whose deadline lapses and resource waits that expire.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "resource wait", "human task")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }
