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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *maestroerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &maestroerrors.ValidationError{
				Field:      "steps",
				Message:    "workflow must declare at least one step",
				Suggestion: "Add a steps list to the definition",
			},
			wantMsg: "validation failed on steps: workflow must declare at least one step",
		},
		{
			name: "without field",
			err: &maestroerrors.ValidationError{
				Message:    "invalid format",
				Suggestion: "Check the input format",
			},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *maestroerrors.NotFoundError
		wantMsg string
	}{
		{
			name: "workflow not found",
			err: &maestroerrors.NotFoundError{
				Resource: "workflow",
				ID:       "my-workflow",
			},
			wantMsg: "workflow not found: my-workflow",
		},
		{
			name: "checkpoint not found",
			err: &maestroerrors.NotFoundError{
				Resource: "checkpoint",
				ID:       "ckpt-42",
			},
			wantMsg: "checkpoint not found: ckpt-42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestResourceError_Error(t *testing.T) {
	err := &maestroerrors.ResourceError{
		Dimension: "gpu",
		Requested: 2,
		Available: 1,
	}
	got := err.Error()
	for _, want := range []string{"gpu", "2.00", "1.00"} {
		if !strings.Contains(got, want) {
			t.Errorf("ResourceError.Error() = %q, want to contain %q", got, want)
		}
	}
	if !err.IsRetryable() {
		t.Error("ResourceError should be retryable")
	}
}

func TestStepError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *maestroerrors.StepError
		want    []string
		notWant []string
	}{
		{
			name: "with attempts and cause",
			err: &maestroerrors.StepError{
				StepID:   "train",
				StepType: "training",
				Attempts: 3,
				Cause:    errors.New("agent unreachable"),
			},
			want:    []string{"step train failed", "3 attempts", "agent unreachable"},
			notWant: []string{},
		},
		{
			name: "single attempt",
			err: &maestroerrors.StepError{
				StepID:   "ingest",
				StepType: "data_pipeline",
				Attempts: 1,
				Cause:    errors.New("no records"),
			},
			want:    []string{"step ingest failed", "no records"},
			notWant: []string{"attempts"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("StepError.Error() = %q, want to contain %q", got, want)
				}
			}
			for _, notWant := range tt.notWant {
				if strings.Contains(got, notWant) {
					t.Errorf("StepError.Error() = %q, should not contain %q", got, notWant)
				}
			}
		})
	}
}

func TestStepError_Unwrap(t *testing.T) {
	cause := errors.New("operator error")
	err := &maestroerrors.StepError{
		StepID:   "deploy",
		Attempts: 1,
		Cause:    cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("StepError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestCorruptedRecordError_Error(t *testing.T) {
	err := &maestroerrors.CorruptedRecordError{
		Kind:   "checkpoint",
		ID:     "ckpt-7",
		Reason: "checksum mismatch",
	}
	want := "corrupted checkpoint record ckpt-7: checksum mismatch"
	if got := err.Error(); got != want {
		t.Errorf("CorruptedRecordError.Error() = %q, want %q", got, want)
	}
	if err.IsRetryable() {
		t.Error("CorruptedRecordError should not be retryable")
	}
}

func TestStoreError_Error(t *testing.T) {
	cause := errors.New("disk full")
	err := &maestroerrors.StoreError{Op: "save_checkpoint", Cause: cause}

	got := err.Error()
	for _, want := range []string{"save_checkpoint", "disk full"} {
		if !strings.Contains(got, want) {
			t.Errorf("StoreError.Error() = %q, want to contain %q", got, want)
		}
	}
	if err.Unwrap() != cause {
		t.Error("StoreError.Unwrap() should return root cause")
	}
}

func TestRejectionError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *maestroerrors.RejectionError
		want []string
	}{
		{
			name: "full",
			err: &maestroerrors.RejectionError{
				TaskID:     "task-1",
				RejectedBy: "reviewer",
				Reason:     "metrics below target",
			},
			want: []string{"task-1", "reviewer", "metrics below target"},
		},
		{
			name: "minimal",
			err:  &maestroerrors.RejectionError{TaskID: "task-2"},
			want: []string{"human task task-2 rejected"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("RejectionError.Error() = %q, want to contain %q", got, want)
				}
			}
		})
	}
}

func TestCancelledError_Error(t *testing.T) {
	err := &maestroerrors.CancelledError{Resource: "execution", ID: "exec-9"}
	want := "execution exec-9 cancelled"
	if got := err.Error(); got != want {
		t.Errorf("CancelledError.Error() = %q, want %q", got, want)
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *maestroerrors.ConfigError
		wantMsg string
	}{
		{
			name: "with key",
			err: &maestroerrors.ConfigError{
				Key:    "store.path",
				Reason: "directory does not exist",
			},
			wantMsg: "config error at store.path: directory does not exist",
		},
		{
			name: "without key",
			err: &maestroerrors.ConfigError{
				Reason: "file not found",
			},
			wantMsg: "config error: file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestTimeoutError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *maestroerrors.TimeoutError
		want []string
	}{
		{
			name: "resource wait timeout",
			err: &maestroerrors.TimeoutError{
				Operation: "resource wait",
				Duration:  30 * time.Second,
			},
			want: []string{"resource wait", "30s"},
		},
		{
			name: "human task timeout",
			err: &maestroerrors.TimeoutError{
				Operation: "human task",
				Duration:  2 * time.Minute,
			},
			want: []string{"human task", "2m0s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("TimeoutError.Error() = %q, want to contain %q", got, want)
				}
			}
		})
	}
}

// Test error wrapping with fmt.Errorf
func TestErrorWrapping(t *testing.T) {
	t.Run("StepError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("network timeout")
		stepErr := &maestroerrors.StepError{
			StepID:   "deploy",
			Attempts: 2,
			Cause:    rootCause,
		}
		wrapped := fmt.Errorf("executing step: %w", stepErr)

		var target *maestroerrors.StepError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find StepError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("StepError.Unwrap() should return root cause")
		}
	})

	t.Run("CorruptedRecordError survives wrapping", func(t *testing.T) {
		original := &maestroerrors.CorruptedRecordError{
			Kind: "checkpoint",
			ID:   "ckpt-1",
		}
		wrapped := fmt.Errorf("loading checkpoint: %w", original)

		var target *maestroerrors.CorruptedRecordError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find CorruptedRecordError in wrapped error")
		}
		if target.ID != "ckpt-1" {
			t.Errorf("unwrapped error ID = %q, want %q", target.ID, "ckpt-1")
		}
	})

	t.Run("StoreError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("database is locked")
		storeErr := &maestroerrors.StoreError{Op: "save_execution", Cause: rootCause}
		wrapped := fmt.Errorf("persisting: %w", storeErr)

		var target *maestroerrors.StoreError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find StoreError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("StoreError.Unwrap() should return root cause")
		}
	})
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantType  string
		retryable bool
	}{
		{"validation", &maestroerrors.ValidationError{Message: "x"}, "validation", false},
		{"resource", &maestroerrors.ResourceError{Dimension: "cpu"}, "resource_denied", true},
		{"step", &maestroerrors.StepError{StepID: "s"}, "step_failed", true},
		{"corrupted", &maestroerrors.CorruptedRecordError{Kind: "checkpoint"}, "corrupted_record", false},
		{"store", &maestroerrors.StoreError{Op: "save"}, "store_unavailable", true},
		{"rejected", &maestroerrors.RejectionError{TaskID: "t"}, "human_rejected", false},
		{"cancelled", &maestroerrors.CancelledError{Resource: "execution"}, "cancelled", false},
		{"timeout", &maestroerrors.TimeoutError{Operation: "wait"}, "timeout", true},
		{"unknown", errors.New("plain"), "unknown", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if got := maestroerrors.TypeOf(wrapped); got != tt.wantType {
				t.Errorf("TypeOf() = %q, want %q", got, tt.wantType)
			}
			if got := maestroerrors.Retryable(wrapped); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}
