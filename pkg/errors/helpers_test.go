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
	"strings"
	"testing"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

func TestWrap(t *testing.T) {
	t.Run("wraps error with context", func(t *testing.T) {
		original := errors.New("original error")
		wrapped := maestroerrors.Wrap(original, "additional context")

		if wrapped == nil {
			t.Fatal("Wrap should not return nil for non-nil error")
		}

		msg := wrapped.Error()
		if !strings.Contains(msg, "additional context") {
			t.Errorf("wrapped error should contain context, got: %s", msg)
		}
		if !strings.Contains(msg, "original error") {
			t.Errorf("wrapped error should contain original message, got: %s", msg)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		wrapped := maestroerrors.Wrap(nil, "context")
		if wrapped != nil {
			t.Errorf("Wrap(nil, _) should return nil, got: %v", wrapped)
		}
	})

	t.Run("preserves error chain", func(t *testing.T) {
		original := errors.New("root cause")
		wrapped := maestroerrors.Wrap(original, "context")

		if !errors.Is(wrapped, original) {
			t.Error("wrapped error should match original with errors.Is")
		}

		unwrapped := errors.Unwrap(wrapped)
		if unwrapped != original {
			t.Errorf("Unwrap should return original error, got: %v", unwrapped)
		}
	})
}

func TestWrapf(t *testing.T) {
	t.Run("wraps error with formatted context", func(t *testing.T) {
		original := errors.New("file not found")
		wrapped := maestroerrors.Wrapf(original, "loading file %s", "/path/to/file")

		if wrapped == nil {
			t.Fatal("Wrapf should not return nil for non-nil error")
		}

		msg := wrapped.Error()
		if !strings.Contains(msg, "loading file /path/to/file") {
			t.Errorf("wrapped error should contain formatted context, got: %s", msg)
		}
		if !strings.Contains(msg, "file not found") {
			t.Errorf("wrapped error should contain original message, got: %s", msg)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		wrapped := maestroerrors.Wrapf(nil, "loading file %s", "/path/to/file")
		if wrapped != nil {
			t.Errorf("Wrapf(nil, _, _) should return nil, got: %v", wrapped)
		}
	})

	t.Run("handles multiple format arguments", func(t *testing.T) {
		original := errors.New("connection failed")
		wrapped := maestroerrors.Wrapf(original, "connecting to %s:%d", "localhost", 8080)

		msg := wrapped.Error()
		if !strings.Contains(msg, "connecting to localhost:8080") {
			t.Errorf("wrapped error should contain formatted context, got: %s", msg)
		}
	})

	t.Run("preserves error chain", func(t *testing.T) {
		original := errors.New("root cause")
		wrapped := maestroerrors.Wrapf(original, "context: %s", "details")

		if !errors.Is(wrapped, original) {
			t.Error("wrapped error should match original with errors.Is")
		}
	})
}

func TestIs(t *testing.T) {
	t.Run("finds error in chain", func(t *testing.T) {
		target := &maestroerrors.ValidationError{Field: "test"}
		wrapped := maestroerrors.Wrap(target, "wrapper")

		if !maestroerrors.Is(wrapped, target) {
			t.Error("Is should find target error in chain")
		}
	})

	t.Run("returns false for different error", func(t *testing.T) {
		err := &maestroerrors.ValidationError{Field: "test"}
		target := &maestroerrors.NotFoundError{Resource: "test"}

		if maestroerrors.Is(err, target) {
			t.Error("Is should return false for different error types")
		}
	})

	t.Run("returns false for nil error", func(t *testing.T) {
		target := &maestroerrors.ValidationError{Field: "test"}

		if maestroerrors.Is(nil, target) {
			t.Error("Is should return false for nil error")
		}
	})
}

func TestAs(t *testing.T) {
	t.Run("extracts typed error from chain", func(t *testing.T) {
		original := &maestroerrors.ValidationError{
			Field:   "email",
			Message: "invalid format",
		}
		wrapped := maestroerrors.Wrap(original, "validation failed")

		var target *maestroerrors.ValidationError
		if !maestroerrors.As(wrapped, &target) {
			t.Fatal("As should extract ValidationError from chain")
		}

		if target.Field != "email" {
			t.Errorf("extracted error Field = %q, want %q", target.Field, "email")
		}
		if target.Message != "invalid format" {
			t.Errorf("extracted error Message = %q, want %q", target.Message, "invalid format")
		}
	})

	t.Run("returns false for different error type", func(t *testing.T) {
		err := &maestroerrors.ValidationError{Field: "test"}

		var target *maestroerrors.NotFoundError
		if maestroerrors.As(err, &target) {
			t.Error("As should return false when error type doesn't match")
		}
	})

	t.Run("returns false for nil error", func(t *testing.T) {
		var target *maestroerrors.ValidationError
		if maestroerrors.As(nil, &target) {
			t.Error("As should return false for nil error")
		}
	})

	t.Run("extracts all error types", func(t *testing.T) {
		tests := []struct {
			name   string
			err    error
			target interface{}
		}{
			{
				name:   "NotFoundError",
				err:    &maestroerrors.NotFoundError{Resource: "test", ID: "123"},
				target: &maestroerrors.NotFoundError{},
			},
			{
				name:   "ConfigError",
				err:    &maestroerrors.ConfigError{Key: "test"},
				target: &maestroerrors.ConfigError{},
			},
			{
				name:   "TimeoutError",
				err:    &maestroerrors.TimeoutError{Operation: "test"},
				target: &maestroerrors.TimeoutError{},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				wrapped := maestroerrors.Wrap(tt.err, "wrapper")
				if !maestroerrors.As(wrapped, &tt.target) {
					t.Errorf("As should extract %s from chain", tt.name)
				}
			})
		}
	})
}

func TestUnwrap(t *testing.T) {
	t.Run("unwraps single level", func(t *testing.T) {
		original := errors.New("original")
		wrapped := maestroerrors.Wrap(original, "wrapper")

		unwrapped := maestroerrors.Unwrap(wrapped)
		if unwrapped != original {
			t.Errorf("Unwrap should return original error, got: %v", unwrapped)
		}
	})

	t.Run("returns nil for error without cause", func(t *testing.T) {
		err := errors.New("simple error")
		unwrapped := maestroerrors.Unwrap(err)
		if unwrapped != nil {
			t.Errorf("Unwrap should return nil for error without cause, got: %v", unwrapped)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		unwrapped := maestroerrors.Unwrap(nil)
		if unwrapped != nil {
			t.Errorf("Unwrap(nil) should return nil, got: %v", unwrapped)
		}
	})
}

func TestNew(t *testing.T) {
	t.Run("creates new error", func(t *testing.T) {
		err := maestroerrors.New("test error")
		if err == nil {
			t.Fatal("New should create non-nil error")
		}

		if err.Error() != "test error" {
			t.Errorf("error message = %q, want %q", err.Error(), "test error")
		}
	})

	t.Run("creates unique error instances", func(t *testing.T) {
		err1 := maestroerrors.New("test")
		err2 := maestroerrors.New("test")

		if err1 == err2 {
			t.Error("New should create unique error instances")
		}
	})
}

func TestClassificationHelpers(t *testing.T) {
	t.Run("IsNotFound", func(t *testing.T) {
		err := maestroerrors.Wrap(&maestroerrors.NotFoundError{Resource: "execution", ID: "x"}, "loading")
		if !maestroerrors.IsNotFound(err) {
			t.Error("IsNotFound should see through wrapping")
		}
		if maestroerrors.IsNotFound(errors.New("other")) {
			t.Error("IsNotFound should be false for unrelated errors")
		}
	})

	t.Run("IsCorrupted", func(t *testing.T) {
		err := maestroerrors.Wrap(&maestroerrors.CorruptedRecordError{Kind: "checkpoint", ID: "c1"}, "restore")
		if !maestroerrors.IsCorrupted(err) {
			t.Error("IsCorrupted should see through wrapping")
		}
	})

	t.Run("IsCancelled", func(t *testing.T) {
		err := maestroerrors.Wrap(&maestroerrors.CancelledError{Resource: "job", ID: "j1"}, "training")
		if !maestroerrors.IsCancelled(err) {
			t.Error("IsCancelled should see through wrapping")
		}
	})

	t.Run("IsResourceDenied", func(t *testing.T) {
		err := maestroerrors.Wrap(&maestroerrors.ResourceError{Dimension: "cpu"}, "allocate")
		if !maestroerrors.IsResourceDenied(err) {
			t.Error("IsResourceDenied should see through wrapping")
		}
	})

	t.Run("IsTimeout", func(t *testing.T) {
		err := maestroerrors.Wrap(&maestroerrors.TimeoutError{Operation: "wait"}, "gate")
		if !maestroerrors.IsTimeout(err) {
			t.Error("IsTimeout should see through wrapping")
		}
	})
}
