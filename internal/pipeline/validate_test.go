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

package pipeline

import (
	"fmt"
	"testing"

	"github.com/tombee/maestro/pkg/workflow"
)

func f64(v float64) *float64 { return &v }

func TestValidateRecords_NilConfigPasses(t *testing.T) {
	result, err := validateRecords(nil, nil, []Record{{"a": float64(1)}})
	if err != nil {
		t.Fatalf("validateRecords: %v", err)
	}
	if !result.Passed || result.ValidRecords != 1 {
		t.Errorf("result = %+v, want trivially valid", result)
	}
}

func TestValidateRecords_RequiredRule(t *testing.T) {
	cfg := &workflow.PipelineValidationConfig{
		Rules: []workflow.ValidationRule{{Type: "required", Field: "id"}},
	}
	records := []Record{
		{"id": "a"},
		{"id": nil},
		{"other": "x"},
	}

	result, err := validateRecords(cfg, nil, records)
	if err != nil {
		t.Fatalf("validateRecords: %v", err)
	}
	if result.Passed {
		t.Error("Passed = true with missing required fields")
	}
	if result.ValidRecords != 1 || result.ErrorCount != 2 {
		t.Errorf("valid=%d errors=%d, want 1 valid and 2 errors",
			result.ValidRecords, result.ErrorCount)
	}
	if result.Errors[0].Index != 1 || result.Errors[0].Rule != "required" {
		t.Errorf("first error = %+v, want required failure at index 1", result.Errors[0])
	}
}

func TestValidateRecords_RangeRule(t *testing.T) {
	cfg := &workflow.PipelineValidationConfig{
		Rules: []workflow.ValidationRule{
			{Type: "range", Field: "score", Min: f64(0), Max: f64(1)},
		},
	}
	records := []Record{
		{"score": 0.5},
		{"score": float64(0)},  // inclusive lower bound
		{"score": float64(1)},  // inclusive upper bound
		{"score": 1.5},         // above max
		{"score": "high"},      // non-numeric
		{"other": float64(42)}, // absent: range rules skip missing values
	}

	result, err := validateRecords(cfg, nil, records)
	if err != nil {
		t.Fatalf("validateRecords: %v", err)
	}
	if result.ValidRecords != 4 {
		t.Errorf("ValidRecords = %d, want 4", result.ValidRecords)
	}
	if result.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2 (out-of-range and non-numeric)", result.ErrorCount)
	}
}

func TestValidateRecords_PatternRule(t *testing.T) {
	cfg := &workflow.PipelineValidationConfig{
		Rules: []workflow.ValidationRule{
			{Type: "pattern", Field: "code", Pattern: `^[A-Z]{3}-\d+$`},
		},
	}
	records := []Record{
		{"code": "ABC-123"},
		{"code": "nope"},
		{"code": float64(7)},
	}

	result, err := validateRecords(cfg, nil, records)
	if err != nil {
		t.Fatalf("validateRecords: %v", err)
	}
	if result.ValidRecords != 1 || result.ErrorCount != 2 {
		t.Errorf("valid=%d errors=%d, want 1/2", result.ValidRecords, result.ErrorCount)
	}
}

func TestValidateRecords_BadPatternFails(t *testing.T) {
	cfg := &workflow.PipelineValidationConfig{
		Rules: []workflow.ValidationRule{
			{Type: "pattern", Field: "code", Pattern: `([`},
		},
	}
	if _, err := validateRecords(cfg, nil, []Record{{"code": "x"}}); err == nil {
		t.Fatal("validateRecords succeeded with invalid regexp")
	}
}

func TestValidateRecords_SchemaEnforcement(t *testing.T) {
	schema := &Schema{Fields: []SchemaField{
		{Name: "id", Type: FieldString, Nullable: false},
		{Name: "value", Type: FieldNumber, Nullable: true},
	}}
	cfg := &workflow.PipelineValidationConfig{EnforceSchema: true}
	records := []Record{
		{"id": "a", "value": float64(1)},
		{"id": "b", "value": nil}, // nullable, fine
		{"id": nil, "value": float64(2)},
		{"id": "c", "value": "not a number"},
	}

	result, err := validateRecords(cfg, schema, records)
	if err != nil {
		t.Fatalf("validateRecords: %v", err)
	}
	if !result.SchemaChecked {
		t.Error("SchemaChecked = false")
	}
	if result.ValidRecords != 2 || result.ErrorCount != 2 {
		t.Errorf("valid=%d errors=%d, want 2/2", result.ValidRecords, result.ErrorCount)
	}
}

func TestValidateRecords_ErrorRetentionCap(t *testing.T) {
	cfg := &workflow.PipelineValidationConfig{
		Rules: []workflow.ValidationRule{{Type: "required", Field: "id"}},
	}
	records := make([]Record, 150)
	for i := range records {
		records[i] = Record{"n": float64(i)}
	}

	result, err := validateRecords(cfg, nil, records)
	if err != nil {
		t.Fatalf("validateRecords: %v", err)
	}
	if result.ErrorCount != 150 {
		t.Errorf("ErrorCount = %d, want exact count 150", result.ErrorCount)
	}
	if len(result.Errors) != maxRecordErrors {
		t.Errorf("retained errors = %d, want capped at %d", len(result.Errors), maxRecordErrors)
	}
	if want := float64(1); result.ErrorRate != want {
		t.Errorf("ErrorRate = %v, want %v", result.ErrorRate, want)
	}
}

func TestValidateRecords_RulesEvaluatedCount(t *testing.T) {
	cfg := &workflow.PipelineValidationConfig{
		Rules: []workflow.ValidationRule{
			{Type: "required", Field: "id"},
			{Type: "range", Field: "n", Min: f64(0)},
		},
	}
	records := make([]Record, 3)
	for i := range records {
		records[i] = Record{"id": fmt.Sprintf("r%d", i), "n": float64(i)}
	}

	result, err := validateRecords(cfg, nil, records)
	if err != nil {
		t.Fatalf("validateRecords: %v", err)
	}
	if !result.Passed {
		t.Errorf("Passed = false: %+v", result.Errors)
	}
	if result.RulesEvaluated != 2 {
		t.Errorf("RulesEvaluated = %d, want 2", result.RulesEvaluated)
	}
	if result.TotalRecords != 3 {
		t.Errorf("TotalRecords = %d, want 3", result.TotalRecords)
	}
}
