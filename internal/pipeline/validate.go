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
	"regexp"

	"github.com/tombee/maestro/pkg/workflow"
)

// maxRecordErrors bounds how many per-record errors a ValidationResult
// retains; the counts stay exact.
const maxRecordErrors = 100

// RecordError describes one failed check on one record.
type RecordError struct {
	Index   int    `json:"index"`
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationResult aggregates the validation phase's findings.
type ValidationResult struct {
	Passed         bool          `json:"passed"`
	TotalRecords   int           `json:"totalRecords"`
	ValidRecords   int           `json:"validRecords"`
	ErrorCount     int           `json:"errorCount"`
	Errors         []RecordError `json:"errors,omitempty"`
	ErrorRate      float64       `json:"errorRate"`
	SchemaChecked  bool          `json:"schemaChecked"`
	RulesEvaluated int           `json:"rulesEvaluated"`
}

// validateRecords applies the declared rules in order to every record,
// then optionally checks schema conformance.
func validateRecords(cfg *workflow.PipelineValidationConfig, schema *Schema, records []Record) (*ValidationResult, error) {
	result := &ValidationResult{
		Passed:       true,
		TotalRecords: len(records),
	}
	if cfg == nil {
		result.ValidRecords = len(records)
		return result, nil
	}
	result.RulesEvaluated = len(cfg.Rules)

	// Compile patterns once.
	patterns := make(map[string]*regexp.Regexp)
	for _, rule := range cfg.Rules {
		if rule.Type == "pattern" && rule.Pattern != "" {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("bad pattern for field %q: %w", rule.Field, err)
			}
			patterns[rule.Field+"\x00"+rule.Pattern] = re
		}
	}

	for i, record := range records {
		recordValid := true

		for _, rule := range cfg.Rules {
			if msg := checkRule(rule, record, patterns); msg != "" {
				recordValid = false
				result.addError(RecordError{Index: i, Field: rule.Field, Rule: rule.Type, Message: msg})
			}
		}

		if cfg.EnforceSchema && schema != nil {
			for _, field := range schema.Fields {
				if msg := checkSchemaField(field, record); msg != "" {
					recordValid = false
					result.addError(RecordError{Index: i, Field: field.Name, Rule: "schema", Message: msg})
				}
			}
		}

		if recordValid {
			result.ValidRecords++
		}
	}

	result.SchemaChecked = cfg.EnforceSchema
	result.Passed = result.ErrorCount == 0
	if result.TotalRecords > 0 {
		result.ErrorRate = float64(result.TotalRecords-result.ValidRecords) / float64(result.TotalRecords)
	}
	return result, nil
}

func (r *ValidationResult) addError(e RecordError) {
	r.ErrorCount++
	if len(r.Errors) < maxRecordErrors {
		r.Errors = append(r.Errors, e)
	}
}

func checkRule(rule workflow.ValidationRule, record Record, patterns map[string]*regexp.Regexp) string {
	value, present := record[rule.Field]

	switch rule.Type {
	case "required":
		if !present || value == nil {
			return "required field is missing"
		}
	case "range":
		if value == nil {
			return ""
		}
		n, ok := numericValue(value)
		if !ok {
			return "range check on non-numeric value"
		}
		if rule.Min != nil && n < *rule.Min {
			return fmt.Sprintf("value %v below minimum %v", n, *rule.Min)
		}
		if rule.Max != nil && n > *rule.Max {
			return fmt.Sprintf("value %v above maximum %v", n, *rule.Max)
		}
	case "pattern":
		if value == nil {
			return ""
		}
		s, ok := value.(string)
		if !ok {
			return "pattern check on non-string value"
		}
		re := patterns[rule.Field+"\x00"+rule.Pattern]
		if re != nil && !re.MatchString(s) {
			return fmt.Sprintf("value %q does not match pattern", s)
		}
	}
	return ""
}

// checkSchemaField verifies one record field against the inferred
// schema's type and nullability.
func checkSchemaField(field SchemaField, record Record) string {
	value, present := record[field.Name]
	if !present || value == nil {
		if field.Nullable {
			return ""
		}
		return "null value in non-nullable field"
	}

	actual := typeOf(value)
	if field.Type == FieldNull || field.Type == actual {
		return ""
	}
	// Mixed-type fields widened to string accept anything.
	if field.Type == FieldString {
		return ""
	}
	return fmt.Sprintf("expected %s, got %s", field.Type, actual)
}
