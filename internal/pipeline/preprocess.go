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
	"log/slog"
	"strings"

	"github.com/tombee/maestro/pkg/workflow"
	"github.com/tombee/maestro/pkg/workflow/expression"
)

// preprocessor applies the declared preprocessing steps in order.
type preprocessor struct {
	evaluator *expression.Evaluator
	logger    *slog.Logger
}

func newPreprocessor(evaluator *expression.Evaluator, logger *slog.Logger) *preprocessor {
	return &preprocessor{evaluator: evaluator, logger: logger}
}

// apply runs every step over the records. Unknown step types are
// logged and skipped; they never fail the pipeline.
func (p *preprocessor) apply(steps []workflow.PreprocessStep, records []Record) ([]Record, error) {
	out := records
	for i, step := range steps {
		var err error
		switch step.Type {
		case "normalize":
			out = normalize(out, step.Fields)
		case "filter":
			out, err = filterRecords(out, step.Predicates)
		case "transform":
			out, err = p.transform(out, step)
		case "clean":
			out = clean(out)
		default:
			p.logger.Warn("unknown preprocessing step skipped",
				"index", i,
				"type", step.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("preprocessing step %d (%s): %w", i, step.Type, err)
		}
	}
	return out, nil
}

// normalize min-max scales the named numeric fields into [0, 1]. A
// field whose values are all equal maps to 0.
func normalize(records []Record, fields []string) []Record {
	if len(records) == 0 || len(fields) == 0 {
		return records
	}

	type bounds struct {
		min, max float64
		seen     bool
	}
	ranges := make(map[string]*bounds, len(fields))
	for _, field := range fields {
		ranges[field] = &bounds{}
	}

	for _, record := range records {
		for _, field := range fields {
			v, ok := numericValue(record[field])
			if !ok {
				continue
			}
			b := ranges[field]
			if !b.seen {
				b.min, b.max, b.seen = v, v, true
				continue
			}
			if v < b.min {
				b.min = v
			}
			if v > b.max {
				b.max = v
			}
		}
	}

	out := make([]Record, len(records))
	for i, record := range records {
		copied := cloneRecord(record)
		for _, field := range fields {
			v, ok := numericValue(copied[field])
			if !ok {
				continue
			}
			b := ranges[field]
			if !b.seen || b.max == b.min {
				copied[field] = float64(0)
				continue
			}
			copied[field] = (v - b.min) / (b.max - b.min)
		}
		out[i] = copied
	}
	return out
}

// filterRecords keeps records satisfying every predicate.
func filterRecords(records []Record, predicates []workflow.FilterPredicate) ([]Record, error) {
	if len(predicates) == 0 {
		return records, nil
	}

	var out []Record
	for _, record := range records {
		keep := true
		for _, pred := range predicates {
			match, err := matchPredicate(record, pred)
			if err != nil {
				return nil, err
			}
			if !match {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, record)
		}
	}
	return out, nil
}

func matchPredicate(record Record, pred workflow.FilterPredicate) (bool, error) {
	value := record[pred.Field]

	switch pred.Operator {
	case "eq":
		return equalValues(value, pred.Value), nil
	case "ne":
		return !equalValues(value, pred.Value), nil
	case "gt", "gte", "lt", "lte":
		a, aok := numericValue(value)
		b, bok := numericValue(pred.Value)
		if !aok || !bok {
			return false, nil
		}
		switch pred.Operator {
		case "gt":
			return a > b, nil
		case "gte":
			return a >= b, nil
		case "lt":
			return a < b, nil
		default:
			return a <= b, nil
		}
	case "contains":
		switch v := value.(type) {
		case string:
			s, ok := pred.Value.(string)
			return ok && strings.Contains(v, s), nil
		case []any:
			for _, item := range v {
				if equalValues(item, pred.Value) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown filter operator %q", pred.Operator)
	}
}

func equalValues(a, b any) bool {
	if an, ok := numericValue(a); ok {
		if bn, ok := numericValue(b); ok {
			return an == bn
		}
	}
	return a == b
}

// transform copies fields and evaluates computed expressions against
// each record.
func (p *preprocessor) transform(records []Record, step workflow.PreprocessStep) ([]Record, error) {
	out := make([]Record, len(records))
	for i, record := range records {
		copied := cloneRecord(record)

		for dst, src := range step.Copies {
			copied[dst] = copied[src]
		}

		for dst, expr := range step.Computed {
			value, err := p.evaluator.EvaluateValue(expr, expression.BuildRecordContext(copied))
			if err != nil {
				return nil, fmt.Errorf("computed field %q: %w", dst, err)
			}
			copied[dst] = value
		}

		out[i] = copied
	}
	return out, nil
}

// clean drops null fields and trims string values.
func clean(records []Record) []Record {
	out := make([]Record, len(records))
	for i, record := range records {
		copied := make(Record, len(record))
		for k, v := range record {
			if v == nil {
				continue
			}
			if s, ok := v.(string); ok {
				copied[k] = strings.TrimSpace(s)
				continue
			}
			copied[k] = v
		}
		out[i] = copied
	}
	return out
}
