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
	"sort"
	"time"
)

// Record is one row of pipeline data.
type Record = map[string]any

// FieldType classifies a schema field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
	FieldNull    FieldType = "null"
)

// SchemaField describes one field inferred from the data.
type SchemaField struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Nullable bool      `json:"nullable"`
}

// Schema is the field layout inferred for a dataset.
type Schema struct {
	Fields []SchemaField `json:"fields"`
}

// Field returns the named field, or nil.
func (s *Schema) Field(name string) *SchemaField {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// Dataset is the output of ingesting one source.
type Dataset struct {
	ID         string         `json:"id"`
	SourceID   string         `json:"sourceId"`
	Records    []Record       `json:"records"`
	Schema     *Schema        `json:"schema"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IngestedAt time.Time      `json:"ingestedAt"`
}

// Batch is one fixed-size slice of the processed dataset.
type Batch struct {
	ID    string   `json:"id"`
	Index int      `json:"index"`
	Data  []Record `json:"data"`
	Size  int      `json:"size"`
	Start int      `json:"start"`
	End   int      `json:"end"`
}

// inferSchema derives field types and nullability from the records.
// A field present in some records but not others, or carrying nulls,
// is nullable. Mixed concrete types widen to string.
func inferSchema(records []Record) *Schema {
	type fieldInfo struct {
		typ      FieldType
		nullable bool
		count    int
	}
	fields := make(map[string]*fieldInfo)

	for _, record := range records {
		for name, value := range record {
			info, ok := fields[name]
			if !ok {
				info = &fieldInfo{}
				fields[name] = info
			}
			info.count++

			t := typeOf(value)
			if t == FieldNull {
				info.nullable = true
				continue
			}
			switch {
			case info.typ == "":
				info.typ = t
			case info.typ != t:
				info.typ = FieldString
			}
		}
	}

	schema := &Schema{}
	for name, info := range fields {
		typ := info.typ
		if typ == "" {
			typ = FieldNull
		}
		schema.Fields = append(schema.Fields, SchemaField{
			Name:     name,
			Type:     typ,
			Nullable: info.nullable || info.count < len(records),
		})
	}
	sort.Slice(schema.Fields, func(i, j int) bool {
		return schema.Fields[i].Name < schema.Fields[j].Name
	})
	return schema
}

func typeOf(value any) FieldType {
	switch value.(type) {
	case nil:
		return FieldNull
	case string:
		return FieldString
	case bool:
		return FieldBoolean
	case float64, float32, int, int32, int64:
		return FieldNumber
	case map[string]any:
		return FieldObject
	case []any:
		return FieldArray
	default:
		return FieldString
	}
}

// numericValue extracts a float64 from record values of any numeric
// shape.
func numericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// cloneRecord copies a record one level deep.
func cloneRecord(record Record) Record {
	out := make(Record, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out
}
