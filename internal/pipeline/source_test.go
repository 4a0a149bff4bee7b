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
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tombee/maestro/pkg/workflow"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestFileAdapter_Validate(t *testing.T) {
	adapter := &fileAdapter{}
	tests := []struct {
		name    string
		cfg     workflow.SourceConfig
		wantErr bool
	}{
		{
			name: "json path",
			cfg:  workflow.SourceConfig{ID: "a", Type: workflow.SourceTypeFile, Path: "/data/in.json"},
		},
		{
			name: "explicit csv format",
			cfg:  workflow.SourceConfig{ID: "a", Type: workflow.SourceTypeFile, Path: "/data/in.dat", Format: "csv"},
		},
		{
			name:    "missing path",
			cfg:     workflow.SourceConfig{ID: "a", Type: workflow.SourceTypeFile},
			wantErr: true,
		},
		{
			name:    "parquet is unsupported",
			cfg:     workflow.SourceConfig{ID: "a", Type: workflow.SourceTypeFile, Path: "/data/in.parquet"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := adapter.Validate(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFileAdapter_ValidateUnsupportedFormatSentinel(t *testing.T) {
	adapter := &fileAdapter{}
	cfg := workflow.SourceConfig{ID: "a", Type: workflow.SourceTypeFile, Path: "/data/in.parquet"}
	if err := adapter.Validate(&cfg); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestFileAdapter_IngestJSONArray(t *testing.T) {
	path := writeTempFile(t, "in.json", `[{"id": "a", "value": 1}, {"id": "b", "value": 2}]`)
	adapter := &fileAdapter{}
	cfg := workflow.SourceConfig{ID: "src", Type: workflow.SourceTypeFile, Path: path}

	ds, err := adapter.Ingest(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if ds.SourceID != "src" {
		t.Errorf("SourceID = %q, want src", ds.SourceID)
	}
	if len(ds.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(ds.Records))
	}
	if ds.Records[0]["id"] != "a" || ds.Records[1]["value"] != float64(2) {
		t.Errorf("records parsed wrong: %v", ds.Records)
	}
	if ds.Schema == nil || ds.Schema.Field("value") == nil {
		t.Error("schema missing value field")
	}
}

func TestFileAdapter_IngestSingleObject(t *testing.T) {
	path := writeTempFile(t, "one.json", `{"id": "only"}`)
	adapter := &fileAdapter{}
	cfg := workflow.SourceConfig{ID: "src", Type: workflow.SourceTypeFile, Path: path}

	ds, err := adapter.Ingest(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(ds.Records) != 1 || ds.Records[0]["id"] != "only" {
		t.Fatalf("records = %v, want single object", ds.Records)
	}
}

func TestFileAdapter_IngestJSONRejectsScalars(t *testing.T) {
	path := writeTempFile(t, "bad.json", `[1, 2, 3]`)
	adapter := &fileAdapter{}
	cfg := workflow.SourceConfig{ID: "src", Type: workflow.SourceTypeFile, Path: path}

	if _, err := adapter.Ingest(context.Background(), &cfg); err == nil {
		t.Fatal("Ingest succeeded on array of scalars")
	}
}

func TestFileAdapter_IngestCSVCoercion(t *testing.T) {
	csvData := "name,age,active,note\nalice,34,true,\nbob,27.5,false,hello\n"
	path := writeTempFile(t, "people.csv", csvData)
	adapter := &fileAdapter{}
	cfg := workflow.SourceConfig{ID: "src", Type: workflow.SourceTypeFile, Path: path}

	ds, err := adapter.Ingest(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(ds.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(ds.Records))
	}

	alice := ds.Records[0]
	if alice["name"] != "alice" {
		t.Errorf("name = %v, want string alice", alice["name"])
	}
	if alice["age"] != float64(34) {
		t.Errorf("age = %v (%T), want 34.0", alice["age"], alice["age"])
	}
	if alice["active"] != true {
		t.Errorf("active = %v, want true", alice["active"])
	}
	if alice["note"] != nil {
		t.Errorf("empty cell = %v, want nil", alice["note"])
	}
	if ds.Records[1]["age"] != 27.5 {
		t.Errorf("bob age = %v, want 27.5", ds.Records[1]["age"])
	}
}

func TestFileAdapter_IngestLines(t *testing.T) {
	content := "{\"id\": \"a\"}\n\nplain text line\n{\"id\": \"b\"}\n"
	path := writeTempFile(t, "events.jsonl", content)
	adapter := &fileAdapter{}
	cfg := workflow.SourceConfig{ID: "src", Type: workflow.SourceTypeFile, Path: path}

	ds, err := adapter.Ingest(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(ds.Records) != 3 {
		t.Fatalf("records = %d, want 3 (blank lines skipped)", len(ds.Records))
	}
	if ds.Records[0]["id"] != "a" {
		t.Errorf("first record = %v, want parsed JSON", ds.Records[0])
	}
	if ds.Records[1]["value"] != "plain text line" {
		t.Errorf("non-JSON line = %v, want wrapped in value", ds.Records[1])
	}
}

func TestFileAdapter_GlobConcatenatesMatches(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.json": `[{"n": 1}]`,
		"b.json": `[{"n": 2}, {"n": 3}]`,
		"c.txt":  "ignored",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	adapter := &fileAdapter{}
	cfg := workflow.SourceConfig{
		ID:   "src",
		Type: workflow.SourceTypeFile,
		Path: filepath.Join(dir, "*.json"),
	}
	ds, err := adapter.Ingest(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(ds.Records) != 3 {
		t.Fatalf("records = %d, want 3 from two matched files", len(ds.Records))
	}
	// Lexical order: a.json before b.json.
	if ds.Records[0]["n"] != float64(1) || ds.Records[2]["n"] != float64(3) {
		t.Errorf("records out of order: %v", ds.Records)
	}
}

func TestFileAdapter_GlobNoMatches(t *testing.T) {
	adapter := &fileAdapter{}
	cfg := workflow.SourceConfig{
		ID:   "src",
		Type: workflow.SourceTypeFile,
		Path: filepath.Join(t.TempDir(), "*.json"),
	}
	if _, err := adapter.Ingest(context.Background(), &cfg); err == nil {
		t.Fatal("Ingest succeeded with no matching files")
	}
}

func TestFileAdapter_Selector(t *testing.T) {
	path := writeTempFile(t, "nested.json",
		`{"items": [{"id": "x", "value": 10}, {"id": "y", "value": 3}]}`)
	adapter := &fileAdapter{}

	t.Run("expands arrays", func(t *testing.T) {
		cfg := workflow.SourceConfig{
			ID:       "src",
			Type:     workflow.SourceTypeFile,
			Path:     path,
			Selector: ".items",
		}
		ds, err := adapter.Ingest(context.Background(), &cfg)
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if len(ds.Records) != 2 {
			t.Fatalf("records = %d, want 2 expanded items", len(ds.Records))
		}
		if ds.Records[0]["id"] != "x" {
			t.Errorf("first item = %v, want x", ds.Records[0])
		}
	})

	t.Run("select filters records", func(t *testing.T) {
		cfg := workflow.SourceConfig{
			ID:       "src",
			Type:     workflow.SourceTypeFile,
			Path:     path,
			Selector: ".items[] | select(.value > 5)",
		}
		ds, err := adapter.Ingest(context.Background(), &cfg)
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if len(ds.Records) != 1 || ds.Records[0]["id"] != "x" {
			t.Fatalf("records = %v, want only x", ds.Records)
		}
	})

	t.Run("bad selector errors", func(t *testing.T) {
		cfg := workflow.SourceConfig{
			ID:       "src",
			Type:     workflow.SourceTypeFile,
			Path:     path,
			Selector: ".items[",
		}
		if _, err := adapter.Ingest(context.Background(), &cfg); err == nil {
			t.Fatal("Ingest succeeded with unparsable selector")
		}
	})
}

func TestSimulatedAdapter_Deterministic(t *testing.T) {
	adapter := &simulatedAdapter{kind: workflow.SourceTypeDatabase}
	cfg := workflow.SourceConfig{
		ID:         "db",
		Type:       workflow.SourceTypeDatabase,
		Connection: "postgres://sim",
		Query:      "SELECT 1",
	}

	first, err := adapter.Ingest(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	second, err := adapter.Ingest(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if len(first.Records) != 50 || len(second.Records) != 50 {
		t.Fatalf("record counts = %d/%d, want 50 each", len(first.Records), len(second.Records))
	}
	if first.Records[0]["value"] != second.Records[0]["value"] {
		t.Errorf("same source id produced different data: %v vs %v",
			first.Records[0]["value"], second.Records[0]["value"])
	}
	if first.Metadata["simulated"] != true {
		t.Errorf("Metadata = %v, want simulated marker", first.Metadata)
	}

	other := workflow.SourceConfig{
		ID:         "db2",
		Type:       workflow.SourceTypeDatabase,
		Connection: "postgres://sim",
		Query:      "SELECT 1",
	}
	third, err := adapter.Ingest(context.Background(), &other)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if first.Records[0]["value"] == third.Records[0]["value"] {
		t.Error("different source ids produced identical data")
	}
}
