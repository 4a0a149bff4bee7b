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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tombee/maestro/internal/bus"
	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(cfg, nil, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := e.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return e
}

// writeJSONRecords writes n records {id, value, label} to a temp file
// and returns its path.
func writeJSONRecords(t *testing.T, name string, n int) string {
	t.Helper()
	records := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, map[string]any{
			"id":    fmt.Sprintf("rec-%03d", i),
			"value": float64(i),
			"label": "sample",
		})
	}
	data, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal records: %v", err)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func waitForDone(t *testing.T, e *Engine, executionID string) *Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := e.GetExecution(executionID)
		if err != nil {
			t.Fatalf("GetExecution(%s): %v", executionID, err)
		}
		if exec.Done() {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal phase", executionID)
	return nil
}

func fileSourcePipeline(path string) *workflow.PipelineConfig {
	return &workflow.PipelineConfig{
		Sources: []workflow.SourceConfig{
			{ID: "input", Type: workflow.SourceTypeFile, Path: path},
		},
		BatchSize: 32,
	}
}

func TestEngine_ExecuteFileSourcePipeline(t *testing.T) {
	e := newTestEngine(t, Config{})
	path := writeJSONRecords(t, "in.json", 100)

	if err := e.CreatePipeline("p1", fileSourcePipeline(path)); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	execID, err := e.ExecutePipeline(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}

	exec := waitForDone(t, e, execID)
	if exec.Phase != "completed" {
		t.Fatalf("phase = %q (error %q), want completed", exec.Phase, exec.Error)
	}
	if exec.RecordCount != 100 {
		t.Errorf("RecordCount = %d, want 100", exec.RecordCount)
	}
	// 100 records at batch size 32 -> 32+32+32+4.
	if exec.BatchCount != 4 {
		t.Fatalf("BatchCount = %d, want 4", exec.BatchCount)
	}
	if got := exec.Batches[3].Size; got != 4 {
		t.Errorf("last batch size = %d, want 4", got)
	}
	if exec.Batches[0].Index != 0 || exec.Batches[3].Index != 3 {
		t.Errorf("batch indexes not ordered: first=%d last=%d",
			exec.Batches[0].Index, exec.Batches[3].Index)
	}
	if exec.Cached {
		t.Error("Cached = true without cache config")
	}
	if exec.CompletedAt.IsZero() {
		t.Error("CompletedAt not set on terminal execution")
	}
}

func TestEngine_MergesSourcesInDeclarationOrder(t *testing.T) {
	e := newTestEngine(t, Config{})
	first := writeJSONRecords(t, "first.json", 3)
	second := writeJSONRecords(t, "second.json", 2)

	cfg := &workflow.PipelineConfig{
		Sources: []workflow.SourceConfig{
			{ID: "a", Type: workflow.SourceTypeFile, Path: first},
			{ID: "b", Type: workflow.SourceTypeFile, Path: second},
		},
		BatchSize: 10,
	}
	if err := e.CreatePipeline("merge", cfg); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	execID, err := e.ExecutePipeline(context.Background(), "merge")
	if err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}

	exec := waitForDone(t, e, execID)
	if exec.Phase != "completed" {
		t.Fatalf("phase = %q (error %q), want completed", exec.Phase, exec.Error)
	}
	if exec.RecordCount != 5 {
		t.Fatalf("RecordCount = %d, want 5", exec.RecordCount)
	}
	// No shuffle: one batch holding source a's rows then source b's.
	rows := exec.Batches[0].Data
	for i, want := range []string{"rec-000", "rec-001", "rec-002", "rec-000", "rec-001"} {
		if got := rows[i]["id"]; got != want {
			t.Errorf("row %d id = %v, want %q", i, got, want)
		}
	}
}

func TestEngine_StrictValidationFailsPipeline(t *testing.T) {
	e := newTestEngine(t, Config{})
	path := writeJSONRecords(t, "in.json", 10)

	cfg := fileSourcePipeline(path)
	cfg.Validation = &workflow.PipelineValidationConfig{
		Rules: []workflow.ValidationRule{
			{Type: "required", Field: "missing_field"},
		},
		Strict: true,
	}
	if err := e.CreatePipeline("strict", cfg); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	execID, err := e.ExecutePipeline(context.Background(), "strict")
	if err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}

	exec := waitForDone(t, e, execID)
	if exec.Phase != "failed" {
		t.Fatalf("phase = %q, want failed", exec.Phase)
	}
	if !strings.Contains(exec.Error, "validation failed") {
		t.Errorf("Error = %q, want validation failure", exec.Error)
	}
	if exec.Validation == nil || exec.Validation.Passed {
		t.Errorf("Validation = %+v, want a failed result", exec.Validation)
	}
}

func TestEngine_LenientValidationStillCompletes(t *testing.T) {
	e := newTestEngine(t, Config{})
	path := writeJSONRecords(t, "in.json", 10)

	cfg := fileSourcePipeline(path)
	cfg.Validation = &workflow.PipelineValidationConfig{
		Rules: []workflow.ValidationRule{
			{Type: "required", Field: "missing_field"},
		},
	}
	if err := e.CreatePipeline("lenient", cfg); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	execID, err := e.ExecutePipeline(context.Background(), "lenient")
	if err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}

	exec := waitForDone(t, e, execID)
	if exec.Phase != "completed" {
		t.Fatalf("phase = %q (error %q), want completed", exec.Phase, exec.Error)
	}
	if exec.Validation == nil || exec.Validation.Passed {
		t.Errorf("Validation = %+v, want a failed result carried on a completed run", exec.Validation)
	}
}

func TestEngine_AugmentationGrowsDataset(t *testing.T) {
	e := newTestEngine(t, Config{})
	path := writeJSONRecords(t, "in.json", 20)

	cfg := fileSourcePipeline(path)
	cfg.Augmentation = &workflow.AugmentationConfig{
		Enabled:         true,
		DuplicateFactor: 2,
		SyntheticCount:  5,
	}
	if err := e.CreatePipeline("augmented", cfg); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	execID, err := e.ExecutePipeline(context.Background(), "augmented")
	if err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}

	exec := waitForDone(t, e, execID)
	if exec.Phase != "completed" {
		t.Fatalf("phase = %q (error %q), want completed", exec.Phase, exec.Error)
	}
	// 20 duplicated once (40) plus 5 synthetic.
	if exec.RecordCount != 45 {
		t.Errorf("RecordCount = %d, want 45", exec.RecordCount)
	}
}

func TestEngine_CachesResult(t *testing.T) {
	e := newTestEngine(t, Config{})
	path := writeJSONRecords(t, "in.json", 10)

	cfg := fileSourcePipeline(path)
	cfg.Cache = &workflow.PipelineCacheConfig{Enabled: true}
	if err := e.CreatePipeline("cached", cfg); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	execID, err := e.ExecutePipeline(context.Background(), "cached")
	if err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}

	exec := waitForDone(t, e, execID)
	if exec.Phase != "completed" || !exec.Cached {
		t.Fatalf("phase=%q cached=%v, want completed and cached", exec.Phase, exec.Cached)
	}

	result, err := e.CachedResult(context.Background(), execID)
	if err != nil {
		t.Fatalf("CachedResult: %v", err)
	}
	if result.PipelineID != "cached" || result.RecordCount != 10 {
		t.Errorf("cached result = %+v, want pipeline 'cached' with 10 records", result)
	}
	if len(result.Batches) != 1 {
		t.Errorf("cached batches = %d, want 1", len(result.Batches))
	}
	if result.SizeBytes <= 0 {
		t.Errorf("SizeBytes = %d, want > 0", result.SizeBytes)
	}
}

func TestEngine_OversizeResultSkipsCache(t *testing.T) {
	e := newTestEngine(t, Config{})
	path := writeJSONRecords(t, "in.json", 10)

	cfg := fileSourcePipeline(path)
	cfg.Cache = &workflow.PipelineCacheConfig{Enabled: true, MaxSizeBytes: 16}
	if err := e.CreatePipeline("oversize", cfg); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	execID, err := e.ExecutePipeline(context.Background(), "oversize")
	if err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}

	exec := waitForDone(t, e, execID)
	if exec.Phase != "completed" {
		t.Fatalf("phase = %q (error %q), want completed", exec.Phase, exec.Error)
	}
	if exec.Cached {
		t.Error("Cached = true, want cache skipped for oversize result")
	}
	if _, err := e.CachedResult(context.Background(), execID); !maestroerrors.IsNotFound(err) {
		t.Errorf("CachedResult error = %v, want not-found", err)
	}
}

// blockingAdapter parks ingestion until its context is cancelled, so
// tests can cancel mid-phase deterministically.
type blockingAdapter struct {
	started chan struct{}
	once    sync.Once
}

func (a *blockingAdapter) Validate(*workflow.SourceConfig) error { return nil }

func (a *blockingAdapter) Ingest(ctx context.Context, cfg *workflow.SourceConfig) (*Dataset, error) {
	a.once.Do(func() { close(a.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEngine_CancelStopsExecution(t *testing.T) {
	e := newTestEngine(t, Config{})
	blocker := &blockingAdapter{started: make(chan struct{})}
	e.RegisterAdapter(workflow.SourceTypeStream, blocker)

	cfg := &workflow.PipelineConfig{
		Sources: []workflow.SourceConfig{
			{ID: "s", Type: workflow.SourceTypeStream, Endpoint: "sim://events"},
		},
	}
	if err := e.CreatePipeline("blocked", cfg); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	execID, err := e.ExecutePipeline(context.Background(), "blocked")
	if err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}

	select {
	case <-blocker.started:
	case <-time.After(2 * time.Second):
		t.Fatal("ingestion never started")
	}
	if err := e.Cancel(execID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	exec := waitForDone(t, e, execID)
	if exec.Phase != "failed" {
		t.Fatalf("phase = %q, want failed", exec.Phase)
	}
	if !exec.Cancelled {
		t.Error("Cancelled = false after Cancel")
	}

	// Cancelling a finished execution is a no-op.
	if err := e.Cancel(execID); err != nil {
		t.Errorf("Cancel on finished execution: %v", err)
	}
}

func TestEngine_SimulatedDatabaseSource(t *testing.T) {
	e := newTestEngine(t, Config{})
	cfg := &workflow.PipelineConfig{
		Sources: []workflow.SourceConfig{
			{
				ID:         "db",
				Type:       workflow.SourceTypeDatabase,
				Connection: "postgres://sim",
				Query:      "SELECT * FROM samples",
			},
		},
		BatchSize: 25,
	}
	if err := e.CreatePipeline("simdb", cfg); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	execID, err := e.ExecutePipeline(context.Background(), "simdb")
	if err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}

	exec := waitForDone(t, e, execID)
	if exec.Phase != "completed" {
		t.Fatalf("phase = %q (error %q), want completed", exec.Phase, exec.Error)
	}
	if exec.RecordCount != 50 {
		t.Errorf("RecordCount = %d, want 50 simulated records", exec.RecordCount)
	}
	if exec.BatchCount != 2 {
		t.Errorf("BatchCount = %d, want 2", exec.BatchCount)
	}
}

func TestEngine_CreatePipelineRejectsBadConfigs(t *testing.T) {
	e := newTestEngine(t, Config{})
	tests := []struct {
		name string
		id   string
		cfg  *workflow.PipelineConfig
	}{
		{name: "empty id", id: "", cfg: fileSourcePipeline("/tmp/x.json")},
		{name: "nil config", id: "p", cfg: nil},
		{name: "no sources", id: "p", cfg: &workflow.PipelineConfig{}},
		{
			name: "file source without path",
			id:   "p",
			cfg: &workflow.PipelineConfig{
				Sources: []workflow.SourceConfig{{ID: "f", Type: workflow.SourceTypeFile}},
			},
		},
		{
			name: "unsupported format",
			id:   "p",
			cfg: &workflow.PipelineConfig{
				Sources: []workflow.SourceConfig{
					{ID: "f", Type: workflow.SourceTypeFile, Path: "/tmp/x.parquet", Format: "parquet"},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.CreatePipeline(tt.id, tt.cfg); err == nil {
				t.Fatal("CreatePipeline succeeded, want error")
			}
		})
	}
}

func TestEngine_ExecuteUnknownPipeline(t *testing.T) {
	e := newTestEngine(t, Config{})
	if _, err := e.ExecutePipeline(context.Background(), "ghost"); !maestroerrors.IsNotFound(err) {
		t.Fatalf("error = %v, want not-found", err)
	}
	if _, err := e.GetExecution("ghost-exec"); !maestroerrors.IsNotFound(err) {
		t.Fatalf("GetExecution error = %v, want not-found", err)
	}
	if err := e.Cancel("ghost-exec"); !maestroerrors.IsNotFound(err) {
		t.Fatalf("Cancel error = %v, want not-found", err)
	}
}

// captureEvents records published events for assertion.
type captureEvents struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (c *captureEvents) Publish(topic string, event *bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func TestEngine_PublishesLifecycleEvents(t *testing.T) {
	sink := &captureEvents{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(Config{Seed: 1}, sink, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	path := writeJSONRecords(t, "in.json", 5)
	if err := e.CreatePipeline("events", fileSourcePipeline(path)); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	execID, err := e.ExecutePipeline(context.Background(), "events")
	if err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}
	waitForDone(t, e, execID)

	types := sink.types()
	if len(types) == 0 || types[0] != "pipeline:started" {
		t.Fatalf("first event = %v, want pipeline:started", types)
	}
	var sawPhase, sawCompleted bool
	for _, typ := range types {
		switch typ {
		case "pipeline:phase":
			sawPhase = true
		case "pipeline:completed":
			sawCompleted = true
		case "pipeline:failed":
			t.Fatalf("unexpected pipeline:failed event in %v", types)
		}
	}
	if !sawPhase || !sawCompleted {
		t.Errorf("events = %v, want phase and completed events", types)
	}
}

func TestEngine_ClosedRejectsWork(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(Config{Seed: 1}, nil, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := e.CreatePipeline("late", fileSourcePipeline("/tmp/x.json")); err == nil {
		t.Error("CreatePipeline after Close succeeded")
	}
	if _, err := e.ExecutePipeline(context.Background(), "late"); err == nil {
		t.Error("ExecutePipeline after Close succeeded")
	}
}
