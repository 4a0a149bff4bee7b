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

package daemon

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/workflow"
)

func TestDaemon_LifecycleStartShutdown(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, Options{Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	waitUntil(t, func() bool { return d.Addr() != "" })

	if err := d.Start(context.Background()); err == nil {
		t.Error("second Start did not fail")
	}

	base := "http://" + d.Addr()
	if status := httpGet(t, base+"/healthz", nil); status != http.StatusOK {
		t.Fatalf("healthz: status = %d, want 200", status)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := http.Get(base + "/healthz"); err == nil {
		t.Error("server still accepting connections after shutdown")
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestDaemon_ScansWorkflowsDirOnStart(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.Registry.WorkflowsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(cfg.Registry.WorkflowsDir, "quick.yaml")
	if err := os.WriteFile(path, []byte(quickWorkflowYAML), 0o644); err != nil {
		t.Fatalf("write workflow file: %v", err)
	}

	_, base := startTestDaemon(t, cfg)

	var listed []workflowSummary
	if status := httpGet(t, base+"/api/v1/workflows", &listed); status != http.StatusOK || len(listed) != 1 {
		t.Fatalf("list = %d %+v, want the scanned workflow", status, listed)
	}
	if listed[0].ID != "quick-train" {
		t.Errorf("scanned workflow = %+v, want quick-train", listed[0])
	}

	// A definition loaded from disk is runnable like any other.
	execID := submitExecution(t, base, "quick-train", nil)
	waitForExecutionStatus(t, base, execID, "completed")
}

func TestDaemon_RecoversInterruptedExecutionsOnStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Path = filepath.Join(cfg.Store.DataDir, "maestro.db")

	// Seed the store the way an interrupted process would leave it: a
	// registered definition plus an execution stuck mid-flight.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(store.Config{Path: cfg.Store.Path}, quiet)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	def, err := workflow.ParseDefinition([]byte(quickWorkflowYAML))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	ctx := context.Background()
	if err := st.SaveWorkflowDefinition(ctx, def); err != nil {
		t.Fatalf("SaveWorkflowDefinition: %v", err)
	}

	exec := workflow.NewExecution(def, nil)
	exec.Status = workflow.StatusExecuting
	exec.StartedAt = time.Now()
	if err := st.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("store.Close: %v", err)
	}

	_, base := startTestDaemon(t, cfg)

	final := waitForExecutionStatus(t, base, exec.ID, "completed")
	if final.WorkflowID != "quick-train" || final.Error != "" {
		t.Errorf("recovered execution = %+v, want clean quick-train completion", final)
	}
}
