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
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/orchestrator"
	"github.com/tombee/maestro/pkg/workflow"
)

// maxBodyBytes bounds API request bodies; definitions are small files.
const maxBodyBytes = 1 << 20

// routes builds the API surface: health, metrics, and the /api/v1
// control plane.
func (d *Daemon) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", d.handleHealth)
	mux.Handle("GET /metrics", d.telemetry.MetricsHandler())

	mux.HandleFunc("GET /api/v1/status", d.handleStatus)

	mux.HandleFunc("GET /api/v1/workflows", d.handleListWorkflows)
	mux.HandleFunc("POST /api/v1/workflows", d.handleRegisterWorkflow)
	mux.HandleFunc("GET /api/v1/workflows/{id}", d.handleGetWorkflowDefinition)
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", d.handleRemoveWorkflow)

	mux.HandleFunc("POST /api/v1/executions", d.handleSubmit)
	mux.HandleFunc("GET /api/v1/executions", d.handleListExecutions)
	mux.HandleFunc("GET /api/v1/executions/{id}", d.handleGetExecution)
	mux.HandleFunc("POST /api/v1/executions/{id}/pause", d.handlePause)
	mux.HandleFunc("POST /api/v1/executions/{id}/resume", d.handleResume)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", d.handleCancel)

	mux.HandleFunc("GET /api/v1/tasks", d.handleListTasks)
	mux.HandleFunc("POST /api/v1/tasks/{id}/complete", d.handleCompleteTask)

	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the daemon self-report served at /api/v1/status.
type statusResponse struct {
	Name          string                `json:"name"`
	Version       string                `json:"version"`
	Commit        string                `json:"commit,omitempty"`
	BuildDate     string                `json:"buildDate,omitempty"`
	UptimeSeconds int64                 `json:"uptimeSeconds"`
	Draining      bool                  `json:"draining"`
	Workflows     int                   `json:"workflows"`
	Orchestration *orchestrator.Metrics `json:"orchestration"`
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Name:          "maestrod",
		Version:       d.opts.Version,
		Commit:        d.opts.Commit,
		BuildDate:     d.opts.BuildDate,
		UptimeSeconds: int64(time.Since(d.startedAt).Seconds()),
		Draining:      d.draining.Load(),
		Workflows:     len(d.registry.List()),
		Orchestration: d.engine.OrchestrationMetrics(),
	})
}

// workflowSummary is the list form of a registered definition.
type workflowSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
}

func summarize(def *workflow.Definition) workflowSummary {
	return workflowSummary{
		ID:          def.ID,
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		Steps:       len(def.Steps),
	}
}

func (d *Daemon) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs := d.registry.List()
	out := make([]workflowSummary, 0, len(defs))
	for _, def := range defs {
		out = append(out, summarize(def))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRegisterWorkflow accepts a workflow definition document (YAML
// or JSON) and registers it.
func (d *Daemon) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	def, err := workflow.ParseDefinition(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := d.registry.Register(r.Context(), def); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summarize(def))
}

func (d *Daemon) handleGetWorkflowDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := d.registry.Get(r.Context(), r.PathValue("id"), r.URL.Query().Get("version"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (d *Daemon) handleRemoveWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := d.registry.Remove(r.Context(), r.PathValue("id"), r.URL.Query().Get("version")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// submitRequest asks for one execution of a registered workflow.
type submitRequest struct {
	WorkflowID string         `json:"workflowId"`
	Version    string         `json:"version,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Priority   int            `json:"priority,omitempty"`
}

func (d *Daemon) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if d.draining.Load() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, "daemon is draining")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "workflowId is required")
		return
	}

	def, err := d.registry.Get(r.Context(), req.WorkflowID, req.Version)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	id, err := d.engine.ExecuteWorkflow(r.Context(), def, req.Inputs, orchestrator.WithPriority(req.Priority))
	if err != nil {
		var valErr *maestroerrors.ValidationError
		if errors.As(err, &valErr) && valErr.Field == "queue" {
			w.Header().Set("Retry-After", "10")
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": id})
}

func (d *Daemon) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("active") == "true" {
		writeJSON(w, http.StatusOK, d.engine.GetActiveWorkflows())
		return
	}

	filter := workflow.ExecutionFilter{
		WorkflowID: q.Get("workflow_id"),
		Status:     workflow.ExecutionStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	execs, err := d.store.QueryExecutions(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (d *Daemon) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := d.engine.GetWorkflow(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (d *Daemon) handlePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := d.engine.PauseWorkflow(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": id})
}

func (d *Daemon) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := d.engine.ResumeWorkflow(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": id})
}

func (d *Daemon) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := d.engine.CancelWorkflow(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": id})
}

func (d *Daemon) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if execID := r.URL.Query().Get("execution_id"); execID != "" {
		writeJSON(w, http.StatusOK, d.engine.GetHumanTasks(execID))
		return
	}
	writeJSON(w, http.StatusOK, d.engine.GetPendingHumanTasks())
}

// completeTaskRequest carries a reviewer's answer to a pending task.
type completeTaskRequest struct {
	Approved   bool           `json:"approved"`
	Respondent string         `json:"respondent,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

func (d *Daemon) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req completeTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp := &workflow.HumanResponse{
		Approved:   req.Approved,
		Respondent: req.Respondent,
		Comment:    req.Comment,
		Data:       req.Data,
	}
	if err := d.engine.CompleteHumanTask(id, resp, req.Respondent); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskId": id, "completed": true})
}

// errorStatus maps domain error kinds onto HTTP status codes.
func errorStatus(err error) int {
	var valErr *maestroerrors.ValidationError
	switch {
	case maestroerrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &valErr):
		return http.StatusBadRequest
	case maestroerrors.IsResourceDenied(err):
		return http.StatusTooManyRequests
	case maestroerrors.IsCancelled(err):
		return http.StatusConflict
	case maestroerrors.IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
