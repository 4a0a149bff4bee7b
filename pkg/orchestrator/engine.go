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

// Package orchestrator runs workflow executions end to end: it pins a
// definition, takes the execution through its lifecycle state machine,
// dispatches steps to the pipeline, training, and deployment engines,
// and keeps the execution durable through checkpoints.
//
// Each execution is driven by its own interpreted state machine whose
// states are the execution statuses. Entry actions with real work run
// on goroutines and report back with lifecycle events; the interpreter
// serializes everything else, so per-execution ordering needs no
// locking beyond the run mutex.
package orchestrator

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/deploy"
	"github.com/tombee/maestro/internal/pipeline"
	"github.com/tombee/maestro/internal/resource"
	"github.com/tombee/maestro/internal/training"
	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
	"github.com/tombee/maestro/pkg/workflow/expression"
)

// EventTopic is the bus topic workflow lifecycle events are published on.
const EventTopic = "workflow"

// Event types published on EventTopic.
const (
	eventQueued        = "workflow:queued"
	eventStarted       = "workflow:started"
	eventStateChange   = "workflow:state-change"
	eventStepStarted   = "workflow:step-started"
	eventStepCompleted = "workflow:step-completed"
	eventStepFailed    = "workflow:step-failed"
	eventCheckpoint    = "workflow:checkpoint"
	eventRecovered     = "workflow:recovered"
	eventHumanTask     = "workflow:human-task"
	eventCompleted     = "workflow:completed"
	eventFailed        = "workflow:failed"
	eventCancelled     = "workflow:cancelled"
)

// Config tunes the orchestration engine.
type Config struct {
	// MaxConcurrentRuns caps simultaneously active executions;
	// submissions beyond the cap queue (default 10).
	MaxConcurrentRuns int

	// QueueCapacity bounds the admission queue; further submissions
	// are rejected (default 64).
	QueueCapacity int

	// CheckpointInterval is the minimum time between periodic
	// checkpoints (default 30s).
	CheckpointInterval time.Duration

	// DefaultStepTimeout applies to steps without their own timeout;
	// zero means no limit (default 10m).
	DefaultStepTimeout time.Duration

	// ResourceWaitTimeout bounds waiting_for_resources; expiry fails
	// the execution (default 5m).
	ResourceWaitTimeout time.Duration

	// HumanTaskTimeout is the default deadline for human tasks whose
	// gate config does not set one. Zero blocks indefinitely.
	HumanTaskTimeout time.Duration

	// MaxRecoveryAttempts caps checkpoint restores per execution
	// (default 3).
	MaxRecoveryAttempts int
}

// Store is the persistence surface the engine needs. *store.Store
// satisfies it.
type Store interface {
	SaveExecution(ctx context.Context, exec *workflow.Execution) error
	LoadExecution(ctx context.Context, id string) (*workflow.Execution, error)
	QueryExecutions(ctx context.Context, filter workflow.ExecutionFilter) ([]*workflow.Execution, error)
	SaveWorkflowState(ctx context.Context, workflowID, executionID string, state any) (int, error)
	SaveCheckpoint(ctx context.Context, cp *workflow.Checkpoint, state *workflow.CheckpointState) (string, error)
	ListCheckpoints(ctx context.Context, workflowID, executionID string) ([]*workflow.Checkpoint, error)
	LoadCheckpoint(ctx context.Context, workflowID, executionID, checkpointID string) (*workflow.Checkpoint, *workflow.CheckpointState, error)
	SaveWorkflowDefinition(ctx context.Context, def *workflow.Definition) error
	LoadWorkflowDefinition(ctx context.Context, id, version string) (*workflow.Definition, error)
}

// Pool is the resource admission surface. *resource.Pool satisfies it.
type Pool interface {
	Allocate(requestID string, req *workflow.ResourceRequirements) (*workflow.ResourceAllocation, error)
	Release(requestID string) bool
	Utilization() resource.Utilization
}

// EventPublisher receives workflow lifecycle events. *bus.Bus satisfies it.
type EventPublisher interface {
	Publish(topic string, event *bus.Event) error
}

// PipelineRunner is the data pipeline surface steps dispatch to.
// *pipeline.Engine satisfies it.
type PipelineRunner interface {
	CreatePipeline(id string, cfg *workflow.PipelineConfig) error
	ExecutePipeline(ctx context.Context, pipelineID string) (string, error)
	Cancel(executionID string) error
	GetExecution(executionID string) (*pipeline.Execution, error)
}

// TrainingRunner is the distributed training surface steps dispatch to.
// *training.Coordinator satisfies it.
type TrainingRunner interface {
	StartDistributedTraining(ctx context.Context, jobID string, cfg *workflow.TrainingConfig) error
	CancelTraining(jobID string) error
	GetJob(jobID string) (*training.Job, error)
}

// DeploymentRunner is the deployment surface steps dispatch to.
// *deploy.Engine satisfies it.
type DeploymentRunner interface {
	DeployModel(ctx context.Context, model deploy.Model, cfg *workflow.DeploymentConfig) (string, error)
	CancelDeployment(deploymentID string) error
	GetDeployment(deploymentID string) (*deploy.Deployment, error)
}

// ModelResolver turns a deployment step's config into the model
// artifact to ship. The execution context is provided so resolvers can
// pick up the result of an earlier training step.
type ModelResolver interface {
	Resolve(ctx context.Context, cfg *workflow.DeploymentConfig, execCtx *workflow.ExecutionContext) (deploy.Model, error)
}

// Deps are the collaborating services behind the engine. Store, Pool,
// and the three step runners are required for the step types that use
// them; the rest default.
type Deps struct {
	Store       Store
	Pool        Pool
	Events      EventPublisher
	Pipelines   PipelineRunner
	Training    TrainingRunner
	Deployments DeploymentRunner

	// Models resolves deployment step models; nil selects the
	// simulated resolver.
	Models ModelResolver

	// Tracer records one span per execution; nil disables tracing.
	Tracer trace.Tracer
}

// engineStats aggregates terminal executions for the metrics snapshot.
type engineStats struct {
	submitted     int64
	finished      int64
	completed     int64
	failed        int64
	cancelled     int64
	totalDuration time.Duration
}

// Engine is the workflow orchestration engine.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	eval   *expression.Evaluator
	tracer trace.Tracer

	rootCtx    context.Context
	rootCancel context.CancelFunc

	queue *admitQueue
	slots chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*run
	closed bool

	tasksMu sync.Mutex
	tasks   map[string]*workflow.HumanTask

	statsMu sync.Mutex
	stats   engineStats
}

// New creates an orchestration engine and starts its admission loop.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	if deps.Store == nil {
		return nil, &maestroerrors.ConfigError{Key: "orchestrator.store", Reason: "store is required"}
	}
	if deps.Pool == nil {
		return nil, &maestroerrors.ConfigError{Key: "orchestrator.pool", Reason: "resource pool is required"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 10
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 30 * time.Second
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = 10 * time.Minute
	}
	if cfg.ResourceWaitTimeout <= 0 {
		cfg.ResourceWaitTimeout = 5 * time.Minute
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = 3
	}
	if deps.Models == nil {
		deps.Models = simulatedModels{}
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("maestro/orchestrator")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		deps:       deps,
		logger:     logger.With("component", "orchestrator"),
		eval:       expression.New(),
		tracer:     tracer,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		queue:      newAdmitQueue(cfg.QueueCapacity),
		slots:      make(chan struct{}, cfg.MaxConcurrentRuns),
		runs:       make(map[string]*run),
		tasks:      make(map[string]*workflow.HumanTask),
	}

	e.wg.Add(1)
	go e.admitLoop()
	return e, nil
}

// SubmitOption customizes one workflow submission.
type SubmitOption func(*submission)

type submission struct {
	priority int
}

// WithPriority orders the submission in the admission queue; higher
// runs earlier. Equal priorities keep submission order.
func WithPriority(p int) SubmitOption {
	return func(s *submission) { s.priority = p }
}

// ExecuteWorkflow validates and submits one execution of def and
// returns its execution id. The execution runs asynchronously; observe
// progress through GetWorkflow or the event bus. When all run slots are
// busy the execution waits in the admission queue.
func (e *Engine) ExecuteWorkflow(ctx context.Context, def *workflow.Definition, inputs map[string]any, opts ...SubmitOption) (string, error) {
	if def == nil {
		return "", &maestroerrors.ValidationError{Field: "definition", Message: "workflow definition is required"}
	}
	def.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return "", err
	}
	resolved, err := def.ResolveInputs(inputs)
	if err != nil {
		return "", err
	}

	var sub submission
	for _, opt := range opts {
		opt(&sub)
	}

	exec := workflow.NewExecution(def, resolved)

	// Definitions and the pending record are durable before admission,
	// so a restart can pick the submission back up.
	if err := e.deps.Store.SaveWorkflowDefinition(ctx, def); err != nil {
		e.logger.Warn("definition save failed", "workflow_id", def.ID, "error", err)
	}

	if err := e.admit(def, exec, sub.priority); err != nil {
		return "", err
	}

	e.statsMu.Lock()
	e.stats.submitted++
	e.statsMu.Unlock()

	e.publish(eventQueued, map[string]any{
		"executionId": exec.ID,
		"workflowId":  def.ID,
		"priority":    sub.priority,
	})
	e.logger.Info("workflow submitted",
		"workflow_id", def.ID, "version", def.Version,
		"execution_id", exec.ID, "priority", sub.priority)
	return exec.ID, nil
}

// admit registers a run for exec and places it in the admission queue.
func (e *Engine) admit(def *workflow.Definition, exec *workflow.Execution, priority int) error {
	spanCtx, span := e.tracer.Start(e.rootCtx, "workflow.execution",
		trace.WithAttributes(
			attribute.String("workflow.id", exec.WorkflowID),
			attribute.String("workflow.version", exec.WorkflowVersion),
			attribute.String("execution.id", exec.ID),
		))

	r := newRun(def, exec, spanCtx)
	r.span = span
	r.interp = e.buildInterpreter(r)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		span.End()
		return &maestroerrors.CancelledError{Resource: "orchestrator", ID: "engine closed"}
	}
	if _, live := e.runs[exec.ID]; live {
		e.mu.Unlock()
		span.End()
		return &maestroerrors.ValidationError{Field: "execution", Message: "execution already admitted"}
	}
	e.runs[exec.ID] = r
	e.mu.Unlock()

	e.persistExecution(r.snapshot())

	if err := e.queue.push(r, priority); err != nil {
		e.mu.Lock()
		delete(e.runs, exec.ID)
		e.mu.Unlock()
		span.End()
		return err
	}
	setQueueDepth(e.queue.len())
	setActiveExecutions(1)
	return nil
}

// admitLoop moves queued runs into slots as they free up. The slot is
// acquired before the queue is popped so late high-priority submissions
// still overtake everything waiting. Claiming a run (setting started)
// and cancelling one race under the run mutex: whichever side loses
// defers to the winner.
func (e *Engine) admitLoop() {
	defer e.wg.Done()
	for {
		select {
		case e.slots <- struct{}{}:
		case <-e.rootCtx.Done():
			return
		}

		r, err := e.queue.pop(e.rootCtx)
		if err != nil {
			<-e.slots
			return
		}
		setQueueDepth(e.queue.len())

		r.mu.Lock()
		if r.cancelled {
			r.mu.Unlock()
			<-e.slots
			e.finish(r, stateCancelled)
			continue
		}
		r.started = true
		r.mu.Unlock()

		e.startRun(r)
	}
}

// startRun begins interpreting one claimed execution.
func (e *Engine) startRun(r *run) {
	r.mu.Lock()
	if r.def.Timeout > 0 {
		deadline := time.Duration(r.def.Timeout) * time.Second
		r.deadlineTimer = time.AfterFunc(deadline, func() {
			r.fail(&maestroerrors.TimeoutError{Operation: "workflow execution", Duration: deadline})
			_ = r.interp.SendEvent(evFatal)
		})
	}
	r.mu.Unlock()

	if err := r.interp.Start(); err != nil {
		e.logger.Error("interpreter start failed",
			"execution_id", r.exec.ID, "error", err)
		r.fail(err)
		e.finish(r, stateFailed)
		return
	}

	// A cancel that arrived between claiming and Start lands here.
	r.mu.Lock()
	wasCancelled := r.cancelled
	r.mu.Unlock()
	if wasCancelled {
		_ = r.interp.SendEvent(evCancel)
	}

	e.publish(eventStarted, map[string]any{
		"executionId": r.exec.ID,
		"workflowId":  r.exec.WorkflowID,
	})
	e.logger.Info("workflow execution started",
		"execution_id", r.exec.ID, "workflow_id", r.exec.WorkflowID)
}

// releaseSlot frees the concurrency slot held by a finished run and
// retires it from the live table. Runs that never claimed a slot only
// retire.
func (e *Engine) releaseSlot(r *run) {
	e.mu.Lock()
	delete(e.runs, r.exec.ID)
	e.mu.Unlock()

	if r.isStarted() {
		select {
		case <-e.slots:
		default:
		}
	}
}

// signalResourcesAvailable retries allocation for every run parked in
// waiting_for_resources. Called after a terminal run releases its
// reservation.
func (e *Engine) signalResourcesAvailable() {
	for _, r := range e.activeRuns() {
		if r.status() == workflow.StatusWaitingForResources {
			_ = r.interp.SendEvent(evResourcesAvailable)
		}
	}
}

// releaseResources returns the run's reservation to the pool exactly once.
func (e *Engine) releaseResources(r *run) {
	r.releaseOnce.Do(func() {
		r.mu.Lock()
		held := r.allocated
		r.allocated = false
		r.mu.Unlock()
		if !held {
			return
		}
		if e.deps.Pool.Release(r.exec.ID) {
			e.logger.Debug("resources released", "execution_id", r.exec.ID)
		}
	})
}

// PauseWorkflow suspends a non-terminal execution. In-flight nested
// operations are interrupted and any straggling step result is
// discarded; resuming re-executes the current step from scratch.
func (e *Engine) PauseWorkflow(executionID string) error {
	r, err := e.liveRun(executionID)
	if err != nil {
		return err
	}
	if r.status() == workflow.StatusPaused {
		return nil
	}
	if !r.isStarted() {
		return &maestroerrors.ValidationError{
			Field:   "execution",
			Message: "execution is still queued",
		}
	}
	return r.interp.SendEvent(evManualIntervention)
}

// ResumeWorkflow continues a paused execution from its persisted
// position.
func (e *Engine) ResumeWorkflow(executionID string) error {
	r, err := e.liveRun(executionID)
	if err != nil {
		return err
	}
	if r.status() != workflow.StatusPaused {
		return &maestroerrors.ValidationError{
			Field:   "execution",
			Message: "execution is not paused",
		}
	}
	return r.interp.SendEvent(evResume)
}

// CancelWorkflow cancels an execution in any non-terminal state,
// including one still waiting in the admission queue.
func (e *Engine) CancelWorkflow(executionID string) error {
	r, err := e.liveRun(executionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	started := r.started
	r.cancelled = true
	r.mu.Unlock()

	if started {
		return r.interp.SendEvent(evCancel)
	}
	if e.queue.remove(r) {
		setQueueDepth(e.queue.len())
		e.finish(r, stateCancelled)
	}
	// Already popped: the admit loop sees the cancelled flag and
	// settles the run itself.
	return nil
}

// GetWorkflow returns the execution record for id, falling back to the
// store for executions that already retired.
func (e *Engine) GetWorkflow(executionID string) (*workflow.Execution, error) {
	e.mu.RLock()
	r, ok := e.runs[executionID]
	e.mu.RUnlock()
	if ok {
		return r.snapshot(), nil
	}
	return e.deps.Store.LoadExecution(context.Background(), executionID)
}

// GetExecutionHistory lists persisted executions of one workflow,
// newest first.
func (e *Engine) GetExecutionHistory(ctx context.Context, workflowID string, limit int) ([]*workflow.Execution, error) {
	return e.deps.Store.QueryExecutions(ctx, workflow.ExecutionFilter{
		WorkflowID: workflowID,
		Limit:      limit,
	})
}

// GetActiveWorkflows snapshots every live (queued or running) execution.
func (e *Engine) GetActiveWorkflows() []*workflow.Execution {
	runs := e.activeRuns()
	out := make([]*workflow.Execution, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	return out
}

func (e *Engine) activeRuns() []*run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r)
	}
	return out
}

func (e *Engine) liveRun(executionID string) (*run, error) {
	e.mu.RLock()
	r, ok := e.runs[executionID]
	e.mu.RUnlock()
	if !ok {
		return nil, &maestroerrors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return r, nil
}

// Metrics is a point-in-time view of orchestration activity.
type Metrics struct {
	Submitted         int64                `json:"submitted"`
	Active            int                  `json:"active"`
	Queued            int                  `json:"queued"`
	Completed         int64                `json:"completed"`
	Failed            int64                `json:"failed"`
	Cancelled         int64                `json:"cancelled"`
	PendingHumanTasks int                  `json:"pendingHumanTasks"`
	SuccessRate       float64              `json:"successRate"`
	AvgDuration       time.Duration        `json:"avgDuration"`
	Utilization       resource.Utilization `json:"utilization"`
}

// OrchestrationMetrics summarizes engine activity and pool usage.
func (e *Engine) OrchestrationMetrics() *Metrics {
	e.statsMu.Lock()
	s := e.stats
	e.statsMu.Unlock()

	m := &Metrics{
		Submitted:         s.submitted,
		Queued:            e.queue.len(),
		Completed:         s.completed,
		Failed:            s.failed,
		Cancelled:         s.cancelled,
		PendingHumanTasks: len(e.pendingTasks("")),
		Utilization:       e.deps.Pool.Utilization(),
	}
	e.mu.RLock()
	m.Active = len(e.runs) - m.Queued
	e.mu.RUnlock()
	if m.Active < 0 {
		m.Active = 0
	}
	if s.finished > 0 {
		m.SuccessRate = float64(s.completed) / float64(s.finished)
		m.AvgDuration = s.totalDuration / time.Duration(s.finished)
	}
	return m
}

// RecoverInterrupted re-admits executions the store still records as
// non-terminal, typically after a process restart. Each resumes from
// its persisted position; a step that was mid-flight runs again.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	stale, err := e.staleExecutions(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, exec := range stale {
		def, err := e.deps.Store.LoadWorkflowDefinition(ctx, exec.WorkflowID, exec.WorkflowVersion)
		if err != nil {
			e.logger.Warn("cannot resume execution, definition missing",
				"execution_id", exec.ID, "workflow_id", exec.WorkflowID, "error", err)
			continue
		}

		exec.Status = workflow.StatusPending
		exec.PendingHumanTaskID = ""
		if err := e.admit(def, exec, 0); err != nil {
			if verr, ok := err.(*maestroerrors.ValidationError); ok && verr.Field == "execution" {
				// Already live, nothing to resume.
				continue
			}
			return resumed, err
		}
		resumed++
		e.logger.Info("re-admitted interrupted execution",
			"execution_id", exec.ID, "workflow_id", exec.WorkflowID,
			"step_index", exec.CurrentStepIndex)
	}
	return resumed, nil
}

func (e *Engine) staleExecutions(ctx context.Context) ([]*workflow.Execution, error) {
	var stale []*workflow.Execution
	for _, status := range []workflow.ExecutionStatus{
		workflow.StatusPending,
		workflow.StatusInitializing,
		workflow.StatusPlanning,
		workflow.StatusResourceAllocation,
		workflow.StatusWaitingForResources,
		workflow.StatusExecuting,
		workflow.StatusCheckpointing,
		workflow.StatusHumanValidation,
		workflow.StatusRetry,
		workflow.StatusRecovery,
		workflow.StatusPaused,
		workflow.StatusFinalizing,
	} {
		batch, err := e.deps.Store.QueryExecutions(ctx, workflow.ExecutionFilter{Status: status})
		if err != nil {
			return nil, err
		}
		stale = append(stale, batch...)
	}
	return stale, nil
}

// Close stops admission, cancels every live execution, and waits for
// started interpreters to halt or ctx to expire.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	// Settle runs still queued; they never claimed a slot.
	for _, r := range e.queue.close() {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
		e.finish(r, stateCancelled)
	}
	setQueueDepth(0)

	var started []*run
	for _, r := range e.activeRuns() {
		r.mu.Lock()
		claimed := r.started
		r.cancelled = true
		r.mu.Unlock()
		if claimed {
			started = append(started, r)
			_ = r.interp.SendEvent(evCancel)
		}
	}

	done := make(chan struct{})
	go func() {
		for _, r := range started {
			select {
			case <-r.interp.Done():
			case <-ctx.Done():
				return
			}
		}
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	e.rootCancel()
	e.wg.Wait()
	e.logger.Info("orchestrator closed")
	return err
}

// persistExecution writes the execution record; failures are logged,
// not fatal, since the previous durable record still stands.
func (e *Engine) persistExecution(snap *workflow.Execution) {
	if err := e.deps.Store.SaveExecution(context.Background(), snap); err != nil {
		e.logger.Warn("execution persist failed",
			"execution_id", snap.ID, "error", err)
	}
}

// persistStateSnapshot appends a versioned state record for the
// execution's audit trail.
func (e *Engine) persistStateSnapshot(snap *workflow.Execution) {
	_, err := e.deps.Store.SaveWorkflowState(context.Background(), snap.WorkflowID, snap.ID, snap)
	if err != nil {
		e.logger.Warn("state snapshot failed",
			"execution_id", snap.ID, "error", err)
	}
}

func (e *Engine) publish(eventType string, data map[string]any) {
	if e.deps.Events == nil {
		return
	}
	err := e.deps.Events.Publish(EventTopic, &bus.Event{
		Type:   eventType,
		Source: "orchestrator",
		Data:   data,
	})
	if err != nil {
		e.logger.Debug("workflow event dropped", "type", eventType, "error", err)
	}
}

// simulatedModels is the default ModelResolver: it serves deterministic
// simulated models, picking up the accuracy of an earlier training step
// when the execution context carries one.
type simulatedModels struct{}

func (simulatedModels) Resolve(_ context.Context, cfg *workflow.DeploymentConfig, execCtx *workflow.ExecutionContext) (deploy.Model, error) {
	if cfg == nil || cfg.ModelID == "" {
		return nil, &maestroerrors.ValidationError{
			Field:   "deployment.model_id",
			Message: "deployment requires a model id",
		}
	}
	quality := trainedAccuracy(execCtx)
	if quality <= 0 {
		// Stable per-model quality in [0.80, 0.95).
		h := fnv.New64a()
		h.Write([]byte(cfg.ModelID))
		quality = 0.80 + float64(h.Sum64()%1500)/10000
	}
	return deploy.NewSimulatedModel([]int{4}, quality, time.Millisecond), nil
}

// trainedAccuracy scans step outputs for the accuracy recorded by a
// training step; zero when none exists.
func trainedAccuracy(execCtx *workflow.ExecutionContext) float64 {
	if execCtx == nil {
		return 0
	}
	for _, out := range execCtx.Outputs {
		m, ok := out.(map[string]any)
		if !ok {
			continue
		}
		if acc, ok := m["finalAccuracy"].(float64); ok && acc > 0 {
			return acc
		}
	}
	return 0
}
