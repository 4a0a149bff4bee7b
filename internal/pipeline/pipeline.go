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

// Package pipeline executes declared data pipelines as state machines:
// ingest from one or more sources, preprocess, validate, optionally
// augment, batch, and cache the batched result for later retrieval.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/maestro/internal/bus"
	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/fsm"
	"github.com/tombee/maestro/pkg/workflow"
	"github.com/tombee/maestro/pkg/workflow/expression"
)

// Pipeline phase states.
const (
	phaseInitializing  = "initializing"
	phaseIngesting     = "ingesting"
	phasePreprocessing = "preprocessing"
	phaseValidating    = "validating"
	phaseAugmenting    = "augmenting"
	phaseBatching      = "batching"
	phaseCaching       = "caching"
	phaseCompleted     = "completed"
	phaseFailed        = "failed"
)

// Events driving the phase machine.
const (
	evInitialized  = "INITIALIZED"
	evIngested     = "DATA_INGESTED"
	evPreprocessed = "PREPROCESSED"
	evValidated    = "VALIDATED"
	evAugmented    = "AUGMENTED"
	evBatched      = "BATCHED"
	evCached       = "CACHED"
	evPhaseFailed  = "PHASE_FAILED"
	evCancel       = "CANCEL"
)

// EventTopic is the bus topic pipeline lifecycle events are published on.
const EventTopic = "pipeline"

// EventPublisher receives pipeline lifecycle events. *bus.Bus satisfies it.
type EventPublisher interface {
	Publish(topic string, event *bus.Event) error
}

// Config holds engine-level settings. Per-pipeline behavior (sources,
// preprocessing, validation, batching, caching) comes from the
// workflow.PipelineConfig registered with CreatePipeline.
type Config struct {
	// MaxConcurrentSources bounds parallel source ingestion per
	// execution. Zero means unbounded.
	MaxConcurrentSources int

	// CacheBackend selects "memory" (default) or "redis".
	CacheBackend string

	// RedisAddr is the redis host:port when CacheBackend is "redis".
	RedisAddr string

	// RetentionDays is how long cached results live before the sweep
	// (or the redis TTL) evicts them. Default 7.
	RetentionDays int

	// SweepInterval is the cadence of the retention sweep. Default 1h.
	SweepInterval time.Duration

	// Seed fixes the RNG used for shuffling and augmentation. Zero
	// seeds from the clock.
	Seed int64
}

// Execution is a point-in-time snapshot of one pipeline run.
type Execution struct {
	ID          string            `json:"id"`
	PipelineID  string            `json:"pipelineId"`
	Phase       string            `json:"phase"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt time.Time         `json:"completedAt"`
	SourceCount int               `json:"sourceCount"`
	RecordCount int               `json:"recordCount"`
	BatchCount  int               `json:"batchCount"`
	Batches     []*Batch          `json:"batches,omitempty"`
	Validation  *ValidationResult `json:"validation,omitempty"`
	Cached      bool              `json:"cached"`
	Cancelled   bool              `json:"cancelled"`
	Error       string            `json:"error,omitempty"`
}

// Done reports whether the execution reached a terminal phase.
func (e *Execution) Done() bool {
	return e.Phase == phaseCompleted || e.Phase == phaseFailed
}

// run is the mutable state behind one execution.
type run struct {
	id         string
	pipelineID string
	cfg        *workflow.PipelineConfig
	interp     *fsm.Interpreter
	ctx        context.Context
	cancel     context.CancelFunc
	rng        *rand.Rand

	mu         sync.Mutex
	phase      string
	phaseStart time.Time
	startedAt  time.Time
	doneAt     time.Time
	datasets   []*Dataset
	records    []Record
	schema     *Schema
	validation *ValidationResult
	batches    []*Batch
	cached     bool
	cancelled  bool
	err        error
}

func (r *run) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *run) snapshot() *Execution {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec := &Execution{
		ID:          r.id,
		PipelineID:  r.pipelineID,
		Phase:       r.phase,
		StartedAt:   r.startedAt,
		CompletedAt: r.doneAt,
		SourceCount: len(r.cfg.Sources),
		RecordCount: len(r.records),
		BatchCount:  len(r.batches),
		Batches:     append([]*Batch(nil), r.batches...),
		Validation:  r.validation,
		Cached:      r.cached,
		Cancelled:   r.cancelled,
	}
	if r.err != nil {
		exec.Error = r.err.Error()
	}
	return exec
}

// Engine drives pipeline executions. Each execution runs on its own
// single-threaded interpreter; phase work happens in goroutines that
// report back by sending events.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	events EventPublisher
	pre    *preprocessor
	cache  Cache

	rootCtx    context.Context
	rootCancel context.CancelFunc
	sweepDone  chan struct{}

	mu        sync.RWMutex
	closed    bool
	adapters  map[workflow.SourceType]Adapter
	pipelines map[string]*workflow.PipelineConfig
	runs      map[string]*run
}

// New constructs an Engine. events may be nil when no bus is attached.
func New(cfg Config, events EventPublisher, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}

	var cache Cache
	switch cfg.CacheBackend {
	case "", "memory":
		cache = newMemoryCache()
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, &maestroerrors.ConfigError{
				Key:    "pipeline.redis_addr",
				Reason: "redis cache backend requires an address",
			}
		}
		cache = newRedisCache(cfg.RedisAddr, time.Duration(cfg.RetentionDays)*24*time.Hour)
	default:
		return nil, &maestroerrors.ConfigError{
			Key:    "pipeline.cache_backend",
			Reason: fmt.Sprintf("unknown backend %q (use memory or redis)", cfg.CacheBackend),
		}
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	evaluator := expression.New()
	e := &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "pipeline"),
		events:     events,
		pre:        newPreprocessor(evaluator, logger),
		cache:      cache,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		sweepDone:  make(chan struct{}),
		adapters: map[workflow.SourceType]Adapter{
			workflow.SourceTypeFile:     &fileAdapter{},
			workflow.SourceTypeDatabase: &simulatedAdapter{kind: workflow.SourceTypeDatabase},
			workflow.SourceTypeAPI:      &simulatedAdapter{kind: workflow.SourceTypeAPI},
			workflow.SourceTypeStream:   &simulatedAdapter{kind: workflow.SourceTypeStream},
		},
		pipelines: make(map[string]*workflow.PipelineConfig),
		runs:      make(map[string]*run),
	}
	go e.sweepLoop()
	return e, nil
}

// RegisterAdapter replaces the adapter used for a source type. Intended
// for wiring real database/api/stream connectors in place of the
// simulated defaults.
func (e *Engine) RegisterAdapter(kind workflow.SourceType, adapter Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters[kind] = adapter
}

// CreatePipeline validates and registers a pipeline definition.
// Re-creating an existing id replaces it, so retried steps can reuse
// their pipeline id.
func (e *Engine) CreatePipeline(id string, cfg *workflow.PipelineConfig) error {
	if id == "" {
		return &maestroerrors.ValidationError{Field: "id", Message: "pipeline id is required"}
	}
	if cfg == nil {
		return &maestroerrors.ValidationError{Field: "config", Message: "pipeline config is required"}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("pipeline engine is closed")
	}
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		adapter, ok := e.adapters[src.Type]
		if !ok {
			return &maestroerrors.ValidationError{
				Field:   "sources",
				Message: fmt.Sprintf("source %q has unsupported type %q", src.ID, src.Type),
			}
		}
		if err := adapter.Validate(src); err != nil {
			return fmt.Errorf("source %q: %w", src.ID, err)
		}
	}
	e.pipelines[id] = cfg
	e.logger.Debug("pipeline registered", "pipeline_id", id, "sources", len(cfg.Sources))
	return nil
}

// ExecutePipeline starts an asynchronous run of a registered pipeline
// and returns its execution id. Progress is observable via
// GetExecution and the event bus.
func (e *Engine) ExecutePipeline(ctx context.Context, pipelineID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fmt.Errorf("pipeline engine is closed")
	}
	cfg, ok := e.pipelines[pipelineID]
	if !ok {
		e.mu.Unlock()
		return "", &maestroerrors.NotFoundError{Resource: "pipeline", ID: pipelineID}
	}

	seed := e.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	runCtx, cancel := context.WithCancel(e.rootCtx)
	r := &run{
		id:         uuid.New().String(),
		pipelineID: pipelineID,
		cfg:        cfg,
		ctx:        runCtx,
		cancel:     cancel,
		rng:        rand.New(rand.NewSource(seed)),
		phase:      phaseInitializing,
		phaseStart: time.Now(),
		startedAt:  time.Now(),
	}
	r.interp = e.buildInterpreter(r)
	e.runs[r.id] = r
	e.mu.Unlock()

	setActiveExecutions(1)
	e.publish("pipeline:started", map[string]any{
		"executionId": r.id,
		"pipelineId":  pipelineID,
	})
	if err := r.interp.Start(); err != nil {
		e.mu.Lock()
		delete(e.runs, r.id)
		e.mu.Unlock()
		cancel()
		setActiveExecutions(-1)
		return "", err
	}
	e.logger.Info("pipeline execution started",
		"pipeline_id", pipelineID, "execution_id", r.id)
	return r.id, nil
}

// Cancel stops a running execution. Cancelling a finished execution is
// a no-op.
func (e *Engine) Cancel(executionID string) error {
	e.mu.RLock()
	r, ok := e.runs[executionID]
	e.mu.RUnlock()
	if !ok {
		return &maestroerrors.NotFoundError{Resource: "pipeline execution", ID: executionID}
	}

	r.mu.Lock()
	if r.phase == phaseCompleted || r.phase == phaseFailed {
		r.mu.Unlock()
		return nil
	}
	r.cancelled = true
	if r.err == nil {
		r.err = fmt.Errorf("pipeline execution cancelled")
	}
	r.mu.Unlock()

	r.cancel()
	// Ignore the send error: the interpreter may already be finishing.
	_ = r.interp.SendEvent(evCancel)
	return nil
}

// GetExecution returns a snapshot of an execution's state.
func (e *Engine) GetExecution(executionID string) (*Execution, error) {
	e.mu.RLock()
	r, ok := e.runs[executionID]
	e.mu.RUnlock()
	if !ok {
		return nil, &maestroerrors.NotFoundError{Resource: "pipeline execution", ID: executionID}
	}
	return r.snapshot(), nil
}

// CachedResult fetches the cached batches of a completed execution.
func (e *Engine) CachedResult(ctx context.Context, executionID string) (*CachedResult, error) {
	result, err := e.cache.Get(ctx, executionID)
	if err != nil {
		recordCacheOp("get", "miss")
		return nil, err
	}
	recordCacheOp("get", "hit")
	return result, nil
}

// Close cancels live executions, stops the retention sweep, and shuts
// down the cache backend.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	live := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		live = append(live, r)
	}
	e.mu.Unlock()

	for _, r := range live {
		_ = e.Cancel(r.id)
	}
	for _, r := range live {
		<-r.interp.Done()
	}

	e.rootCancel()
	<-e.sweepDone
	return e.cache.Close()
}

// buildInterpreter assembles the per-execution phase machine. Entry
// actions hand the phase's work to a goroutine and return immediately;
// the goroutine reports back with a completion or failure event.
func (e *Engine) buildInterpreter(r *run) *fsm.Interpreter {
	failure := fsm.Transition{Target: phaseFailed}
	cancelT := fsm.Transition{Target: phaseFailed}

	m := fsm.NewMachine("pipeline-"+r.id, phaseInitializing)
	m.AddState(&fsm.State{
		Name:    phaseInitializing,
		OnEntry: e.phaseAction(r, e.initialize, evInitialized),
		Transitions: map[string][]fsm.Transition{
			evInitialized: {{Target: phaseIngesting}},
			evPhaseFailed: {failure},
			evCancel:      {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    phaseIngesting,
		OnEntry: e.phaseAction(r, e.ingest, evIngested),
		Transitions: map[string][]fsm.Transition{
			evIngested:    {{Target: phasePreprocessing}},
			evPhaseFailed: {failure},
			evCancel:      {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    phasePreprocessing,
		OnEntry: e.phaseAction(r, e.preprocess, evPreprocessed),
		Transitions: map[string][]fsm.Transition{
			evPreprocessed: {{Target: phaseValidating}},
			evPhaseFailed:  {failure},
			evCancel:       {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    phaseValidating,
		OnEntry: e.phaseAction(r, e.validate, evValidated),
		Transitions: map[string][]fsm.Transition{
			evValidated: {
				{
					Target: phaseAugmenting,
					Guard: func(*fsm.Context, fsm.Event) bool {
						return r.cfg.Augmentation != nil && r.cfg.Augmentation.Enabled
					},
				},
				{Target: phaseBatching},
			},
			evPhaseFailed: {failure},
			evCancel:      {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    phaseAugmenting,
		OnEntry: e.phaseAction(r, e.augmentPhase, evAugmented),
		Transitions: map[string][]fsm.Transition{
			evAugmented:   {{Target: phaseBatching}},
			evPhaseFailed: {failure},
			evCancel:      {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    phaseBatching,
		OnEntry: e.phaseAction(r, e.batch, evBatched),
		Transitions: map[string][]fsm.Transition{
			evBatched:     {{Target: phaseCaching}},
			evPhaseFailed: {failure},
			evCancel:      {cancelT},
		},
	})
	m.AddState(&fsm.State{
		// Caching failures are non-critical: the phase logs and
		// still reports CACHED.
		Name:    phaseCaching,
		OnEntry: e.phaseAction(r, e.cacheResult, evCached),
		Transitions: map[string][]fsm.Transition{
			evCached: {{Target: phaseCompleted}},
			evCancel: {cancelT},
		},
	})
	m.AddState(&fsm.State{
		Name:    phaseCompleted,
		Final:   true,
		OnEntry: func(*fsm.Context, fsm.Event) { e.finish(r, phaseCompleted) },
	})
	m.AddState(&fsm.State{
		Name:    phaseFailed,
		Final:   true,
		OnEntry: func(*fsm.Context, fsm.Event) { e.finish(r, phaseFailed) },
	})

	return fsm.NewInterpreter(m).
		WithLogger(e.logger).
		OnTransition(func(from, to string, ev fsm.Event) { e.onPhaseChange(r, from, to) })
}

// phaseAction wraps a phase's work so it runs off the interpreter
// goroutine and yields back via an event.
func (e *Engine) phaseAction(r *run, work func(*run) error, okEvent string) fsm.Action {
	return func(*fsm.Context, fsm.Event) {
		go func() {
			if err := r.ctx.Err(); err == nil {
				err = work(r)
				if err == nil {
					_ = r.interp.SendEvent(okEvent)
					return
				}
				r.fail(err)
			}
			_ = r.interp.SendEvent(evPhaseFailed)
		}()
	}
}

func (e *Engine) onPhaseChange(r *run, from, to string) {
	r.mu.Lock()
	r.phase = to
	elapsed := time.Since(r.phaseStart)
	r.phaseStart = time.Now()
	r.mu.Unlock()

	observePhase(from, elapsed)
	e.publish("pipeline:phase", map[string]any{
		"executionId": r.id,
		"pipelineId":  r.pipelineID,
		"from":        from,
		"phase":       to,
	})
	e.logger.Debug("pipeline phase",
		"execution_id", r.id, "from", from, "to", to)
}

func (e *Engine) finish(r *run, terminal string) {
	r.mu.Lock()
	r.phase = terminal
	r.doneAt = time.Now()
	records := len(r.records)
	batches := len(r.batches)
	err := r.err
	cancelled := r.cancelled
	duration := r.doneAt.Sub(r.startedAt)
	r.mu.Unlock()

	r.cancel()
	setActiveExecutions(-1)

	data := map[string]any{
		"executionId": r.id,
		"pipelineId":  r.pipelineID,
		"records":     records,
		"batches":     batches,
		"durationMs":  duration.Milliseconds(),
	}
	if terminal == phaseCompleted {
		recordExecution("completed")
		e.publish("pipeline:completed", data)
		e.logger.Info("pipeline execution completed",
			"execution_id", r.id, "records", records, "batches", batches,
			"duration", duration)
		return
	}

	recordExecution("failed")
	if err != nil {
		data["error"] = err.Error()
	}
	data["cancelled"] = cancelled
	e.publish("pipeline:failed", data)
	e.logger.Warn("pipeline execution failed",
		"execution_id", r.id, "cancelled", cancelled, "error", err)
}

func (e *Engine) publish(eventType string, data map[string]any) {
	if e.events == nil {
		return
	}
	err := e.events.Publish(EventTopic, &bus.Event{
		Type:   eventType,
		Source: "pipeline-engine",
		Data:   data,
	})
	if err != nil {
		e.logger.Debug("pipeline event dropped", "type", eventType, "error", err)
	}
}

// initialize re-checks that every source still has an adapter before
// any work is spent on ingestion.
func (e *Engine) initialize(r *run) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := range r.cfg.Sources {
		if _, ok := e.adapters[r.cfg.Sources[i].Type]; !ok {
			return &maestroerrors.ValidationError{
				Field:   "sources",
				Message: fmt.Sprintf("no adapter for source type %q", r.cfg.Sources[i].Type),
			}
		}
	}
	return nil
}

// ingest pulls every source concurrently and merges the datasets in
// declaration order.
func (e *Engine) ingest(r *run) error {
	g, ctx := errgroup.WithContext(r.ctx)
	if e.cfg.MaxConcurrentSources > 0 {
		g.SetLimit(e.cfg.MaxConcurrentSources)
	}

	datasets := make([]*Dataset, len(r.cfg.Sources))
	for i := range r.cfg.Sources {
		src := &r.cfg.Sources[i]
		g.Go(func() error {
			e.mu.RLock()
			adapter := e.adapters[src.Type]
			e.mu.RUnlock()

			ds, err := adapter.Ingest(ctx, src)
			if err != nil {
				return fmt.Errorf("source %q: %w", src.ID, err)
			}
			datasets[i] = ds
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var records []Record
	for _, ds := range datasets {
		if ds.ID == "" {
			ds.ID = uuid.New().String()
		}
		records = append(records, ds.Records...)
	}

	r.mu.Lock()
	r.datasets = datasets
	r.records = records
	r.schema = inferSchema(records)
	r.mu.Unlock()

	addRecordsIngested(len(records))
	e.logger.Debug("pipeline ingest complete",
		"execution_id", r.id, "sources", len(datasets), "records", len(records))
	return nil
}

func (e *Engine) preprocess(r *run) error {
	r.mu.Lock()
	records := r.records
	r.mu.Unlock()

	processed, err := e.pre.apply(r.cfg.Preprocessing, records)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.records = processed
	// Filtering and transforms change the shape; re-infer.
	r.schema = inferSchema(processed)
	r.mu.Unlock()
	return nil
}

func (e *Engine) validate(r *run) error {
	r.mu.Lock()
	records := r.records
	schema := r.schema
	r.mu.Unlock()

	result, err := validateRecords(r.cfg.Validation, schema, records)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.validation = result
	r.mu.Unlock()

	if !result.Passed && r.cfg.Validation != nil && r.cfg.Validation.Strict {
		return fmt.Errorf("validation failed: %d of %d records invalid",
			result.TotalRecords-result.ValidRecords, result.TotalRecords)
	}
	return nil
}

func (e *Engine) augmentPhase(r *run) error {
	r.mu.Lock()
	records := augment(r.cfg.Augmentation, r.records, r.rng)
	r.records = records
	r.mu.Unlock()
	return nil
}

func (e *Engine) batch(r *run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.cfg.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	r.batches = makeBatches(r.id, r.records, size, r.cfg.Shuffle, r.rng)
	return nil
}

// cacheResult stores the batched output. Failures here never fail the
// pipeline; they are logged and the run still completes.
func (e *Engine) cacheResult(r *run) error {
	cacheCfg := r.cfg.Cache
	if cacheCfg == nil || !cacheCfg.Enabled {
		return nil
	}

	r.mu.Lock()
	result := &CachedResult{
		ExecutionID: r.id,
		PipelineID:  r.pipelineID,
		Batches:     r.batches,
		RecordCount: len(r.records),
		CachedAt:    time.Now(),
	}
	r.mu.Unlock()

	data, err := json.Marshal(result)
	if err != nil {
		recordCacheOp("put", "error")
		e.logger.Warn("pipeline cache skipped", "execution_id", r.id, "error", err)
		return nil
	}
	result.SizeBytes = int64(len(data))
	if cacheCfg.MaxSizeBytes > 0 && result.SizeBytes > cacheCfg.MaxSizeBytes {
		recordCacheOp("put", "skipped")
		e.logger.Debug("pipeline result too large to cache",
			"execution_id", r.id, "size_bytes", result.SizeBytes,
			"max_bytes", cacheCfg.MaxSizeBytes)
		return nil
	}

	if err := e.cache.Put(r.ctx, result); err != nil {
		recordCacheOp("put", "error")
		e.logger.Warn("pipeline cache write failed", "execution_id", r.id, "error", err)
		return nil
	}
	recordCacheOp("put", "ok")

	r.mu.Lock()
	r.cached = true
	r.mu.Unlock()
	return nil
}

// sweepLoop evicts cached results past the retention window.
func (e *Engine) sweepLoop() {
	defer close(e.sweepDone)

	retention := time.Duration(e.cfg.RetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.rootCtx.Done():
			return
		case <-ticker.C:
			removed, err := e.cache.Sweep(e.rootCtx, retention)
			if err != nil {
				e.logger.Warn("pipeline cache sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				recordCacheSweep(removed)
				e.logger.Debug("pipeline cache sweep", "evicted", removed)
			}
		}
	}
}
