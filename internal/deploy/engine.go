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

// Package deploy ships trained models through a staged rollout:
// validate, optimize, calibrate, test, then deploy with a standard,
// blue-green, or canary strategy and monitor the result. Failures at
// or after the deploy phase roll the new version back off the model
// server.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tombee/maestro/internal/bus"
	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/fsm"
	"github.com/tombee/maestro/pkg/workflow"
)

// Deployment phase states.
const (
	phaseInitializing = "initializing"
	phaseValidating   = "validating"
	phaseOptimizing   = "optimizing"
	phaseTraining     = "training"
	phaseTesting      = "testing"
	phaseDeploying    = "deploying"
	phaseMonitoring   = "monitoring"
	phaseRollingBack  = "rolling_back"
	phaseCompleted    = "completed"
	phaseFailed       = "failed"
)

// Events driving the phase machine.
const (
	evInitialized  = "INITIALIZED"
	evValidated    = "VALIDATED"
	evOptimized    = "OPTIMIZED"
	evTrained      = "TRAINED"
	evTested       = "TESTED"
	evDeployed     = "DEPLOYED"
	evMonitored    = "MONITORED"
	evPhaseFailed  = "PHASE_FAILED"
	evDeployFailed = "DEPLOY_FAILED"
	evRolledBack   = "ROLLED_BACK"
	evCancel       = "CANCEL"
)

// EventTopic is the bus topic deployment lifecycle events are
// published on.
const EventTopic = "deployment"

// EventPublisher receives deployment lifecycle events. *bus.Bus
// satisfies it.
type EventPublisher interface {
	Publish(topic string, event *bus.Event) error
}

const (
	latencyTrials       = 10
	calibrationRuns     = 3
	defaultSignificance = 0.05

	recommendPromote  = "promote"
	recommendRollback = "rollback"
)

// Config holds engine-level settings. Per-deployment behavior comes
// from the workflow.DeploymentConfig passed at start.
type Config struct {
	// Server hosts the deployed models. Nil selects the in-memory
	// simulated server. Either way the engine talks to it through a
	// circuit breaker.
	Server ModelServer

	// WarmupRate paces blue-green warmup predictions, in requests per
	// second. Default 200.
	WarmupRate float64

	// MonitorInterval is the observation window for deployments that
	// do not declare their own. Default 2s.
	MonitorInterval time.Duration

	// BreakerMaxFailures opens the model-server circuit after this
	// many consecutive failures. Default 5.
	BreakerMaxFailures int

	// BreakerTimeout is how long the circuit stays open before a
	// trial request is let through. Default 5s.
	BreakerTimeout time.Duration
}

// ValidationReport records the pre-deploy model checks.
type ValidationReport struct {
	ShapeChecked     bool    `json:"shapeChecked"`
	ZeroInputOutputs int     `json:"zeroInputOutputs"`
	AvgLatencyMS     float64 `json:"avgLatencyMs"`
	ThresholdMS      float64 `json:"thresholdMs,omitempty"`
	Passed           bool    `json:"passed"`
}

// OptimizationReport records the simulated model optimization pass.
type OptimizationReport struct {
	SizeReductionPct float64  `json:"sizeReductionPct"`
	LatencyGainPct   float64  `json:"latencyGainPct"`
	Techniques       []string `json:"techniques"`
}

// TestResult is the outcome of one declared validation test.
type TestResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Outputs int    `json:"outputs"`
	Error   string `json:"error,omitempty"`
}

// Deployment is a point-in-time snapshot of one deployment run.
type Deployment struct {
	ID             string              `json:"id"`
	ModelID        string              `json:"modelId"`
	Version        string              `json:"version"`
	Strategy       string              `json:"strategy"`
	Environment    string              `json:"environment,omitempty"`
	Phase          string              `json:"phase"`
	DeploymentKey  string              `json:"deploymentKey,omitempty"`
	PreviousKey    string              `json:"previousKey,omitempty"`
	Recommendation string              `json:"recommendation,omitempty"`
	Validation     *ValidationReport   `json:"validation,omitempty"`
	Optimization   *OptimizationReport `json:"optimization,omitempty"`
	TestResults    []TestResult        `json:"testResults,omitempty"`
	ABTest         *ABTestResult       `json:"abTest,omitempty"`
	WarmupFailures int                 `json:"warmupFailures,omitempty"`
	StartedAt      time.Time           `json:"startedAt"`
	CompletedAt    time.Time           `json:"completedAt"`
	Cancelled      bool                `json:"cancelled"`
	Error          string              `json:"error,omitempty"`
}

// Done reports whether the deployment reached a terminal phase.
func (d *Deployment) Done() bool {
	return d.Phase == phaseCompleted || d.Phase == phaseFailed
}

// run is the mutable state behind one deployment.
type run struct {
	id       string
	cfg      *workflow.DeploymentConfig
	model    Model
	strategy string
	interp   *fsm.Interpreter
	ctx      context.Context
	cancel   context.CancelFunc

	mu             sync.Mutex
	phase          string
	phaseStart     time.Time
	startedAt      time.Time
	doneAt         time.Time
	version        string
	key            string
	previousKey    string
	deployed       bool
	promoted       bool
	abTestID       string
	abStopped      bool
	abResult       *ABTestResult
	validation     *ValidationReport
	optimization   *OptimizationReport
	testResults    []TestResult
	recommendation string
	warmupFailures int
	cancelled      bool
	err            error
}

func (r *run) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *run) snapshot() *Deployment {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := &Deployment{
		ID:             r.id,
		ModelID:        r.cfg.ModelID,
		Version:        r.version,
		Strategy:       r.strategy,
		Environment:    r.cfg.Environment,
		Phase:          r.phase,
		DeploymentKey:  r.key,
		PreviousKey:    r.previousKey,
		Recommendation: r.recommendation,
		Validation:     r.validation,
		Optimization:   r.optimization,
		TestResults:    append([]TestResult(nil), r.testResults...),
		ABTest:         r.abResult,
		WarmupFailures: r.warmupFailures,
		StartedAt:      r.startedAt,
		CompletedAt:    r.doneAt,
		Cancelled:      r.cancelled,
	}
	if r.err != nil {
		d.Error = r.err.Error()
	}
	return d
}

// Engine drives model deployments. Each deployment runs on its own
// single-threaded interpreter; phase work happens in goroutines that
// report back by sending events.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	events EventPublisher
	server ModelServer

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	serving map[string]string
	runs    map[string]*run
}

// New constructs an Engine. events may be nil when no bus is attached.
func New(cfg Config, events EventPublisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WarmupRate <= 0 {
		cfg.WarmupRate = 200
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 2 * time.Second
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 5 * time.Second
	}

	server := cfg.Server
	if server == nil {
		server = NewSimulatedServer()
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "deploy"),
		events:     events,
		server:     newBreakerServer(server, logger, cfg.BreakerMaxFailures, cfg.BreakerTimeout),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		serving:    make(map[string]string),
		runs:       make(map[string]*run),
	}
}

// DeployModel starts an asynchronous deployment of a model using the
// strategy declared in cfg (standard when unset) and returns the
// deployment id. Progress is observable via GetDeployment and the
// event bus.
func (e *Engine) DeployModel(ctx context.Context, model Model, cfg *workflow.DeploymentConfig) (string, error) {
	return e.start(ctx, model, cfg, "")
}

// CreateBlueGreenDeployment starts a blue-green deployment regardless
// of the strategy declared in cfg.
func (e *Engine) CreateBlueGreenDeployment(ctx context.Context, model Model, cfg *workflow.DeploymentConfig) (string, error) {
	return e.start(ctx, model, cfg, workflow.StrategyBlueGreen)
}

// CreateCanaryDeployment starts a canary deployment regardless of the
// strategy declared in cfg.
func (e *Engine) CreateCanaryDeployment(ctx context.Context, model Model, cfg *workflow.DeploymentConfig) (string, error) {
	return e.start(ctx, model, cfg, workflow.StrategyCanary)
}

func (e *Engine) start(ctx context.Context, model Model, cfg *workflow.DeploymentConfig, force workflow.DeploymentStrategy) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if model == nil {
		return "", &maestroerrors.ValidationError{Field: "model", Message: "a model is required"}
	}
	if cfg == nil {
		return "", &maestroerrors.ValidationError{Field: "config", Message: "a deployment config is required"}
	}
	if force != "" && cfg.Strategy != force {
		clone := *cfg
		clone.Strategy = force
		cfg = &clone
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = workflow.StrategyStandard
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fmt.Errorf("deployment engine is closed")
	}
	runCtx, cancel := context.WithCancel(e.rootCtx)
	r := &run{
		id:         uuid.New().String(),
		cfg:        cfg,
		model:      model,
		strategy:   string(strategy),
		ctx:        runCtx,
		cancel:     cancel,
		phase:      phaseInitializing,
		phaseStart: time.Now(),
		startedAt:  time.Now(),
	}
	r.interp = e.buildInterpreter(r)
	e.runs[r.id] = r
	e.mu.Unlock()

	setActiveDeployments(1)
	e.publish("deployment:started", map[string]any{
		"deploymentId": r.id,
		"modelId":      cfg.ModelID,
		"strategy":     r.strategy,
	})
	if err := r.interp.Start(); err != nil {
		e.mu.Lock()
		delete(e.runs, r.id)
		e.mu.Unlock()
		cancel()
		setActiveDeployments(-1)
		return "", err
	}
	e.logger.Info("deployment started",
		"deployment_id", r.id, "model_id", cfg.ModelID, "strategy", r.strategy)
	return r.id, nil
}

// CancelDeployment stops a running deployment. A deployment already at
// the deploy or monitor phase rolls its new version back off the
// server. Cancelling a finished deployment is a no-op.
func (e *Engine) CancelDeployment(deploymentID string) error {
	e.mu.RLock()
	r, ok := e.runs[deploymentID]
	e.mu.RUnlock()
	if !ok {
		return &maestroerrors.NotFoundError{Resource: "deployment", ID: deploymentID}
	}

	r.mu.Lock()
	if r.phase == phaseCompleted || r.phase == phaseFailed {
		r.mu.Unlock()
		return nil
	}
	r.cancelled = true
	if r.err == nil {
		r.err = fmt.Errorf("deployment cancelled")
	}
	r.mu.Unlock()

	r.cancel()
	// Ignore the send error: the interpreter may already be finishing.
	_ = r.interp.SendEvent(evCancel)
	return nil
}

// GetDeployment returns a snapshot of a deployment's state.
func (e *Engine) GetDeployment(deploymentID string) (*Deployment, error) {
	e.mu.RLock()
	r, ok := e.runs[deploymentID]
	e.mu.RUnlock()
	if !ok {
		return nil, &maestroerrors.NotFoundError{Resource: "deployment", ID: deploymentID}
	}
	return r.snapshot(), nil
}

// Deployments snapshots every tracked deployment, oldest first.
func (e *Engine) Deployments() []*Deployment {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	out := make([]*Deployment, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Serving reports the deployment key currently receiving a model's
// traffic.
func (e *Engine) Serving(modelID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	key, ok := e.serving[modelID]
	return key, ok
}

// Predict routes a prediction to the model's active deployment.
func (e *Engine) Predict(ctx context.Context, modelID string, input []float64) ([]float64, error) {
	e.mu.RLock()
	key, ok := e.serving[modelID]
	e.mu.RUnlock()
	if !ok {
		return nil, &maestroerrors.NotFoundError{Resource: "model", ID: modelID}
	}

	out, err := e.server.Predict(ctx, key, input)
	if err != nil {
		recordPrediction("error")
		return nil, err
	}
	recordPrediction("ok")
	return out, nil
}

// Health reports the backing model server's health.
func (e *Engine) Health(ctx context.Context) (*ServerHealth, error) {
	return e.server.GetHealth(ctx)
}

// Close cancels live deployments and waits for their interpreters to
// finish.
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
		_ = e.CancelDeployment(r.id)
	}
	for _, r := range live {
		<-r.interp.Done()
	}

	e.rootCancel()
	return nil
}

// buildInterpreter assembles the per-deployment phase machine. Entry
// actions hand the phase's work to a goroutine and return immediately;
// the goroutine reports back with a completion or failure event.
// Failures below the deploy phase go straight to failed; at deploy or
// monitor they detour through rolling_back first.
func (e *Engine) buildInterpreter(r *run) *fsm.Interpreter {
	failure := fsm.Transition{Target: phaseFailed}
	rollbackT := fsm.Transition{Target: phaseRollingBack}

	m := fsm.NewMachine("deployment-"+r.id, phaseInitializing)
	m.AddState(&fsm.State{
		Name:    phaseInitializing,
		OnEntry: e.phaseAction(r, e.initialize, evInitialized, evPhaseFailed),
		Transitions: map[string][]fsm.Transition{
			evInitialized: {{Target: phaseValidating}},
			evPhaseFailed: {failure},
			evCancel:      {failure},
		},
	})
	m.AddState(&fsm.State{
		Name:    phaseValidating,
		OnEntry: e.phaseAction(r, e.validate, evValidated, evPhaseFailed),
		Transitions: map[string][]fsm.Transition{
			evValidated:   {{Target: phaseOptimizing}},
			evPhaseFailed: {failure},
			evCancel:      {failure},
		},
	})
	m.AddState(&fsm.State{
		Name:    phaseOptimizing,
		OnEntry: e.phaseAction(r, e.optimize, evOptimized, evPhaseFailed),
		Transitions: map[string][]fsm.Transition{
			evOptimized:   {{Target: phaseTraining}},
			evPhaseFailed: {failure},
			evCancel:      {failure},
		},
	})
	m.AddState(&fsm.State{
		Name:    phaseTraining,
		OnEntry: e.phaseAction(r, e.calibrate, evTrained, evPhaseFailed),
		Transitions: map[string][]fsm.Transition{
			evTrained:     {{Target: phaseTesting}},
			evPhaseFailed: {failure},
			evCancel:      {failure},
		},
	})
	m.AddState(&fsm.State{
		Name:    phaseTesting,
		OnEntry: e.phaseAction(r, e.test, evTested, evPhaseFailed),
		Transitions: map[string][]fsm.Transition{
			evTested:      {{Target: phaseDeploying}},
			evPhaseFailed: {failure},
			evCancel:      {failure},
		},
	})
	m.AddState(&fsm.State{
		Name:    phaseDeploying,
		OnEntry: e.phaseAction(r, e.deploy, evDeployed, evDeployFailed),
		Transitions: map[string][]fsm.Transition{
			evDeployed:     {{Target: phaseMonitoring}},
			evDeployFailed: {rollbackT},
			evCancel:       {rollbackT},
		},
	})
	m.AddState(&fsm.State{
		Name:    phaseMonitoring,
		OnEntry: e.phaseAction(r, e.monitor, evMonitored, evDeployFailed),
		Transitions: map[string][]fsm.Transition{
			evMonitored:    {{Target: phaseCompleted}},
			evDeployFailed: {rollbackT},
			evCancel:       {rollbackT},
		},
	})
	m.AddState(&fsm.State{
		// Rollback is best-effort; it always proceeds to failed.
		Name: phaseRollingBack,
		OnEntry: func(*fsm.Context, fsm.Event) {
			go func() {
				e.rollback(r)
				_ = r.interp.SendEvent(evRolledBack)
			}()
		},
		Transitions: map[string][]fsm.Transition{
			evRolledBack: {failure},
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
func (e *Engine) phaseAction(r *run, work func(*run) error, okEvent, failEvent string) fsm.Action {
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
			_ = r.interp.SendEvent(failEvent)
		}()
	}
}

func (e *Engine) onPhaseChange(r *run, from, to string) {
	r.mu.Lock()
	r.phase = to
	elapsed := time.Since(r.phaseStart)
	r.phaseStart = time.Now()
	modelID := r.cfg.ModelID
	r.mu.Unlock()

	observePhase(from, elapsed)
	e.publish("deployment:phase", map[string]any{
		"deploymentId": r.id,
		"modelId":      modelID,
		"from":         from,
		"phase":        to,
	})
	e.logger.Debug("deployment phase",
		"deployment_id", r.id, "from", from, "to", to)
}

func (e *Engine) finish(r *run, terminal string) {
	r.mu.Lock()
	r.phase = terminal
	r.doneAt = time.Now()
	version := r.version
	recommendation := r.recommendation
	err := r.err
	cancelled := r.cancelled
	duration := r.doneAt.Sub(r.startedAt)
	r.mu.Unlock()

	r.cancel()
	setActiveDeployments(-1)

	data := map[string]any{
		"deploymentId": r.id,
		"modelId":      r.cfg.ModelID,
		"version":      version,
		"strategy":     r.strategy,
		"durationMs":   duration.Milliseconds(),
	}
	if terminal == phaseCompleted {
		recordDeployment(r.strategy, "completed")
		if recommendation != "" {
			data["recommendation"] = recommendation
		}
		e.publish("deployment:completed", data)
		e.logger.Info("deployment completed",
			"deployment_id", r.id, "model_id", r.cfg.ModelID, "version", version,
			"strategy", r.strategy, "duration", duration)
		return
	}

	recordDeployment(r.strategy, "failed")
	if err != nil {
		data["error"] = err.Error()
	}
	data["cancelled"] = cancelled
	e.publish("deployment:failed", data)
	e.logger.Warn("deployment failed",
		"deployment_id", r.id, "cancelled", cancelled, "error", err)
}

func (e *Engine) publish(eventType string, data map[string]any) {
	if e.events == nil {
		return
	}
	err := e.events.Publish(EventTopic, &bus.Event{
		Type:   eventType,
		Source: "deployment-engine",
		Data:   data,
	})
	if err != nil {
		e.logger.Debug("deployment event dropped", "type", eventType, "error", err)
	}
}

// initialize pins the version and records which key currently serves
// the model, so later phases know what they are replacing.
func (e *Engine) initialize(r *run) error {
	version := r.cfg.Version
	switch {
	case version != "":
	case r.cfg.UseSemVer:
		version = fmt.Sprintf("1.0.%d", time.Now().UnixMilli())
	default:
		version = fmt.Sprintf("v%d", time.Now().UnixMilli())
	}

	e.mu.RLock()
	previous := e.serving[r.cfg.ModelID]
	e.mu.RUnlock()

	r.mu.Lock()
	r.version = version
	r.key = deploymentKey(r.cfg.ModelID, version)
	r.previousKey = previous
	r.mu.Unlock()

	e.logger.Debug("deployment initialized",
		"deployment_id", r.id, "model_id", r.cfg.ModelID,
		"version", version, "previous", previous)
	return nil
}

// validate runs the pre-deploy model checks: the model must accept its
// declared input shape, produce output for a zero input, and predict
// within the configured latency threshold averaged over a fixed number
// of trials.
func (e *Engine) validate(r *run) error {
	shape := r.model.InputShape()
	input := make([]float64, shapeSize(shape))
	for i := range input {
		input[i] = float64(i%10) / 10
	}

	report := &ValidationReport{ThresholdMS: r.cfg.PerformanceThresholdMS}
	record := func() {
		r.mu.Lock()
		r.validation = report
		r.mu.Unlock()
	}

	if _, err := r.model.Predict(r.ctx, input); err != nil {
		record()
		return fmt.Errorf("model rejects its declared input shape %v: %w", shape, err)
	}
	report.ShapeChecked = true

	zero, err := r.model.Predict(r.ctx, nil)
	if err != nil {
		record()
		return fmt.Errorf("zero-input prediction failed: %w", err)
	}
	report.ZeroInputOutputs = len(zero)
	if len(zero) == 0 {
		record()
		return fmt.Errorf("zero-input prediction produced no outputs")
	}

	start := time.Now()
	for i := 0; i < latencyTrials; i++ {
		if _, err := r.model.Predict(r.ctx, input); err != nil {
			record()
			return fmt.Errorf("latency trial %d failed: %w", i+1, err)
		}
	}
	report.AvgLatencyMS = time.Since(start).Seconds() * 1000 / latencyTrials

	if report.ThresholdMS > 0 && report.AvgLatencyMS > report.ThresholdMS {
		record()
		return fmt.Errorf("mean prediction latency %.2fms exceeds threshold %.2fms",
			report.AvgLatencyMS, report.ThresholdMS)
	}

	report.Passed = true
	record()
	return nil
}

// optimize simulates a post-training optimization pass. The report is
// deterministic per model id.
func (e *Engine) optimize(r *run) error {
	h := modelHash(r.cfg.ModelID)
	report := &OptimizationReport{
		SizeReductionPct: float64(40 + h%35),
		LatencyGainPct:   float64(10 + (h>>8)%20),
		Techniques:       []string{"quantization", "operator_fusion"},
	}

	r.mu.Lock()
	r.optimization = report
	r.mu.Unlock()

	e.logger.Debug("deployment optimized",
		"deployment_id", r.id,
		"size_reduction_pct", report.SizeReductionPct,
		"latency_gain_pct", report.LatencyGainPct)
	return nil
}

// calibrate exercises the optimized model before testing; any
// prediction failure here fails the deployment.
func (e *Engine) calibrate(r *run) error {
	input := make([]float64, shapeSize(r.model.InputShape()))
	for i := 0; i < calibrationRuns; i++ {
		if _, err := r.model.Predict(r.ctx, input); err != nil {
			return fmt.Errorf("calibration run %d failed: %w", i+1, err)
		}
	}
	return nil
}

// test runs the declared validation tests against the model itself.
// Blue-green deployments repeat them later against the live green
// deployment.
func (e *Engine) test(r *run) error {
	results := make([]TestResult, 0, len(r.cfg.ValidationTests))
	failed := 0
	for _, tc := range r.cfg.ValidationTests {
		res := TestResult{Name: tc.Name}
		out, err := r.model.Predict(r.ctx, tc.Input)
		want := tc.MinOutputs
		if want < 1 {
			want = 1
		}
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Outputs = len(out)
			if len(out) >= want {
				res.Passed = true
			} else {
				res.Error = fmt.Sprintf("expected at least %d outputs, got %d", want, len(out))
			}
		}
		if !res.Passed {
			failed++
		}
		results = append(results, res)
	}

	r.mu.Lock()
	r.testResults = results
	r.mu.Unlock()

	if failed > 0 {
		return fmt.Errorf("%d of %d validation tests failed", failed, len(results))
	}
	return nil
}

// deploy pushes the new version to the model server and runs the
// strategy-specific cutover.
func (e *Engine) deploy(r *run) error {
	r.mu.Lock()
	key, previous, version := r.key, r.previousKey, r.version
	r.mu.Unlock()

	meta := ModelMeta{
		ModelID:     r.cfg.ModelID,
		Version:     version,
		Environment: r.cfg.Environment,
		Strategy:    r.strategy,
		DeployedAt:  time.Now(),
	}
	if err := e.server.DeployModel(r.ctx, key, r.model, meta); err != nil {
		return fmt.Errorf("deploy %s: %w", key, err)
	}
	r.mu.Lock()
	r.deployed = true
	r.mu.Unlock()

	switch r.strategy {
	case string(workflow.StrategyBlueGreen):
		return e.deployBlueGreen(r, key, previous)
	case string(workflow.StrategyCanary):
		return e.deployCanary(r, key, previous)
	default:
		e.promote(r, key, previous)
		e.publish("deployment:switched", map[string]any{
			"deploymentId": r.id,
			"modelId":      r.cfg.ModelID,
			"serving":      key,
			"retired":      previous,
		})
		return nil
	}
}

// deployBlueGreen warms the green deployment, validates it live, and
// switches traffic. Immediate mode retires blue at the switch; gradual
// mode splits traffic 50/50 with blue until the rollback window
// closes.
func (e *Engine) deployBlueGreen(r *run, green, blue string) error {
	if err := e.warmup(r, green); err != nil {
		return err
	}
	if err := e.liveTests(r, green); err != nil {
		return err
	}

	mode := "immediate"
	if r.cfg.BlueGreen != nil && r.cfg.BlueGreen.SwitchMode != "" {
		mode = r.cfg.BlueGreen.SwitchMode
	}
	if mode == "gradual" && blue != "" {
		testID := "bluegreen-" + r.id
		r.mu.Lock()
		r.abTestID = testID
		r.mu.Unlock()
		err := e.server.StartABTest(r.ctx, testID, blue, green, 0.5, ABTestOptions{
			Duration: e.blueGreenWindow(r.cfg),
		})
		if err != nil {
			r.mu.Lock()
			r.abTestID = ""
			r.mu.Unlock()
			return fmt.Errorf("start traffic split: %w", err)
		}
		e.publish("deployment:traffic-split", map[string]any{
			"deploymentId": r.id,
			"modelId":      r.cfg.ModelID,
			"blue":         blue,
			"green":        green,
			"ratio":        0.5,
		})
		return nil
	}

	e.promote(r, green, blue)
	e.publish("deployment:switched", map[string]any{
		"deploymentId": r.id,
		"modelId":      r.cfg.ModelID,
		"serving":      green,
		"retired":      blue,
		"mode":         mode,
	})
	return nil
}

// deployCanary deploys the canary alongside the incumbent and opens a
// traffic split for the observation window. With no incumbent there is
// nothing to compare against and the canary is promoted directly.
func (e *Engine) deployCanary(r *run, canary, previous string) error {
	if previous == "" {
		e.promote(r, canary, "")
		r.mu.Lock()
		r.recommendation = recommendPromote
		r.mu.Unlock()
		e.publish("deployment:promoted", map[string]any{
			"deploymentId": r.id,
			"modelId":      r.cfg.ModelID,
			"serving":      canary,
		})
		return nil
	}

	ratio := 0.1
	metric := ""
	if r.cfg.Canary != nil {
		if r.cfg.Canary.TrafficPercentage > 0 {
			ratio = r.cfg.Canary.TrafficPercentage
		}
		metric = r.cfg.Canary.SuccessMetric
	}

	testID := "canary-" + r.id
	r.mu.Lock()
	r.abTestID = testID
	r.mu.Unlock()
	err := e.server.StartABTest(r.ctx, testID, previous, canary, ratio, ABTestOptions{
		Duration:      e.canaryWindow(r.cfg),
		SuccessMetric: metric,
	})
	if err != nil {
		r.mu.Lock()
		r.abTestID = ""
		r.mu.Unlock()
		return fmt.Errorf("start canary test: %w", err)
	}
	e.publish("deployment:canary-started", map[string]any{
		"deploymentId": r.id,
		"modelId":      r.cfg.ModelID,
		"canary":       canary,
		"incumbent":    previous,
		"ratio":        ratio,
	})
	return nil
}

// monitor observes the deployment for its strategy's window and
// resolves any open traffic split.
func (e *Engine) monitor(r *run) error {
	r.mu.Lock()
	key, previous, testID := r.key, r.previousKey, r.abTestID
	r.mu.Unlock()

	switch {
	case r.strategy == string(workflow.StrategyCanary) && testID != "":
		return e.monitorCanary(r, key, previous, testID)
	case r.strategy == string(workflow.StrategyBlueGreen) && testID != "":
		return e.monitorBlueGreen(r, key, previous, testID)
	}

	window := e.cfg.MonitorInterval
	if r.strategy == string(workflow.StrategyBlueGreen) {
		window = e.blueGreenWindow(r.cfg)
	}
	if err := sleepCtx(r.ctx, window); err != nil {
		return err
	}
	health, err := e.server.GetHealth(r.ctx)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if !health.Healthy {
		return fmt.Errorf("model server unhealthy while monitoring %s", key)
	}
	return nil
}

// monitorBlueGreen holds the 50/50 split open for the rollback window,
// then retires blue and completes the cutover.
func (e *Engine) monitorBlueGreen(r *run, green, blue, testID string) error {
	if err := sleepCtx(r.ctx, e.blueGreenWindow(r.cfg)); err != nil {
		return err
	}

	result, err := e.server.StopABTest(r.ctx, testID)
	if err != nil {
		return fmt.Errorf("stop traffic split: %w", err)
	}
	r.mu.Lock()
	r.abResult = result
	r.abStopped = true
	r.mu.Unlock()

	e.promote(r, green, blue)
	e.publish("deployment:switched", map[string]any{
		"deploymentId": r.id,
		"modelId":      r.cfg.ModelID,
		"serving":      green,
		"retired":      blue,
		"mode":         "gradual",
	})
	return nil
}

// monitorCanary waits out the observation window, stops the test, and
// promotes the canary only when it won with enough significance;
// otherwise the canary is retired and the incumbent keeps serving.
// Either way the deployment completes, carrying its recommendation.
func (e *Engine) monitorCanary(r *run, canary, previous, testID string) error {
	if err := sleepCtx(r.ctx, e.canaryWindow(r.cfg)); err != nil {
		return err
	}

	result, err := e.server.StopABTest(r.ctx, testID)
	if err != nil {
		return fmt.Errorf("stop canary test: %w", err)
	}
	threshold := defaultSignificance
	if r.cfg.Canary != nil && r.cfg.Canary.SignificanceThreshold > 0 {
		threshold = r.cfg.Canary.SignificanceThreshold
	}

	r.mu.Lock()
	r.abResult = result
	r.abStopped = true
	r.mu.Unlock()

	if result.Winner == canary && result.Significance >= threshold {
		e.promote(r, canary, previous)
		r.mu.Lock()
		r.recommendation = recommendPromote
		r.mu.Unlock()
		e.publish("deployment:promoted", map[string]any{
			"deploymentId": r.id,
			"modelId":      r.cfg.ModelID,
			"serving":      canary,
			"retired":      previous,
			"significance": result.Significance,
		})
		e.logger.Info("canary promoted",
			"deployment_id", r.id, "model_id", r.cfg.ModelID,
			"significance", result.Significance)
		return nil
	}

	r.mu.Lock()
	r.recommendation = recommendRollback
	r.mu.Unlock()
	if err := e.server.UndeployModel(e.rootCtx, canary); err != nil && !maestroerrors.IsNotFound(err) {
		e.logger.Warn("failed to undeploy canary",
			"deployment_id", r.id, "key", canary, "error", err)
	}
	e.publish("deployment:canary-retired", map[string]any{
		"deploymentId": r.id,
		"modelId":      r.cfg.ModelID,
		"canary":       canary,
		"winner":       result.Winner,
		"significance": result.Significance,
	})
	e.logger.Info("canary retired",
		"deployment_id", r.id, "model_id", r.cfg.ModelID,
		"winner", result.Winner, "significance", result.Significance)
	return nil
}

// warmup issues the configured number of predictions against a fresh
// deployment, paced by the engine's warmup limiter. Individual warmup
// failures are counted, not fatal.
func (e *Engine) warmup(r *run, key string) error {
	n := r.cfg.WarmupRequests
	if n <= 0 {
		return nil
	}

	input := make([]float64, shapeSize(r.model.InputShape()))
	limiter := rate.NewLimiter(rate.Limit(e.cfg.WarmupRate), 1)
	failures := 0
	for i := 0; i < n; i++ {
		if err := limiter.Wait(r.ctx); err != nil {
			return err
		}
		if _, err := e.server.Predict(r.ctx, key, input); err != nil {
			if r.ctx.Err() != nil {
				return r.ctx.Err()
			}
			failures++
		}
	}

	r.mu.Lock()
	r.warmupFailures = failures
	r.mu.Unlock()

	if failures > 0 {
		e.logger.Warn("warmup predictions failed",
			"deployment_id", r.id, "key", key, "failed", failures, "total", n)
	}
	e.logger.Debug("warmup complete", "deployment_id", r.id, "key", key, "requests", n)
	return nil
}

// liveTests replays the declared validation tests against the live
// deployment. Any failure aborts the cutover.
func (e *Engine) liveTests(r *run, key string) error {
	for _, tc := range r.cfg.ValidationTests {
		out, err := e.server.Predict(r.ctx, key, tc.Input)
		if err != nil {
			return fmt.Errorf("validation test %q against %s: %w", tc.Name, key, err)
		}
		want := tc.MinOutputs
		if want < 1 {
			want = 1
		}
		if len(out) < want {
			return fmt.Errorf("validation test %q against %s: expected at least %d outputs, got %d",
				tc.Name, key, want, len(out))
		}
	}
	return nil
}

// promote makes key the serving deployment for the run's model and
// retires the previous key. The promoted key survives later rollback.
func (e *Engine) promote(r *run, key, previous string) {
	e.mu.Lock()
	e.serving[r.cfg.ModelID] = key
	e.mu.Unlock()

	r.mu.Lock()
	r.promoted = true
	r.mu.Unlock()

	if previous != "" && previous != key {
		if err := e.server.UndeployModel(e.rootCtx, previous); err != nil && !maestroerrors.IsNotFound(err) {
			e.logger.Warn("failed to undeploy previous version",
				"deployment_id", r.id, "key", previous, "error", err)
		}
	}
}

// rollback undoes what the deploy phase put on the server: any open
// traffic split is stopped and the new version is undeployed unless it
// was already promoted to serving.
func (e *Engine) rollback(r *run) {
	r.mu.Lock()
	key := r.key
	version := r.version
	deployed := r.deployed
	promoted := r.promoted
	testID := r.abTestID
	stopped := r.abStopped
	r.mu.Unlock()

	if testID != "" && !stopped {
		if result, err := e.server.StopABTest(e.rootCtx, testID); err == nil {
			r.mu.Lock()
			r.abResult = result
			r.abStopped = true
			r.mu.Unlock()
		} else if !maestroerrors.IsNotFound(err) {
			e.logger.Warn("failed to stop traffic split during rollback",
				"deployment_id", r.id, "test_id", testID, "error", err)
		}
	}

	if deployed && !promoted && key != "" {
		if err := e.server.UndeployModel(e.rootCtx, key); err != nil && !maestroerrors.IsNotFound(err) {
			e.logger.Warn("failed to undeploy during rollback",
				"deployment_id", r.id, "key", key, "error", err)
		}
	}

	recordRollback()
	e.publish("deployment:rolled-back", map[string]any{
		"deploymentId": r.id,
		"modelId":      r.cfg.ModelID,
		"version":      version,
	})
	e.logger.Info("deployment rolled back",
		"deployment_id", r.id, "model_id", r.cfg.ModelID, "key", key)
}

func (e *Engine) blueGreenWindow(cfg *workflow.DeploymentConfig) time.Duration {
	if cfg.BlueGreen != nil && cfg.BlueGreen.RollbackWindowMS > 0 {
		return time.Duration(cfg.BlueGreen.RollbackWindowMS) * time.Millisecond
	}
	return e.cfg.MonitorInterval
}

func (e *Engine) canaryWindow(cfg *workflow.DeploymentConfig) time.Duration {
	if cfg.Canary != nil && cfg.Canary.DurationMS > 0 {
		return time.Duration(cfg.Canary.DurationMS) * time.Millisecond
	}
	return e.cfg.MonitorInterval
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
