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

// Package daemon assembles and runs the maestrod process: persistence,
// the resource pool, the event bus, the three execution engines, the
// orchestrator, the workflow registry, and the HTTP control surface.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/config"
	"github.com/tombee/maestro/internal/deploy"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/pipeline"
	"github.com/tombee/maestro/internal/registry"
	"github.com/tombee/maestro/internal/resource"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/internal/tracing"
	"github.com/tombee/maestro/internal/training"
	"github.com/tombee/maestro/pkg/orchestrator"
	"github.com/tombee/maestro/pkg/workflow"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the maestrod process: every subsystem wired together plus
// the HTTP server in front of them.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store     *store.Store
	pool      *resource.Pool
	events    *bus.Bus
	pipelines *pipeline.Engine
	training  *training.Coordinator
	deploys   *deploy.Engine
	engine    *orchestrator.Engine
	registry  *registry.Registry
	telemetry *tracing.Provider

	server *http.Server
	ln     net.Listener

	maintStop context.CancelFunc
	maintDone chan struct{}

	draining  atomic.Bool
	startedAt time.Time

	mu      sync.Mutex
	started bool
}

// New assembles a daemon from configuration. Nothing listens or runs
// until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := log.WithComponent(log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	}), "daemon")

	st, err := store.Open(storeConfig(cfg.Store), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	pool := resource.NewPool(poolCapacity(cfg.Pool), logger)
	events := bus.New(cfg.Bus.BatchDelay, cfg.Bus.HistorySize, logger)

	pipelines, err := pipeline.New(pipelineConfig(cfg.Pipeline), events, logger)
	if err != nil {
		_ = events.Close()
		_ = st.Close()
		return nil, fmt.Errorf("failed to create pipeline engine: %w", err)
	}

	trainers := training.NewCoordinator(trainingConfig(cfg.Training), events, logger)
	deploys := deploy.New(deployConfig(cfg.Deploy), events, logger)

	telemetry, err := tracing.New(tracing.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: opts.Version,
		StdoutTrace:    cfg.Telemetry.StdoutTrace,
		SampleRate:     cfg.Telemetry.SampleRate,
	}, logger)
	if err != nil {
		// Telemetry is optional; a disabled provider still serves /metrics.
		logger.Warn("telemetry provider init failed, tracing disabled", log.Error(err))
		telemetry, _ = tracing.New(tracing.Config{}, logger)
	}

	engine, err := orchestrator.New(orchestratorConfig(cfg.Orchestrator), orchestrator.Deps{
		Store:       st,
		Pool:        pool,
		Events:      events,
		Pipelines:   pipelines,
		Training:    trainers,
		Deployments: deploys,
		Tracer:      telemetry.Tracer("maestro/orchestrator"),
	}, logger)
	if err != nil {
		_ = pipelines.Close()
		_ = trainers.Close()
		_ = deploys.Close()
		_ = events.Close()
		_ = st.Close()
		return nil, fmt.Errorf("failed to create orchestration engine: %w", err)
	}

	reg, err := registry.New(registryConfig(cfg.Registry), st, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow registry: %w", err)
	}

	return &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		store:     st,
		pool:      pool,
		events:    events,
		pipelines: pipelines,
		training:  trainers,
		deploys:   deploys,
		engine:    engine,
		registry:  reg,
		telemetry: telemetry,
	}, nil
}

// Start runs the daemon and blocks until ctx is cancelled or the HTTP
// server fails. Call Shutdown afterwards to release resources.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.startedAt = time.Now()
	d.mu.Unlock()

	// Re-admit executions the previous process left non-terminal.
	if n, err := d.engine.RecoverInterrupted(ctx); err != nil {
		d.logger.Warn("recovery scan failed", log.Error(err))
	} else if n > 0 {
		d.logger.Info("re-admitted interrupted executions", slog.Int("count", n))
	}

	if n, err := d.registry.LoadDir(ctx); err != nil {
		d.logger.Warn("workflow directory scan failed", log.Error(err))
	} else {
		d.logger.Info("workflow definitions loaded",
			slog.Int("count", n),
			slog.String("dir", d.cfg.Registry.WorkflowsDir))
	}
	if d.cfg.Registry.Watch {
		if err := d.registry.Watch(ctx); err != nil {
			d.logger.Warn("workflow watcher failed to start", log.Error(err))
		}
	}

	// Periodic store backups and retention cleanup run until Shutdown.
	maintCtx, maintStop := context.WithCancel(context.Background())
	d.maintStop = maintStop
	d.maintDone = make(chan struct{})
	go func() {
		defer close(d.maintDone)
		d.store.RunMaintenance(maintCtx)
	}()

	ln, err := net.Listen("tcp", d.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Server.ListenAddr, err)
	}
	d.mu.Lock()
	d.ln = ln
	d.server = &http.Server{
		Handler:      log.NewHTTPMiddleware(d.logger).Handler(d.routes()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	d.mu.Unlock()

	d.logger.Info("daemon started",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listen address, or "" before Start binds it.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Shutdown drains active executions, then stops every subsystem in
// reverse dependency order.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	active := len(d.engine.GetActiveWorkflows())
	d.logger.Info("graceful shutdown initiated", slog.Int("active_executions", active))

	// Stop accepting new submissions; the API answers 503 while the
	// drain runs.
	d.draining.Store(true)
	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, d.cfg.Server.DrainTimeout)
	defer drainCancel()
	if err := d.waitForDrain(drainCtx); err != nil {
		d.logger.Warn("drain timeout exceeded, cancelling remaining executions",
			slog.Int("remaining", len(d.engine.GetActiveWorkflows())),
			slog.Duration("drain_timeout", d.cfg.Server.DrainTimeout))
	} else {
		d.logger.Info("all executions completed during drain")
	}

	// Force-cancel whatever the drain left behind.
	closeCtx, closeCancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
	defer closeCancel()
	if err := d.engine.Close(closeCtx); err != nil {
		d.logger.Error("engine shutdown error", log.Error(err))
	}

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("http server shutdown error", log.Error(err))
		}
	}

	if err := d.registry.Close(); err != nil {
		d.logger.Error("registry shutdown error", log.Error(err))
	}

	if d.maintStop != nil {
		d.maintStop()
		<-d.maintDone
	}

	if err := d.pipelines.Close(); err != nil {
		d.logger.Error("pipeline engine shutdown error", log.Error(err))
	}
	if err := d.training.Close(); err != nil {
		d.logger.Error("training coordinator shutdown error", log.Error(err))
	}
	if err := d.deploys.Close(); err != nil {
		d.logger.Error("deployment engine shutdown error", log.Error(err))
	}
	if err := d.events.Close(); err != nil {
		d.logger.Error("event bus shutdown error", log.Error(err))
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, 5*time.Second)
	defer flushCancel()
	if err := d.telemetry.Shutdown(flushCtx); err != nil {
		d.logger.Error("telemetry shutdown error", log.Error(err))
	}

	if err := d.store.Close(); err != nil {
		d.logger.Error("store close error", log.Error(err))
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

// waitForDrain polls until no execution is live or ctx expires.
func (d *Daemon) waitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(d.engine.GetActiveWorkflows()) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func storeConfig(c config.StoreConfig) store.Config {
	return store.Config{
		Path:                  c.Path,
		BackupDir:             c.BackupDir,
		BackupInterval:        c.BackupInterval,
		MaxBackups:            c.MaxBackups,
		MaxCheckpointVersions: c.MaxCheckpointVersions,
		RetentionDays:         c.RetentionDays,
		CleanupInterval:       c.CleanupInterval,
		CacheSize:             c.CacheSize,
	}
}

func poolCapacity(c config.PoolConfig) workflow.ResourceRequirements {
	return workflow.ResourceRequirements{
		CPU:       c.CPU,
		MemoryMB:  c.MemoryMB,
		GPU:       c.GPU,
		StorageMB: c.StorageMB,
	}
}

func pipelineConfig(c config.PipelineConfig) pipeline.Config {
	return pipeline.Config{
		MaxConcurrentSources: c.MaxConcurrentSources,
		CacheBackend:         c.CacheBackend,
		RedisAddr:            c.RedisAddr,
		RetentionDays:        c.RetentionDays,
		SweepInterval:        c.SweepInterval,
		Seed:                 c.Seed,
	}
}

func trainingConfig(c config.TrainingConfig) training.Config {
	return training.Config{
		MaxAgentsPerJob:   c.MaxAgentsPerJob,
		HeartbeatInterval: c.HeartbeatInterval,
		LoadBalancing:     c.LoadBalancing,
		StepDelay:         c.StepDelay,
	}
}

func deployConfig(c config.DeployConfig) deploy.Config {
	return deploy.Config{
		WarmupRate:         c.WarmupRate,
		MonitorInterval:    c.MonitorInterval,
		BreakerMaxFailures: c.BreakerMaxFailures,
		BreakerTimeout:     c.BreakerTimeout,
	}
}

func orchestratorConfig(c config.OrchestratorConfig) orchestrator.Config {
	return orchestrator.Config{
		MaxConcurrentRuns:   c.MaxConcurrentRuns,
		QueueCapacity:       c.QueueCapacity,
		CheckpointInterval:  c.CheckpointInterval,
		DefaultStepTimeout:  c.DefaultStepTimeout,
		ResourceWaitTimeout: c.ResourceWaitTimeout,
		HumanTaskTimeout:    c.HumanTaskTimeout,
		MaxRecoveryAttempts: c.MaxRecoveryAttempts,
	}
}

func registryConfig(c config.RegistryConfig) registry.Config {
	return registry.Config{
		Dir:            c.WorkflowsDir,
		Patterns:       c.Patterns,
		DebounceWindow: c.DebounceWindow,
	}
}
