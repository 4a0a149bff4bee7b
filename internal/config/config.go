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

// Package config loads and validates maestrod configuration.
//
// Configuration is layered: compiled defaults, then an optional YAML
// file, then MAESTRO_* environment variables. Later layers win.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the complete maestrod configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Store        StoreConfig        `yaml:"store"`
	Pool         PoolConfig         `yaml:"pool"`
	Bus          BusConfig          `yaml:"bus"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Training     TrainingConfig     `yaml:"training"`
	Deploy       DeployConfig       `yaml:"deploy"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Registry     RegistryConfig     `yaml:"registry"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig configures the HTTP surface of the daemon.
type ServerConfig struct {
	// ListenAddr is the address the API and metrics endpoints bind to.
	// Environment: MAESTRO_LISTEN_ADDR
	// Default: 127.0.0.1:9810
	ListenAddr string `yaml:"listen_addr"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	// Environment: MAESTRO_SHUTDOWN_TIMEOUT
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// DrainTimeout bounds how long active executions may run after the
	// daemon receives SIGTERM before being force-cancelled.
	// Environment: MAESTRO_DRAIN_TIMEOUT
	// Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	// Environment: MAESTRO_LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: MAESTRO_LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// StoreConfig configures the persistence layer.
type StoreConfig struct {
	// Path is the sqlite database file. ":memory:" keeps everything
	// in-process, which tests use.
	// Environment: MAESTRO_STORE_PATH
	// Default: <data_dir>/maestro.db
	Path string `yaml:"path"`

	// DataDir is the directory for the database and backups.
	// Environment: MAESTRO_DATA_DIR
	// Default: ~/.maestro/data (XDG_DATA_HOME aware)
	DataDir string `yaml:"data_dir"`

	// BackupDir is where periodic backups land.
	// Default: <data_dir>/backups
	BackupDir string `yaml:"backup_dir"`

	// BackupInterval is the time between automatic backups. Zero
	// disables the backup ticker.
	// Default: 1h
	BackupInterval time.Duration `yaml:"backup_interval"`

	// MaxBackups caps retained backup files; older ones are removed.
	// Default: 5
	MaxBackups int `yaml:"max_backups"`

	// MaxCheckpointVersions caps checkpoints kept per execution.
	// Default: 10
	MaxCheckpointVersions int `yaml:"max_checkpoint_versions"`

	// RetentionDays is how long terminal execution records and their
	// checkpoints survive before Cleanup removes them.
	// Default: 30
	RetentionDays int `yaml:"retention_days"`

	// CleanupInterval is the time between automatic cleanup sweeps.
	// Zero disables the sweep.
	// Default: 6h
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// CacheSize is the number of workflow states kept in the read
	// cache.
	// Default: 256
	CacheSize int `yaml:"cache_size"`
}

// PoolConfig declares the shared resource capacity.
type PoolConfig struct {
	// CPU is total cores available for reservation.
	// Environment: MAESTRO_POOL_CPU
	// Default: 16
	CPU float64 `yaml:"cpu"`

	// MemoryMB is total memory in megabytes.
	// Environment: MAESTRO_POOL_MEMORY_MB
	// Default: 32768
	MemoryMB float64 `yaml:"memory_mb"`

	// GPU is total GPU devices.
	// Environment: MAESTRO_POOL_GPU
	// Default: 4
	GPU float64 `yaml:"gpu"`

	// StorageMB is total storage bandwidth in megabytes.
	// Environment: MAESTRO_POOL_STORAGE_MB
	// Default: 102400
	StorageMB float64 `yaml:"storage_mb"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	// BatchDelay is the debounce window before queued events for a
	// topic flush to subscribers.
	// Default: 100ms
	BatchDelay time.Duration `yaml:"batch_delay"`

	// HistorySize is the per-topic ring buffer length for History().
	// Default: 100
	HistorySize int `yaml:"history_size"`
}

// PipelineConfig configures the data pipeline engine.
type PipelineConfig struct {
	// MaxConcurrentSources bounds parallel source ingestion per run.
	// Default: 4
	MaxConcurrentSources int `yaml:"max_concurrent_sources"`

	// CacheBackend selects "memory" or "redis".
	// Default: memory
	CacheBackend string `yaml:"cache_backend"`

	// RedisAddr is the redis endpoint for the redis cache backend.
	// Environment: MAESTRO_REDIS_ADDR
	// Default: 127.0.0.1:6379
	RedisAddr string `yaml:"redis_addr"`

	// RetentionDays evicts cached results older than this.
	// Default: 7
	RetentionDays int `yaml:"retention_days"`

	// SweepInterval is the time between cache retention sweeps. Zero
	// disables the sweep.
	// Default: 1h
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Seed fixes the RNG used for shuffling and augmentation, for
	// reproducible runs. Zero seeds from the clock.
	Seed int64 `yaml:"seed"`
}

// TrainingConfig configures the distributed training coordinator.
type TrainingConfig struct {
	// HeartbeatInterval is the expected agent heartbeat period; agents
	// silent for two intervals are marked stale.
	// Default: 10s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxAgentsPerJob is the global ceiling on agents per job,
	// combined with the per-job maximum at selection time.
	// Default: 16
	MaxAgentsPerJob int `yaml:"max_agents_per_job"`

	// StepDelay is the simulated latency added to every training
	// driver call, which paces epochs.
	// Default: 100ms
	StepDelay time.Duration `yaml:"step_delay"`

	// LoadBalancing selects agents by ascending past-job count
	// instead of the fitness score.
	// Default: false
	LoadBalancing bool `yaml:"load_balancing"`
}

// DeployConfig configures the model deployment engine.
type DeployConfig struct {
	// BreakerMaxFailures opens the model-server circuit after this
	// many consecutive failures.
	// Default: 5
	BreakerMaxFailures int `yaml:"breaker_max_failures"`

	// BreakerTimeout is how long the circuit stays open.
	// Default: 30s
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`

	// WarmupRate is the request rate used for deployment warmup, in
	// requests per second.
	// Default: 50
	WarmupRate float64 `yaml:"warmup_rate"`

	// MonitorInterval is the observation window for deployments that
	// do not declare their own.
	// Default: 2s
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// OrchestratorConfig configures the orchestration engine.
type OrchestratorConfig struct {
	// MaxConcurrentRuns limits simultaneously active executions;
	// submissions beyond it queue.
	// Environment: MAESTRO_MAX_CONCURRENT_RUNS
	// Default: 10
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// QueueCapacity bounds the admission queue; submissions beyond it
	// are rejected.
	// Environment: MAESTRO_QUEUE_CAPACITY
	// Default: 64
	QueueCapacity int `yaml:"queue_capacity"`

	// CheckpointInterval is the minimum time between periodic
	// checkpoints; step-boundary checkpoints are always taken.
	// Default: 30s
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// DefaultStepTimeout applies to steps without their own timeout.
	// Zero means no limit.
	// Default: 10m
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout"`

	// ResourceWaitTimeout bounds waiting_for_resources; expiry fails
	// the execution with a timeout error.
	// Default: 5m
	ResourceWaitTimeout time.Duration `yaml:"resource_wait_timeout"`

	// HumanTaskTimeout is the default deadline for human tasks whose
	// gate does not set one. Zero blocks indefinitely.
	// Default: 0
	HumanTaskTimeout time.Duration `yaml:"human_task_timeout"`

	// MaxRecoveryAttempts caps checkpoint recoveries per execution
	// before it fails for good.
	// Default: 3
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`
}

// RegistryConfig configures workflow definition loading.
type RegistryConfig struct {
	// WorkflowsDir is scanned (and optionally watched) for definition
	// files.
	// Environment: MAESTRO_WORKFLOWS_DIR
	// Default: ./workflows
	WorkflowsDir string `yaml:"workflows_dir"`

	// Patterns are the glob patterns matched under WorkflowsDir.
	// Default: ["**/*.yaml", "**/*.yml"]
	Patterns []string `yaml:"patterns"`

	// Watch enables hot reload of definition files.
	// Environment: MAESTRO_WATCH_WORKFLOWS
	// Default: true
	Watch bool `yaml:"watch"`

	// DebounceWindow coalesces filesystem event bursts per file.
	// Default: 500ms
	DebounceWindow time.Duration `yaml:"debounce_window"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// Enabled turns the OpenTelemetry provider on.
	// Environment: MAESTRO_TELEMETRY_ENABLED
	// Default: true
	Enabled bool `yaml:"enabled"`

	// ServiceName labels exported telemetry.
	// Default: maestro
	ServiceName string `yaml:"service_name"`

	// StdoutTrace additionally writes spans to stdout, for debugging.
	// Default: false
	StdoutTrace bool `yaml:"stdout_trace"`

	// SampleRate is the head sampling rate in [0,1].
	// Default: 1.0
	SampleRate float64 `yaml:"sample_rate"`
}

// Default returns a Config with compiled defaults.
func Default() *Config {
	dataDir := defaultDataDir()

	return &Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:9810",
			ShutdownTimeout: 10 * time.Second,
			DrainTimeout:    30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			DataDir:               dataDir,
			Path:                  filepath.Join(dataDir, "maestro.db"),
			BackupDir:             filepath.Join(dataDir, "backups"),
			BackupInterval:        time.Hour,
			MaxBackups:            5,
			MaxCheckpointVersions: 10,
			RetentionDays:         30,
			CleanupInterval:       6 * time.Hour,
			CacheSize:             256,
		},
		Pool: PoolConfig{
			CPU:       16,
			MemoryMB:  32768,
			GPU:       4,
			StorageMB: 102400,
		},
		Bus: BusConfig{
			BatchDelay:  100 * time.Millisecond,
			HistorySize: 100,
		},
		Pipeline: PipelineConfig{
			MaxConcurrentSources: 4,
			CacheBackend:         "memory",
			RedisAddr:            "127.0.0.1:6379",
			RetentionDays:        7,
			SweepInterval:        time.Hour,
		},
		Training: TrainingConfig{
			HeartbeatInterval: 10 * time.Second,
			MaxAgentsPerJob:   16,
			StepDelay:         100 * time.Millisecond,
		},
		Deploy: DeployConfig{
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
			WarmupRate:         50,
			MonitorInterval:    2 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentRuns:   10,
			QueueCapacity:       64,
			CheckpointInterval:  30 * time.Second,
			DefaultStepTimeout:  10 * time.Minute,
			ResourceWaitTimeout: 5 * time.Minute,
			MaxRecoveryAttempts: 3,
		},
		Registry: RegistryConfig{
			WorkflowsDir:   "./workflows",
			Patterns:       []string{"**/*.yaml", "**/*.yml"},
			Watch:          true,
			DebounceWindow: 500 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: "maestro",
			SampleRate:  1.0,
		},
	}
}

// Load builds configuration from defaults, an optional YAML file, and
// MAESTRO_* environment variables, in that order of precedence.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &maestroerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Re-fill zero values so a minimal file works
	cfg.applyDefaults()

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyDefaults fills zero values with compiled defaults so minimal
// config files work without restating everything.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = defaults.Server.ListenAddr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Server.DrainTimeout == 0 {
		c.Server.DrainTimeout = defaults.Server.DrainTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Store.DataDir == "" {
		c.Store.DataDir = defaults.Store.DataDir
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.Store.DataDir, "maestro.db")
	}
	if c.Store.BackupDir == "" {
		c.Store.BackupDir = filepath.Join(c.Store.DataDir, "backups")
	}
	if c.Store.MaxBackups == 0 {
		c.Store.MaxBackups = defaults.Store.MaxBackups
	}
	if c.Store.MaxCheckpointVersions == 0 {
		c.Store.MaxCheckpointVersions = defaults.Store.MaxCheckpointVersions
	}
	if c.Store.RetentionDays == 0 {
		c.Store.RetentionDays = defaults.Store.RetentionDays
	}
	if c.Store.CacheSize == 0 {
		c.Store.CacheSize = defaults.Store.CacheSize
	}

	if c.Pool.CPU == 0 {
		c.Pool.CPU = defaults.Pool.CPU
	}
	if c.Pool.MemoryMB == 0 {
		c.Pool.MemoryMB = defaults.Pool.MemoryMB
	}
	if c.Pool.StorageMB == 0 {
		c.Pool.StorageMB = defaults.Pool.StorageMB
	}

	if c.Bus.BatchDelay == 0 {
		c.Bus.BatchDelay = defaults.Bus.BatchDelay
	}
	if c.Bus.HistorySize == 0 {
		c.Bus.HistorySize = defaults.Bus.HistorySize
	}

	if c.Pipeline.MaxConcurrentSources == 0 {
		c.Pipeline.MaxConcurrentSources = defaults.Pipeline.MaxConcurrentSources
	}
	if c.Pipeline.CacheBackend == "" {
		c.Pipeline.CacheBackend = defaults.Pipeline.CacheBackend
	}
	if c.Pipeline.RedisAddr == "" {
		c.Pipeline.RedisAddr = defaults.Pipeline.RedisAddr
	}
	if c.Pipeline.RetentionDays == 0 {
		c.Pipeline.RetentionDays = defaults.Pipeline.RetentionDays
	}

	if c.Training.HeartbeatInterval == 0 {
		c.Training.HeartbeatInterval = defaults.Training.HeartbeatInterval
	}
	if c.Training.MaxAgentsPerJob == 0 {
		c.Training.MaxAgentsPerJob = defaults.Training.MaxAgentsPerJob
	}
	if c.Training.StepDelay == 0 {
		c.Training.StepDelay = defaults.Training.StepDelay
	}

	if c.Deploy.BreakerMaxFailures == 0 {
		c.Deploy.BreakerMaxFailures = defaults.Deploy.BreakerMaxFailures
	}
	if c.Deploy.BreakerTimeout == 0 {
		c.Deploy.BreakerTimeout = defaults.Deploy.BreakerTimeout
	}
	if c.Deploy.WarmupRate == 0 {
		c.Deploy.WarmupRate = defaults.Deploy.WarmupRate
	}
	if c.Deploy.MonitorInterval == 0 {
		c.Deploy.MonitorInterval = defaults.Deploy.MonitorInterval
	}

	if c.Orchestrator.MaxConcurrentRuns == 0 {
		c.Orchestrator.MaxConcurrentRuns = defaults.Orchestrator.MaxConcurrentRuns
	}
	if c.Orchestrator.QueueCapacity == 0 {
		c.Orchestrator.QueueCapacity = defaults.Orchestrator.QueueCapacity
	}
	if c.Orchestrator.CheckpointInterval == 0 {
		c.Orchestrator.CheckpointInterval = defaults.Orchestrator.CheckpointInterval
	}
	if c.Orchestrator.MaxRecoveryAttempts == 0 {
		c.Orchestrator.MaxRecoveryAttempts = defaults.Orchestrator.MaxRecoveryAttempts
	}
	if c.Orchestrator.DefaultStepTimeout == 0 {
		c.Orchestrator.DefaultStepTimeout = defaults.Orchestrator.DefaultStepTimeout
	}
	if c.Orchestrator.ResourceWaitTimeout == 0 {
		c.Orchestrator.ResourceWaitTimeout = defaults.Orchestrator.ResourceWaitTimeout
	}

	if c.Registry.WorkflowsDir == "" {
		c.Registry.WorkflowsDir = defaults.Registry.WorkflowsDir
	}
	if len(c.Registry.Patterns) == 0 {
		c.Registry.Patterns = defaults.Registry.Patterns
	}
	if c.Registry.DebounceWindow == 0 {
		c.Registry.DebounceWindow = defaults.Registry.DebounceWindow
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaults.Telemetry.ServiceName
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = defaults.Telemetry.SampleRate
	}
}

// loadFromEnv applies MAESTRO_* environment overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("MAESTRO_LISTEN_ADDR"); val != "" {
		c.Server.ListenAddr = val
	}
	if val := os.Getenv("MAESTRO_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Server.ShutdownTimeout = d
		}
	}
	if val := os.Getenv("MAESTRO_DRAIN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Server.DrainTimeout = d
		}
	}
	if val := os.Getenv("MAESTRO_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("MAESTRO_LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if val := os.Getenv("MAESTRO_DATA_DIR"); val != "" {
		c.Store.DataDir = val
		c.Store.Path = filepath.Join(val, "maestro.db")
		c.Store.BackupDir = filepath.Join(val, "backups")
	}
	if val := os.Getenv("MAESTRO_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("MAESTRO_POOL_CPU"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.Pool.CPU = f
		}
	}
	if val := os.Getenv("MAESTRO_POOL_MEMORY_MB"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.Pool.MemoryMB = f
		}
	}
	if val := os.Getenv("MAESTRO_POOL_GPU"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.Pool.GPU = f
		}
	}
	if val := os.Getenv("MAESTRO_POOL_STORAGE_MB"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.Pool.StorageMB = f
		}
	}
	if val := os.Getenv("MAESTRO_REDIS_ADDR"); val != "" {
		c.Pipeline.RedisAddr = val
	}
	if val := os.Getenv("MAESTRO_MAX_CONCURRENT_RUNS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Orchestrator.MaxConcurrentRuns = n
		}
	}
	if val := os.Getenv("MAESTRO_QUEUE_CAPACITY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Orchestrator.QueueCapacity = n
		}
	}
	if val := os.Getenv("MAESTRO_WORKFLOWS_DIR"); val != "" {
		c.Registry.WorkflowsDir = val
	}
	if val := os.Getenv("MAESTRO_WATCH_WORKFLOWS"); val != "" {
		c.Registry.Watch = parseBool(val, c.Registry.Watch)
	}
	if val := os.Getenv("MAESTRO_TELEMETRY_ENABLED"); val != "" {
		c.Telemetry.Enabled = parseBool(val, c.Telemetry.Enabled)
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return &maestroerrors.ConfigError{
			Key:    "log.level",
			Reason: fmt.Sprintf("unknown log level %q", c.Log.Level),
		}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return &maestroerrors.ConfigError{
			Key:    "log.format",
			Reason: fmt.Sprintf("unknown log format %q", c.Log.Format),
		}
	}
	if c.Pool.CPU < 0 || c.Pool.MemoryMB < 0 || c.Pool.GPU < 0 || c.Pool.StorageMB < 0 {
		return &maestroerrors.ConfigError{
			Key:    "pool",
			Reason: "pool capacities must not be negative",
		}
	}
	if c.Bus.BatchDelay < 0 {
		return &maestroerrors.ConfigError{
			Key:    "bus.batch_delay",
			Reason: "batch_delay must not be negative",
		}
	}
	switch c.Pipeline.CacheBackend {
	case "memory", "redis":
	default:
		return &maestroerrors.ConfigError{
			Key:    "pipeline.cache_backend",
			Reason: fmt.Sprintf("unknown cache backend %q", c.Pipeline.CacheBackend),
		}
	}
	if c.Orchestrator.MaxConcurrentRuns < 1 {
		return &maestroerrors.ConfigError{
			Key:    "orchestrator.max_concurrent_runs",
			Reason: "max_concurrent_runs must be at least 1",
		}
	}
	if c.Orchestrator.QueueCapacity < 1 {
		return &maestroerrors.ConfigError{
			Key:    "orchestrator.queue_capacity",
			Reason: "queue_capacity must be at least 1",
		}
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return &maestroerrors.ConfigError{
			Key:    "telemetry.sample_rate",
			Reason: "sample_rate must be between 0 and 1",
		}
	}
	return nil
}

// defaultDataDir returns the default data directory.
func defaultDataDir() string {
	// Use XDG_DATA_HOME if available
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "maestro")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/maestro-data"
	}

	return filepath.Join(homeDir, ".maestro", "data")
}
