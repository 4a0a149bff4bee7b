package workflow

import (
	"fmt"
	"regexp"

	"github.com/tombee/maestro/pkg/errors"
)

// SourceType identifies the kind of data source feeding a pipeline.
type SourceType string

const (
	// SourceTypeFile reads records from a local file (json, csv, lines)
	SourceTypeFile SourceType = "file"

	// SourceTypeDatabase reads records from a database query
	SourceTypeDatabase SourceType = "database"

	// SourceTypeAPI reads records from an HTTP endpoint
	SourceTypeAPI SourceType = "api"

	// SourceTypeStream reads records from a streaming endpoint
	SourceTypeStream SourceType = "stream"
)

// SourceConfig declares one data source for a pipeline. The required
// fields depend on Type: file needs Path; database needs Connection and
// Query; api needs URL; stream needs Endpoint.
type SourceConfig struct {
	// ID identifies the source within its pipeline
	ID string `yaml:"id" json:"id"`

	// Type is the source kind (file, database, api, stream)
	Type SourceType `yaml:"type" json:"type"`

	// Path is the file path for file sources. Glob patterns are
	// supported; all matching files feed the same dataset.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Format overrides format inference for file sources
	// (json, csv, lines). Empty means infer from the file extension.
	Format string `yaml:"format,omitempty" json:"format,omitempty"`

	// Selector is a jq expression applied to JSON documents to extract
	// the row array (e.g. ".items[]"). Empty means the document root.
	Selector string `yaml:"selector,omitempty" json:"selector,omitempty"`

	// Connection is the connection string for database sources
	Connection string `yaml:"connection,omitempty" json:"connection,omitempty"`

	// Query is the query for database sources
	Query string `yaml:"query,omitempty" json:"query,omitempty"`

	// URL is the endpoint for api sources
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Method is the HTTP method for api sources (default GET)
	Method string `yaml:"method,omitempty" json:"method,omitempty"`

	// Headers are extra HTTP headers for api sources
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Endpoint is the connection endpoint for stream sources
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// Topic is the subscription topic for stream sources
	Topic string `yaml:"topic,omitempty" json:"topic,omitempty"`
}

// Validate checks the type-specific required fields of a source.
func (s *SourceConfig) Validate() error {
	if s.ID == "" {
		return &errors.ValidationError{
			Field:   "id",
			Message: "source id is required",
		}
	}
	switch s.Type {
	case SourceTypeFile:
		if s.Path == "" {
			return &errors.ValidationError{
				Field:   "path",
				Message: fmt.Sprintf("file source %s requires a path", s.ID),
			}
		}
	case SourceTypeDatabase:
		if s.Connection == "" || s.Query == "" {
			return &errors.ValidationError{
				Field:   "connection",
				Message: fmt.Sprintf("database source %s requires connection and query", s.ID),
			}
		}
	case SourceTypeAPI:
		if s.URL == "" {
			return &errors.ValidationError{
				Field:   "url",
				Message: fmt.Sprintf("api source %s requires a url", s.ID),
			}
		}
	case SourceTypeStream:
		if s.Endpoint == "" {
			return &errors.ValidationError{
				Field:   "endpoint",
				Message: fmt.Sprintf("stream source %s requires an endpoint", s.ID),
			}
		}
	default:
		return &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("source %s has unknown type %q", s.ID, s.Type),
			Suggestion: "use one of: file, database, api, stream",
		}
	}
	return nil
}

// PreprocessStep declares one preprocessing operation applied to every
// dataset, in declared order. Unknown types are logged and skipped by
// the pipeline engine rather than failing the run.
type PreprocessStep struct {
	// Type is the operation kind: normalize, filter, transform, clean
	Type string `yaml:"type" json:"type"`

	// Fields names the numeric fields to min-max scale (normalize)
	Fields []string `yaml:"fields,omitempty" json:"fields,omitempty"`

	// Predicates are ANDed row filters (filter)
	Predicates []FilterPredicate `yaml:"predicates,omitempty" json:"predicates,omitempty"`

	// Copies maps destination field to source field (transform)
	Copies map[string]string `yaml:"copies,omitempty" json:"copies,omitempty"`

	// Computed maps destination field to a sandboxed expression over
	// the record's fields (transform)
	Computed map[string]string `yaml:"computed,omitempty" json:"computed,omitempty"`
}

// FilterPredicate is one field comparison in a filter step. A row
// passes a filter only when every predicate holds.
type FilterPredicate struct {
	// Field is the record field to compare
	Field string `yaml:"field" json:"field"`

	// Operator is one of: eq, ne, gt, gte, lt, lte, contains
	Operator string `yaml:"operator" json:"operator"`

	// Value is the comparison operand
	Value any `yaml:"value" json:"value"`
}

// ValidationRule is one record-level validation check, shared between
// pipeline validation and validation steps.
type ValidationRule struct {
	// Type is the rule kind: required, range, pattern
	Type string `yaml:"type" json:"type"`

	// Field is the field (or dotted context path) the rule inspects
	Field string `yaml:"field" json:"field"`

	// Min is the inclusive lower bound for range rules
	Min *float64 `yaml:"min,omitempty" json:"min,omitempty"`

	// Max is the inclusive upper bound for range rules
	Max *float64 `yaml:"max,omitempty" json:"max,omitempty"`

	// Pattern is the regular expression for pattern rules
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// Validate checks that the rule carries the fields its type needs.
func (r *ValidationRule) Validate() error {
	if r.Field == "" {
		return &errors.ValidationError{
			Field:   "field",
			Message: "validation rule requires a field",
		}
	}
	switch r.Type {
	case "required":
	case "range":
		if r.Min == nil && r.Max == nil {
			return &errors.ValidationError{
				Field:   "min",
				Message: fmt.Sprintf("range rule on %s requires min or max", r.Field),
			}
		}
	case "pattern":
		if r.Pattern == "" {
			return &errors.ValidationError{
				Field:   "pattern",
				Message: fmt.Sprintf("pattern rule on %s requires a pattern", r.Field),
			}
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return &errors.ValidationError{
				Field:   "pattern",
				Message: fmt.Sprintf("invalid pattern on %s: %v", r.Field, err),
			}
		}
	default:
		return &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("unknown validation rule type: %s", r.Type),
			Suggestion: "use one of: required, range, pattern",
		}
	}
	return nil
}

// PipelineValidationConfig configures the validation phase of a
// pipeline run.
type PipelineValidationConfig struct {
	// Rules are applied to every record in order
	Rules []ValidationRule `yaml:"rules,omitempty" json:"rules,omitempty"`

	// EnforceSchema additionally checks each field against the
	// inferred schema's type and nullability
	EnforceSchema bool `yaml:"enforce_schema,omitempty" json:"enforce_schema,omitempty"`

	// Strict fails the pipeline when validation does not pass
	Strict bool `yaml:"strict,omitempty" json:"strict,omitempty"`
}

// AugmentationConfig configures the optional augmentation phase.
type AugmentationConfig struct {
	// Enabled turns augmentation on
	Enabled bool `yaml:"enabled" json:"enabled"`

	// DuplicateFactor appends (factor-1) copies of every record when >1
	DuplicateFactor int `yaml:"duplicate_factor,omitempty" json:"duplicate_factor,omitempty"`

	// NoiseLevel perturbs numeric fields by ±level·value when >0
	NoiseLevel float64 `yaml:"noise_level,omitempty" json:"noise_level,omitempty"`

	// SyntheticCount derives this many synthetic records from randomly
	// sampled templates
	SyntheticCount int `yaml:"synthetic_count,omitempty" json:"synthetic_count,omitempty"`
}

// PipelineCacheConfig configures result caching for a pipeline.
type PipelineCacheConfig struct {
	// Enabled turns caching on
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxSizeBytes bounds the serialized size of a cacheable result;
	// larger results are skipped (non-critical)
	MaxSizeBytes int64 `yaml:"max_size_bytes,omitempty" json:"max_size_bytes,omitempty"`

	// RetentionDays evicts entries older than this on the sweep
	RetentionDays int `yaml:"retention_days,omitempty" json:"retention_days,omitempty"`
}

// PipelineConfig is the configuration block of a data_pipeline step.
type PipelineConfig struct {
	// Sources declares where records come from (at least one)
	Sources []SourceConfig `yaml:"sources" json:"sources"`

	// Preprocessing steps run in declared order after ingest
	Preprocessing []PreprocessStep `yaml:"preprocessing,omitempty" json:"preprocessing,omitempty"`

	// Validation configures the validation phase
	Validation *PipelineValidationConfig `yaml:"validation,omitempty" json:"validation,omitempty"`

	// Augmentation configures the optional augmentation phase
	Augmentation *AugmentationConfig `yaml:"augmentation,omitempty" json:"augmentation,omitempty"`

	// BatchSize is the fixed batch size (default 32); the last batch
	// may be short
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`

	// Shuffle applies a Fisher-Yates shuffle before batching
	Shuffle bool `yaml:"shuffle,omitempty" json:"shuffle,omitempty"`

	// Cache configures result caching
	Cache *PipelineCacheConfig `yaml:"cache,omitempty" json:"cache,omitempty"`
}

// Validate checks that the pipeline declares at least one valid source.
func (p *PipelineConfig) Validate() error {
	if len(p.Sources) == 0 {
		return &errors.ValidationError{
			Field:      "sources",
			Message:    "pipeline requires at least one source",
			Suggestion: "add a source with an id and type",
		}
	}
	seen := make(map[string]bool)
	for i := range p.Sources {
		src := &p.Sources[i]
		if err := src.Validate(); err != nil {
			return err
		}
		if seen[src.ID] {
			return &errors.ValidationError{
				Field:   "sources",
				Message: fmt.Sprintf("duplicate source id: %s", src.ID),
			}
		}
		seen[src.ID] = true
	}
	if p.Validation != nil {
		for i := range p.Validation.Rules {
			if err := p.Validation.Rules[i].Validate(); err != nil {
				return err
			}
		}
	}
	if p.BatchSize < 0 {
		return &errors.ValidationError{
			Field:   "batch_size",
			Message: "batch_size must not be negative",
		}
	}
	return nil
}

// AgentResources describes the compute carried by (or required of) a
// training agent.
type AgentResources struct {
	// CPU is the core count
	CPU float64 `yaml:"cpu" json:"cpu"`

	// MemoryMB is memory in megabytes
	MemoryMB float64 `yaml:"memory_mb" json:"memory_mb"`

	// GPU is the GPU device count
	GPU float64 `yaml:"gpu" json:"gpu"`
}

// TrainingConfig is the configuration block of a training step.
type TrainingConfig struct {
	// ModelType names the model architecture being trained
	ModelType string `yaml:"model_type,omitempty" json:"model_type,omitempty"`

	// Epochs is the number of training epochs (default 10)
	Epochs int `yaml:"epochs,omitempty" json:"epochs,omitempty"`

	// BatchSize is the per-step batch size (default 32)
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`

	// LearningRate is the optimizer learning rate
	LearningRate float64 `yaml:"learning_rate,omitempty" json:"learning_rate,omitempty"`

	// TotalSamples is the dataset size used for throughput accounting
	TotalSamples int `yaml:"total_samples,omitempty" json:"total_samples,omitempty"`

	// MaxAgents caps the agents selected for this job
	MaxAgents int `yaml:"max_agents,omitempty" json:"max_agents,omitempty"`

	// MinResources filters candidate agents by resource minima
	MinResources *AgentResources `yaml:"min_resources,omitempty" json:"min_resources,omitempty"`

	// SyncInterval is the number of epochs between synchronization
	// rounds (default 1)
	SyncInterval int `yaml:"sync_interval,omitempty" json:"sync_interval,omitempty"`

	// CheckpointEnabled turns periodic job checkpointing on
	CheckpointEnabled bool `yaml:"checkpoint_enabled,omitempty" json:"checkpoint_enabled,omitempty"`

	// CheckpointInterval is the minimum seconds between checkpoints
	CheckpointInterval int `yaml:"checkpoint_interval,omitempty" json:"checkpoint_interval,omitempty"`

	// FaultTolerance enables automatic recovery from agent failures;
	// when off, a failed job parks in paused awaiting manual action
	FaultTolerance bool `yaml:"fault_tolerance,omitempty" json:"fault_tolerance,omitempty"`
}

// Validate checks training configuration bounds.
func (t *TrainingConfig) Validate() error {
	if t.Epochs < 0 {
		return &errors.ValidationError{
			Field:   "epochs",
			Message: "epochs must not be negative",
		}
	}
	if t.MaxAgents < 0 {
		return &errors.ValidationError{
			Field:   "max_agents",
			Message: "max_agents must not be negative",
		}
	}
	if t.LearningRate < 0 {
		return &errors.ValidationError{
			Field:   "learning_rate",
			Message: "learning_rate must not be negative",
		}
	}
	return nil
}

// DeploymentStrategy selects the rollout style for a deployment.
type DeploymentStrategy string

const (
	// StrategyStandard deploys the model directly
	StrategyStandard DeploymentStrategy = "standard"

	// StrategyBlueGreen deploys alongside the old version, then
	// switches traffic after validation
	StrategyBlueGreen DeploymentStrategy = "blue_green"

	// StrategyCanary routes a traffic fraction to the new version and
	// promotes or retires it on observed metrics
	StrategyCanary DeploymentStrategy = "canary"
)

// DeploymentTest is one validation prediction run against a freshly
// deployed model before traffic is switched to it.
type DeploymentTest struct {
	// Name labels the test in results
	Name string `yaml:"name" json:"name"`

	// Input is the prediction input vector
	Input []float64 `yaml:"input" json:"input"`

	// MinOutputs is the minimum number of output values expected
	MinOutputs int `yaml:"min_outputs,omitempty" json:"min_outputs,omitempty"`
}

// BlueGreenConfig tunes blue-green deployments.
type BlueGreenConfig struct {
	// SwitchMode is "immediate" (undeploy blue at switch) or "gradual"
	// (split traffic 50/50 with blue for the rollback window)
	SwitchMode string `yaml:"switch_mode,omitempty" json:"switch_mode,omitempty"`

	// RollbackWindowMS keeps blue deployable for this long after the
	// switch before cleanup
	RollbackWindowMS int `yaml:"rollback_window_ms,omitempty" json:"rollback_window_ms,omitempty"`
}

// CanaryConfig tunes canary deployments.
type CanaryConfig struct {
	// TrafficPercentage is the fraction of traffic routed to the
	// canary during the observation window (0..1)
	TrafficPercentage float64 `yaml:"traffic_percentage,omitempty" json:"traffic_percentage,omitempty"`

	// DurationMS is the observation window length
	DurationMS int `yaml:"duration_ms,omitempty" json:"duration_ms,omitempty"`

	// SuccessMetric names the metric compared between variants
	SuccessMetric string `yaml:"success_metric,omitempty" json:"success_metric,omitempty"`

	// SignificanceThreshold is the minimum significance for promotion
	SignificanceThreshold float64 `yaml:"significance_threshold,omitempty" json:"significance_threshold,omitempty"`
}

// DeploymentConfig is the configuration block of a model_deployment
// step.
type DeploymentConfig struct {
	// ModelID names the model being deployed
	ModelID string `yaml:"model_id" json:"model_id"`

	// Version pins an explicit version; empty means generated
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// UseSemVer generates "1.0.<timestamp>" versions instead of
	// "v<timestamp>" when Version is empty
	UseSemVer bool `yaml:"use_semver,omitempty" json:"use_semver,omitempty"`

	// Strategy selects standard, blue_green, or canary rollout
	Strategy DeploymentStrategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`

	// Environment labels the target environment
	Environment string `yaml:"environment,omitempty" json:"environment,omitempty"`

	// PerformanceThresholdMS is the maximum acceptable mean prediction
	// latency measured during pre-deploy validation
	PerformanceThresholdMS float64 `yaml:"performance_threshold_ms,omitempty" json:"performance_threshold_ms,omitempty"`

	// WarmupRequests is the number of warmup predictions issued to a
	// new deployment before validation
	WarmupRequests int `yaml:"warmup_requests,omitempty" json:"warmup_requests,omitempty"`

	// ValidationTests run against the new deployment before traffic
	// switches
	ValidationTests []DeploymentTest `yaml:"validation_tests,omitempty" json:"validation_tests,omitempty"`

	// BlueGreen tunes blue_green strategy runs
	BlueGreen *BlueGreenConfig `yaml:"blue_green,omitempty" json:"blue_green,omitempty"`

	// Canary tunes canary strategy runs
	Canary *CanaryConfig `yaml:"canary,omitempty" json:"canary,omitempty"`
}

// Validate checks deployment configuration consistency.
func (d *DeploymentConfig) Validate() error {
	if d.ModelID == "" {
		return &errors.ValidationError{
			Field:   "model_id",
			Message: "deployment requires a model_id",
		}
	}
	switch d.Strategy {
	case "", StrategyStandard, StrategyBlueGreen, StrategyCanary:
	default:
		return &errors.ValidationError{
			Field:      "strategy",
			Message:    fmt.Sprintf("unknown deployment strategy: %s", d.Strategy),
			Suggestion: "use one of: standard, blue_green, canary",
		}
	}
	if d.Canary != nil {
		if d.Canary.TrafficPercentage < 0 || d.Canary.TrafficPercentage > 1 {
			return &errors.ValidationError{
				Field:   "traffic_percentage",
				Message: "canary traffic_percentage must be between 0 and 1",
			}
		}
	}
	return nil
}

// ValidationStepConfig is the configuration block of a validation step:
// rules evaluated against the execution context (inputs, variables, and
// prior-step outputs addressed by dotted paths).
type ValidationStepConfig struct {
	// Rules are evaluated in order against the execution context
	Rules []ValidationRule `yaml:"rules" json:"rules"`

	// FailOnError fails the step (instead of recording a false
	// "passed") when any rule fails
	FailOnError bool `yaml:"fail_on_error,omitempty" json:"fail_on_error,omitempty"`
}

// Validate checks every rule in the block.
func (v *ValidationStepConfig) Validate() error {
	for i := range v.Rules {
		if err := v.Rules[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ScriptConfig is the configuration block of a script step. The
// program is a sandboxed expression evaluated against a read-only view
// of the execution context; its value becomes the step result.
type ScriptConfig struct {
	// Program is the expression source
	Program string `yaml:"program" json:"program"`
}

// ResourceRequirements is the reservation a step requests from the
// resource pool before it runs.
type ResourceRequirements struct {
	// CPU is requested cores
	CPU float64 `yaml:"cpu,omitempty" json:"cpu,omitempty"`

	// MemoryMB is requested memory in megabytes
	MemoryMB float64 `yaml:"memory_mb,omitempty" json:"memory_mb,omitempty"`

	// GPU is requested GPU devices
	GPU float64 `yaml:"gpu,omitempty" json:"gpu,omitempty"`

	// StorageMB is requested storage/bandwidth in megabytes
	StorageMB float64 `yaml:"storage_mb,omitempty" json:"storage_mb,omitempty"`
}

// Validate rejects negative requirements.
func (r *ResourceRequirements) Validate() error {
	if r.CPU < 0 || r.MemoryMB < 0 || r.GPU < 0 || r.StorageMB < 0 {
		return &errors.ValidationError{
			Field:   "resources",
			Message: "resource requirements must not be negative",
		}
	}
	return nil
}

// IsZero reports whether no resources are requested.
func (r *ResourceRequirements) IsZero() bool {
	return r == nil || (r.CPU == 0 && r.MemoryMB == 0 && r.GPU == 0 && r.StorageMB == 0)
}

// Add returns the component-wise sum of two requirement vectors.
func (r ResourceRequirements) Add(other ResourceRequirements) ResourceRequirements {
	return ResourceRequirements{
		CPU:       r.CPU + other.CPU,
		MemoryMB:  r.MemoryMB + other.MemoryMB,
		GPU:       r.GPU + other.GPU,
		StorageMB: r.StorageMB + other.StorageMB,
	}
}

// Sub returns the component-wise difference of two requirement vectors.
func (r ResourceRequirements) Sub(other ResourceRequirements) ResourceRequirements {
	return ResourceRequirements{
		CPU:       r.CPU - other.CPU,
		MemoryMB:  r.MemoryMB - other.MemoryMB,
		GPU:       r.GPU - other.GPU,
		StorageMB: r.StorageMB - other.StorageMB,
	}
}

// Fits reports whether r fits within capacity on every dimension.
func (r ResourceRequirements) Fits(capacity ResourceRequirements) bool {
	return r.CPU <= capacity.CPU &&
		r.MemoryMB <= capacity.MemoryMB &&
		r.GPU <= capacity.GPU &&
		r.StorageMB <= capacity.StorageMB
}
