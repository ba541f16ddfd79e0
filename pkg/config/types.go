// Package config provides layered configuration: built-in defaults,
// optional hivemind.yaml, environment variables, then CLI flags.
package config

import (
	"time"

	"github.com/hivemind-dev/hivemind/pkg/models"
)

// Strategy selects the autoscaler decision policy.
type Strategy string

// Autoscaler strategies.
const (
	StrategyGPUMemory    Strategy = "gpu-memory"
	StrategyWorkload     Strategy = "workload"
	StrategyHybrid       Strategy = "hybrid"
	StrategyConservative Strategy = "conservative"
	StrategyAggressive   Strategy = "aggressive"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyGPUMemory, StrategyWorkload, StrategyHybrid, StrategyConservative, StrategyAggressive:
		return true
	}
	return false
}

// Config is the resolved runtime configuration.
type Config struct {
	LogLevel     string              `yaml:"log_level"`
	HTTPPort     int                 `yaml:"http_port"`
	Architecture models.Architecture `yaml:"architecture"`

	Backend   *BackendConfig   `yaml:"backend"`
	Database  *DatabaseConfig  `yaml:"database"`
	Dispatch  *DispatchConfig  `yaml:"dispatch"`
	Workers   *WorkerConfig    `yaml:"workers"`
	Scaler    *ScalerConfig    `yaml:"autoscaler"`
	Retention *RetentionConfig `yaml:"retention"`
}

// BackendConfig describes the local LLM backend (Ollama-compatible
// HTTP API).
type BackendConfig struct {
	// BaseURL of the backend, e.g. http://localhost:11434.
	BaseURL string `yaml:"base_url"`

	// Model is the default model name passed through to the backend.
	Model string `yaml:"model"`

	// CallTimeout bounds a single chat call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// MaxRetries is the per-call retry budget for transient failures.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay is the base delay between retries; jitter of up to
	// the same magnitude is added.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default, embedded) or "postgres".
	Driver string `yaml:"driver"`

	// Path is the sqlite database file location.
	Path string `yaml:"path"`

	// DSN is the postgres connection string (postgres driver only).
	DSN string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DispatchConfig tunes the bus and the coordinator's scheduler.
type DispatchConfig struct {
	// InboxCapacity bounds every agent inbox.
	InboxCapacity int `yaml:"inbox_capacity"`

	// SendTimeout is how long Send blocks on a full inbox before
	// returning backpressure.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// SchedulerTick is the coordinator's scheduling cadence: deferred
	// subtasks, deadlines, and retries are re-examined every tick.
	SchedulerTick time.Duration `yaml:"scheduler_tick"`

	// MaxRetries bounds re-dispatch of a failed subtask.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the base of the exponential retry backoff.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// RetryBackoffMax caps the exponential backoff.
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`

	// SubtaskDeadline is the default per-subtask deadline. Zero means
	// no deadline.
	SubtaskDeadline time.Duration `yaml:"subtask_deadline"`

	// SubCoordinators is the fan-out width M of the hierarchical
	// architecture.
	SubCoordinators int `yaml:"sub_coordinators"`
}

// WorkerConfig tunes worker runtimes.
type WorkerConfig struct {
	// Count is the initial fleet size.
	Count int `yaml:"count"`

	// PollInterval is the bounded inbox wait used to observe
	// cancellation between messages.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ProjectFolder scopes file-save directives. Empty disables
	// file writes entirely.
	ProjectFolder string `yaml:"project_folder"`

	// AllowedExtensions is the file-write allow-list.
	AllowedExtensions []string `yaml:"allowed_extensions"`

	// GracefulShutdownTimeout is the drain grace period before
	// stragglers are force-terminated.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// ScalerConfig tunes the autoscaler control loop.
type ScalerConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Strategy Strategy `yaml:"strategy"`

	// Cadence is the control loop interval.
	Cadence time.Duration `yaml:"cadence"`

	MinWorkers int `yaml:"min_workers"`
	// MaxWorkers caps the fleet. Zero means "derive from GPU memory".
	MaxWorkers int `yaml:"max_workers"`

	// QueueDepthThreshold (H): scale up when pending subtasks exceed it.
	QueueDepthThreshold int `yaml:"queue_depth_threshold"`

	// WaitThreshold (W): scale up when average enqueue-to-start wait
	// exceeds it.
	WaitThreshold time.Duration `yaml:"wait_threshold"`

	// IdleFraction (I): scale down when the idle share stays above it
	// for IdleCycles consecutive cycles.
	IdleFraction float64 `yaml:"idle_fraction"`
	IdleCycles   int     `yaml:"idle_cycles"`

	// GPUFreeThresholdMB: gpu-memory strategy scales up when free
	// memory exceeds it.
	GPUFreeThresholdMB int `yaml:"gpu_free_threshold_mb"`

	// GPUUsedThresholdPct: gpu-memory strategy scales down when used
	// memory exceeds this share of total.
	GPUUsedThresholdPct float64 `yaml:"gpu_used_threshold_pct"`

	// MemoryBufferMB is reserved GPU memory excluded from headroom math.
	MemoryBufferMB int `yaml:"memory_buffer_mb"`

	// SafetyMargin shrinks usable headroom: usable = free − buffer,
	// then scaled by (1 − margin).
	SafetyMargin float64 `yaml:"safety_margin"`

	// MaxBatchDelta caps a single scale-up step (aggressive strategy
	// raises it above 1).
	MaxBatchDelta int `yaml:"max_batch_delta"`

	ScaleUpCooldown   time.Duration `yaml:"scale_up_cooldown"`
	ScaleDownCooldown time.Duration `yaml:"scale_down_cooldown"`

	// GPUProbeTimeout bounds each vendor probe attempt.
	GPUProbeTimeout time.Duration `yaml:"gpu_probe_timeout"`
}

// RetentionConfig controls the cleanup command and background pruning.
type RetentionConfig struct {
	// SessionRetentionDays is how long sealed sessions are kept.
	SessionRetentionDays int `yaml:"session_retention_days"`

	// CleanupInterval is the cadence of background retention sweeps
	// while a run is active. Zero disables the sweep.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}
