package config

import (
	"time"

	"github.com/hivemind-dev/hivemind/pkg/models"
)

// Built-in defaults. Every value can be overridden by hivemind.yaml,
// environment variables, or CLI flags (in that order of precedence).

// DefaultBackendConfig returns the built-in LLM backend defaults.
func DefaultBackendConfig() *BackendConfig {
	return &BackendConfig{
		BaseURL:        "http://localhost:11434",
		Model:          "llama3.1:8b",
		CallTimeout:    2 * time.Minute,
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
	}
}

// DefaultDatabaseConfig returns the built-in persistence defaults.
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Driver:          "sqlite",
		Path:            "hivemind.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// DefaultDispatchConfig returns the built-in bus/scheduler defaults.
func DefaultDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		InboxCapacity:   64,
		SendTimeout:     5 * time.Second,
		SchedulerTick:   100 * time.Millisecond,
		MaxRetries:      2,
		RetryBackoff:    1 * time.Second,
		RetryBackoffMax: 30 * time.Second,
		SubCoordinators: 2,
	}
}

// DefaultWorkerConfig returns the built-in worker defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Count:        3,
		PollInterval: 250 * time.Millisecond,
		AllowedExtensions: []string{
			".go", ".py", ".js", ".ts", ".sh", ".sql",
			".md", ".txt", ".json", ".yaml", ".yml", ".html", ".css",
		},
		GracefulShutdownTimeout: 2 * time.Minute,
	}
}

// DefaultScalerConfig returns the built-in autoscaler defaults
// (hybrid strategy thresholds).
func DefaultScalerConfig() *ScalerConfig {
	return &ScalerConfig{
		Enabled:             false,
		Strategy:            StrategyHybrid,
		Cadence:             15 * time.Second,
		MinWorkers:          1,
		MaxWorkers:          0, // derive from GPU memory
		QueueDepthThreshold: 5,
		WaitThreshold:       30 * time.Second,
		IdleFraction:        0.5,
		IdleCycles:          2,
		GPUFreeThresholdMB:  2048,
		GPUUsedThresholdPct: 0.9,
		MemoryBufferMB:      1024,
		SafetyMargin:        0.15,
		MaxBatchDelta:       1,
		ScaleUpCooldown:     30 * time.Second,
		ScaleDownCooldown:   60 * time.Second,
		GPUProbeTimeout:     3 * time.Second,
	}
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionRetentionDays: 30,
		CleanupInterval:      0,
	}
}

// Default returns the complete built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		HTTPPort:     7438,
		Architecture: models.ArchCentralized,
		Backend:      DefaultBackendConfig(),
		Database:     DefaultDatabaseConfig(),
		Dispatch:     DefaultDispatchConfig(),
		Workers:      DefaultWorkerConfig(),
		Scaler:       DefaultScalerConfig(),
		Retention:    DefaultRetentionConfig(),
	}
}
