package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/hivemind-dev/hivemind/pkg/models"
)

// ConfigFileName is the optional YAML file looked up in the config dir.
const ConfigFileName = "hivemind.yaml"

// Initialize loads, merges, and validates configuration.
//
// Layering, lowest precedence first:
//  1. built-in defaults
//  2. hivemind.yaml from configDir (optional; env-expanded)
//  3. HIVEMIND_* environment variables
//
// CLI flags are applied by the caller on top of the returned Config.
func Initialize(configDir string) (*Config, error) {
	cfg := Default()

	if configDir != "" {
		fileCfg, err := loadYAML(filepath.Join(configDir, ConfigFileName))
		if err != nil {
			return nil, err
		}
		if fileCfg != nil {
			if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merging %s: %w", ConfigFileName, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration initialized",
		"architecture", cfg.Architecture,
		"workers", cfg.Workers.Count,
		"db_driver", cfg.Database.Driver,
		"backend", cfg.Backend.BaseURL,
		"autoscaling", cfg.Scaler.Enabled)
	return cfg, nil
}

// loadYAML reads and parses the config file. A missing file is not an
// error: the built-in defaults apply.
func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	return &cfg, nil
}

// applyEnvOverrides applies the recognized HIVEMIND_* variables.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.LogLevel, "HIVEMIND_LOG_LEVEL")
	setInt(&cfg.HTTPPort, "HIVEMIND_HTTP_PORT")

	if v := os.Getenv("HIVEMIND_ARCH"); v != "" {
		cfg.Architecture = models.Architecture(v)
	}

	setString(&cfg.Backend.BaseURL, "HIVEMIND_OLLAMA_URL")
	setString(&cfg.Backend.Model, "HIVEMIND_MODEL")
	setDuration(&cfg.Backend.CallTimeout, "HIVEMIND_CALL_TIMEOUT")

	setString(&cfg.Database.Driver, "HIVEMIND_DB_DRIVER")
	setString(&cfg.Database.Path, "HIVEMIND_DB_PATH")
	setString(&cfg.Database.DSN, "HIVEMIND_DB_DSN")

	setInt(&cfg.Workers.Count, "HIVEMIND_WORKERS")
	setString(&cfg.Workers.ProjectFolder, "HIVEMIND_PROJECT_FOLDER")

	setInt(&cfg.Dispatch.InboxCapacity, "HIVEMIND_INBOX_CAPACITY")
	setDuration(&cfg.Scaler.Cadence, "HIVEMIND_SCALER_CADENCE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			slog.Warn("Ignoring non-integer environment override", "key", key, "value", v)
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else {
			slog.Warn("Ignoring unparseable duration override", "key", key, "value", v)
		}
	}
}
