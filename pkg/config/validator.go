package config

import (
	"errors"
	"fmt"
)

// Validate checks the resolved configuration for internally
// inconsistent or out-of-range values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("configuration is nil")
	}

	var errs []error

	if !cfg.Architecture.Valid() {
		errs = append(errs, fmt.Errorf("unknown architecture %q", cfg.Architecture))
	}

	if cfg.Backend == nil {
		errs = append(errs, errors.New("backend configuration is nil"))
	} else {
		if cfg.Backend.BaseURL == "" {
			errs = append(errs, errors.New("backend.base_url must be set"))
		}
		if cfg.Backend.Model == "" {
			errs = append(errs, errors.New("backend.model must be set"))
		}
		if cfg.Backend.CallTimeout <= 0 {
			errs = append(errs, errors.New("backend.call_timeout must be positive"))
		}
		if cfg.Backend.MaxRetries < 0 {
			errs = append(errs, errors.New("backend.max_retries must not be negative"))
		}
	}

	if cfg.Database == nil {
		errs = append(errs, errors.New("database configuration is nil"))
	} else {
		switch cfg.Database.Driver {
		case "sqlite":
			if cfg.Database.Path == "" {
				errs = append(errs, errors.New("database.path must be set for the sqlite driver"))
			}
		case "postgres":
			if cfg.Database.DSN == "" {
				errs = append(errs, errors.New("database.dsn must be set for the postgres driver"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown database driver %q", cfg.Database.Driver))
		}
	}

	if cfg.Dispatch == nil {
		errs = append(errs, errors.New("dispatch configuration is nil"))
	} else {
		if cfg.Dispatch.InboxCapacity < 1 {
			errs = append(errs, errors.New("dispatch.inbox_capacity must be at least 1"))
		}
		if cfg.Dispatch.SendTimeout <= 0 {
			errs = append(errs, errors.New("dispatch.send_timeout must be positive"))
		}
		if cfg.Dispatch.MaxRetries < 0 {
			errs = append(errs, errors.New("dispatch.max_retries must not be negative"))
		}
		if cfg.Dispatch.SubCoordinators < 1 {
			errs = append(errs, errors.New("dispatch.sub_coordinators must be at least 1"))
		}
	}

	if cfg.Workers == nil {
		errs = append(errs, errors.New("workers configuration is nil"))
	} else if cfg.Workers.Count < 1 || cfg.Workers.Count > 64 {
		errs = append(errs, errors.New("workers.count must be between 1 and 64"))
	}

	if cfg.Scaler == nil {
		errs = append(errs, errors.New("autoscaler configuration is nil"))
	} else {
		s := cfg.Scaler
		if !s.Strategy.Valid() {
			errs = append(errs, fmt.Errorf("unknown autoscaler strategy %q", s.Strategy))
		}
		if s.MinWorkers < 0 {
			errs = append(errs, errors.New("autoscaler.min_workers must not be negative"))
		}
		if s.MaxWorkers != 0 && s.MaxWorkers < s.MinWorkers {
			errs = append(errs, errors.New("autoscaler.max_workers must not be below min_workers"))
		}
		if s.SafetyMargin < 0 || s.SafetyMargin >= 1 {
			errs = append(errs, errors.New("autoscaler.safety_margin must be in [0, 1)"))
		}
		if s.IdleFraction < 0 || s.IdleFraction > 1 {
			errs = append(errs, errors.New("autoscaler.idle_fraction must be in [0, 1]"))
		}
		if s.Cadence <= 0 {
			errs = append(errs, errors.New("autoscaler.cadence must be positive"))
		}
	}

	return errors.Join(errs...)
}
