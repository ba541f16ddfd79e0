// Package scaler is the autoscaling control loop. It samples the
// fleet at a fixed cadence, runs a pure strategy function over the
// snapshot, and hands non-hold decisions to the agent manager.
package scaler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/gpu"
	"github.com/hivemind-dev/hivemind/pkg/models"
)

// FleetSource provides the autoscaler's input snapshot, GPU reading
// included.
type FleetSource interface {
	FleetSnapshot(ctx context.Context) models.FleetSnapshot
}

// Applier executes a scale decision against the fleet.
type Applier interface {
	Apply(ctx context.Context, decision models.ScaleDecision) error
}

// Scaler runs the decision loop. Decide is pure given the snapshot,
// the clock, and the accumulated history.
type Scaler struct {
	cfg    *config.ScalerConfig
	model  string
	fleet  FleetSource
	apply  Applier
	logger *slog.Logger

	idleStreak    int
	lastScaleUp   time.Time
	lastScaleDown time.Time

	decisions []models.ScaleDecision
}

// New builds a scaler for the given model's memory profile.
func New(cfg *config.ScalerConfig, model string, fleet FleetSource, apply Applier, logger *slog.Logger) *Scaler {
	return &Scaler{
		cfg:    cfg,
		model:  model,
		fleet:  fleet,
		apply:  apply,
		logger: logger.With("component", "scaler", "strategy", cfg.Strategy),
	}
}

// Run executes the loop at the configured cadence until cancelled.
func (s *Scaler) Run(ctx context.Context) {
	s.logger.Info("Autoscaler started", "cadence", s.cfg.Cadence,
		"min_workers", s.cfg.MinWorkers, "max_workers", s.cfg.MaxWorkers)
	ticker := time.NewTicker(s.cfg.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Autoscaler stopped")
			return
		case <-ticker.C:
			snap := s.fleet.FleetSnapshot(ctx)
			decision := s.Decide(snap, time.Now())
			if decision.Action == models.ScaleHold {
				continue
			}
			if err := s.apply.Apply(ctx, decision); err != nil {
				s.logger.Error("Failed to apply scale decision", "action", decision.Action,
					"delta", decision.Delta, "error", err)
			}
		}
	}
}

// maxWorkers resolves the fleet ceiling: the configured maximum, or
// when unset, the GPU-derived theoretical maximum. Never below the
// configured minimum.
func (s *Scaler) maxWorkers(snap models.FleetSnapshot) int {
	maxW := s.cfg.MaxWorkers
	if maxW == 0 {
		maxW = gpu.MaxWorkersFor(snap.GPU, s.model, s.cfg.MemoryBufferMB, s.cfg.SafetyMargin)
	}
	return max(maxW, s.cfg.MinWorkers)
}

// Decide produces the scale decision for one cycle and records it.
func (s *Scaler) Decide(snap models.FleetSnapshot, now time.Time) models.ScaleDecision {
	// Idle streak feeds the workload strategy's two-cycle rule.
	if snap.ActiveWorkers > 0 && snap.IdleFraction() > s.cfg.IdleFraction {
		s.idleStreak++
	} else {
		s.idleStreak = 0
	}

	decision := s.evaluate(snap, now)
	decision.At = now
	s.decisions = append(s.decisions, decision)

	switch decision.Action {
	case models.ScaleUp:
		s.lastScaleUp = now
	case models.ScaleDown:
		s.lastScaleDown = now
	}
	if decision.Action != models.ScaleHold {
		s.logger.Info("Scale decision", "action", decision.Action, "delta", decision.Delta,
			"reason", decision.Reason, "target", decision.TargetCount)
	}
	return decision
}

func (s *Scaler) evaluate(snap models.FleetSnapshot, now time.Time) models.ScaleDecision {
	current := snap.ActiveWorkers
	holdAt := func(reason models.ScaleReason) models.ScaleDecision {
		return models.ScaleDecision{Action: models.ScaleHold, Reason: reason, TargetCount: current}
	}

	rec := recommend(s.cfg, snap, s.idleStreak)
	if rec.action == models.ScaleHold {
		return holdAt(rec.reason)
	}

	// Cooldowns are tracked independently per direction.
	if rec.action == models.ScaleUp && now.Sub(s.lastScaleUp) < cooldownFor(s.cfg, models.ScaleUp) {
		return holdAt(models.ReasonCooldown)
	}
	if rec.action == models.ScaleDown && now.Sub(s.lastScaleDown) < cooldownFor(s.cfg, models.ScaleDown) {
		return holdAt(models.ReasonCooldown)
	}

	minW := s.cfg.MinWorkers
	maxW := s.maxWorkers(snap)

	if rec.action == models.ScaleUp {
		// No scale-up without a usable GPU reading, and never past the
		// memory-derived ceiling.
		if !snap.GPU.Available {
			return holdAt(models.ReasonGPUUnavailable)
		}
		if s.cfg.MaxWorkers == 0 || s.cfg.Strategy == config.StrategyHybrid || s.cfg.Strategy == config.StrategyConservative || s.cfg.Strategy == config.StrategyAggressive {
			gpuMax := gpu.MaxWorkersFor(snap.GPU, s.model, s.cfg.MemoryBufferMB, s.cfg.SafetyMargin)
			if current >= gpuMax {
				return holdAt(models.ReasonGPUVeto)
			}
			maxW = min(maxW, gpuMax)
		}
		target := min(current+rec.delta, maxW)
		if target <= current {
			return holdAt(models.ReasonAtBounds)
		}
		return models.ScaleDecision{Action: models.ScaleUp, Delta: target - current, Reason: rec.reason, TargetCount: target}
	}

	target := max(current-rec.delta, minW)
	if target >= current {
		return holdAt(models.ReasonAtBounds)
	}
	return models.ScaleDecision{Action: models.ScaleDown, Delta: current - target, Reason: rec.reason, TargetCount: target}
}

// History returns every decision made so far, in emission order.
func (s *Scaler) History() []models.ScaleDecision {
	return append([]models.ScaleDecision(nil), s.decisions...)
}
