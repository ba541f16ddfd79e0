package scaler

import (
	"time"

	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/models"
)

// recommendation is a raw strategy output before cooldowns, bounds,
// and the GPU veto are applied.
type recommendation struct {
	action models.ScaleAction
	delta  int
	reason models.ScaleReason
}

func hold(reason models.ScaleReason) recommendation {
	return recommendation{action: models.ScaleHold, reason: reason}
}

// decideGPUMemory scales purely from the GPU reading: up on free
// headroom, down on memory pressure.
func decideGPUMemory(cfg *config.ScalerConfig, snap models.FleetSnapshot) recommendation {
	gpu := snap.GPU
	if !gpu.Available {
		return hold(models.ReasonGPUUnavailable)
	}
	if gpu.TotalMB > 0 && float64(gpu.UsedMB) > cfg.GPUUsedThresholdPct*float64(gpu.TotalMB) {
		return recommendation{action: models.ScaleDown, delta: 1, reason: models.ReasonGPUPressure}
	}
	if gpu.FreeMB > cfg.GPUFreeThresholdMB {
		return recommendation{action: models.ScaleUp, delta: 1, reason: models.ReasonGPUHeadroom}
	}
	return hold(models.ReasonSteady)
}

// decideWorkload scales from queue depth, wait time, and the idle
// streak maintained by the control loop.
func decideWorkload(cfg *config.ScalerConfig, snap models.FleetSnapshot, idleStreak int) recommendation {
	if snap.PendingSubtasks > cfg.QueueDepthThreshold {
		delta := 1
		if cfg.MaxBatchDelta > 1 && cfg.QueueDepthThreshold > 0 {
			delta = min(cfg.MaxBatchDelta, snap.PendingSubtasks/cfg.QueueDepthThreshold)
			delta = max(delta, 1)
		}
		return recommendation{action: models.ScaleUp, delta: delta, reason: models.ReasonQueueDepth}
	}
	if snap.AvgWait > cfg.WaitThreshold {
		return recommendation{action: models.ScaleUp, delta: 1, reason: models.ReasonWaitTime}
	}
	if snap.ActiveWorkers > 0 && snap.IdleFraction() > cfg.IdleFraction && idleStreak >= cfg.IdleCycles {
		return recommendation{action: models.ScaleDown, delta: 1, reason: models.ReasonIdleWorkers}
	}
	return hold(models.ReasonSteady)
}

// decideHybrid combines both signals, taking the more conservative.
// Scale-up requires both the workload to ask for it and the GPU to
// allow it; scale-down goes through when either side asks.
func decideHybrid(cfg *config.ScalerConfig, snap models.FleetSnapshot, idleStreak int) recommendation {
	byGPU := decideGPUMemory(cfg, snap)
	byLoad := decideWorkload(cfg, snap, idleStreak)

	if byGPU.action == models.ScaleDown {
		return byGPU
	}
	if byLoad.action == models.ScaleDown {
		return byLoad
	}
	if byLoad.action == models.ScaleUp && byGPU.action == models.ScaleUp {
		return byLoad
	}
	if byLoad.action == models.ScaleUp {
		// GPU does not see headroom; the veto check settles whether a
		// smaller step is still possible.
		return byLoad
	}
	return hold(models.ReasonSteady)
}

// effectiveConfig derives the conservative/aggressive variants from
// the hybrid thresholds.
func effectiveConfig(cfg *config.ScalerConfig) *config.ScalerConfig {
	switch cfg.Strategy {
	case config.StrategyConservative:
		derived := *cfg
		derived.QueueDepthThreshold = cfg.QueueDepthThreshold * 2
		derived.WaitThreshold = cfg.WaitThreshold * 2
		derived.ScaleUpCooldown = cfg.ScaleUpCooldown * 2
		derived.ScaleDownCooldown = cfg.ScaleDownCooldown * 2
		derived.MaxBatchDelta = 1
		return &derived
	case config.StrategyAggressive:
		derived := *cfg
		derived.QueueDepthThreshold = max(cfg.QueueDepthThreshold/2, 1)
		derived.WaitThreshold = cfg.WaitThreshold / 2
		derived.ScaleUpCooldown = cfg.ScaleUpCooldown / 2
		derived.ScaleDownCooldown = cfg.ScaleDownCooldown / 2
		derived.MaxBatchDelta = max(cfg.MaxBatchDelta, 3)
		return &derived
	default:
		return cfg
	}
}

// recommend runs the configured strategy against the snapshot.
func recommend(cfg *config.ScalerConfig, snap models.FleetSnapshot, idleStreak int) recommendation {
	derived := effectiveConfig(cfg)
	switch cfg.Strategy {
	case config.StrategyGPUMemory:
		return decideGPUMemory(derived, snap)
	case config.StrategyWorkload:
		return decideWorkload(derived, snap, idleStreak)
	default:
		// hybrid, conservative, aggressive
		return decideHybrid(derived, snap, idleStreak)
	}
}

// cooldownFor returns the cooldown matching the action's direction.
func cooldownFor(cfg *config.ScalerConfig, action models.ScaleAction) time.Duration {
	derived := effectiveConfig(cfg)
	if action == models.ScaleUp {
		return derived.ScaleUpCooldown
	}
	return derived.ScaleDownCooldown
}
