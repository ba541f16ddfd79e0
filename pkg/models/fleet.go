package models

import "time"

// WorkerInfo is a point-in-time view of a single worker for scaling
// and status reporting.
type WorkerInfo struct {
	ID             string     `json:"id"`
	Role           Role       `json:"role"`
	State          AgentState `json:"state"`
	Busy           bool       `json:"busy"`
	CurrentSubtask int        `json:"current_subtask,omitempty"`
	Processed      int        `json:"processed"`
	LastActivity   time.Time  `json:"last_activity"`
}

// FleetSnapshot is the autoscaler's input: fleet shape, queue pressure,
// and the most recent GPU reading.
type FleetSnapshot struct {
	ActiveWorkers     int            `json:"active_workers"`
	BusyWorkers       int            `json:"busy_workers"`
	Workers           []WorkerInfo   `json:"workers"`
	PendingSubtasks   int            `json:"pending_subtasks"`
	PendingByPriority map[int]int    `json:"pending_by_priority,omitempty"`
	AvgWait           time.Duration  `json:"avg_wait"`
	MaxWait           time.Duration  `json:"max_wait"`
	GPU               GPUReading     `json:"gpu"`
	Taken             time.Time      `json:"taken"`
}

// IdleFraction returns the share of active workers that are idle.
// A fleet with no workers reports zero.
func (s FleetSnapshot) IdleFraction() float64 {
	if s.ActiveWorkers == 0 {
		return 0
	}
	return float64(s.ActiveWorkers-s.BusyWorkers) / float64(s.ActiveWorkers)
}

// ScaleAction is the kind of autoscaler decision.
type ScaleAction string

// Scale actions.
const (
	ScaleUp   ScaleAction = "scale-up"
	ScaleDown ScaleAction = "scale-down"
	ScaleHold ScaleAction = "hold"
)

// ScaleReason enumerates why a decision was made.
type ScaleReason string

// Scale reasons.
const (
	ReasonGPUHeadroom    ScaleReason = "gpu-headroom"
	ReasonGPUPressure    ScaleReason = "gpu-pressure"
	ReasonGPUUnavailable ScaleReason = "gpu-unavailable"
	ReasonQueueDepth     ScaleReason = "queue-depth"
	ReasonWaitTime       ScaleReason = "wait-time"
	ReasonIdleWorkers    ScaleReason = "idle-workers"
	ReasonCooldown       ScaleReason = "cooldown"
	ReasonAtBounds       ScaleReason = "at-bounds"
	ReasonSteady         ScaleReason = "steady"
	ReasonGPUVeto        ScaleReason = "gpu-veto"
)

// ScaleDecision is the autoscaler output. Delta is always non-negative;
// the action carries the direction. TargetCount is the worker count the
// fleet should converge to after the decision is applied.
type ScaleDecision struct {
	Action      ScaleAction `json:"action"`
	Delta       int         `json:"delta"`
	Reason      ScaleReason `json:"reason"`
	TargetCount int         `json:"target_count"`
	At          time.Time   `json:"at"`
}
