package models

import "time"

// SubtaskState tracks a subtask through the scheduler.
type SubtaskState string

// Subtask states.
const (
	SubtaskStatePending  SubtaskState = "pending"
	SubtaskStateReady    SubtaskState = "ready"
	SubtaskStateInFlight SubtaskState = "in_flight"
	SubtaskStateDone     SubtaskState = "done"
	SubtaskStateFailed   SubtaskState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s SubtaskState) Terminal() bool {
	return s == SubtaskStateDone || s == SubtaskStateFailed
}

// Subtask is one unit of work produced by decomposition. IDs are
// unique within a session and assigned in decomposition order.
type Subtask struct {
	ID          int
	SessionID   string
	Text        string
	Role        Role
	Priority    int // larger = sooner
	State       SubtaskState
	Deps        []int
	AssignedTo  string // worker id, empty when unassigned
	Result      string
	Error       string
	Attempts    int
	Correlation string
	Deadline    *time.Time
}

// DeadlineElapsed reports whether the subtask deadline has passed at now.
func (s *Subtask) DeadlineElapsed(now time.Time) bool {
	return s.Deadline != nil && now.After(*s.Deadline)
}
