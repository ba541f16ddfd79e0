// Package models defines the shared data model: agents, messages,
// subtasks, sessions, fleet snapshots, GPU readings, and scale decisions.
package models

import "fmt"

// Role is the advisory specialization tag attached to an agent.
// It influences prompt construction only; it never restricts what
// operations a worker may perform.
type Role string

// The closed role set.
const (
	RoleAnalyst       Role = "analyst"
	RoleDataScientist Role = "data-scientist"
	RoleITArchitect   Role = "it-architect"
	RoleDeveloper     Role = "developer"
	RoleGeneric       Role = "generic"
)

// AllRoles lists every valid role in tie-break priority order
// (highest first).
var AllRoles = []Role{RoleDeveloper, RoleITArchitect, RoleDataScientist, RoleAnalyst, RoleGeneric}

// Valid reports whether r is a member of the closed role set.
func (r Role) Valid() bool {
	for _, known := range AllRoles {
		if r == known {
			return true
		}
	}
	return false
}

// AgentState is the lifecycle state of a single agent.
type AgentState string

// Lifecycle states. Transitions are monotone except active ↔ draining.
const (
	AgentStateCreating    AgentState = "creating"
	AgentStateRegistering AgentState = "registering"
	AgentStateActive      AgentState = "active"
	AgentStateDraining    AgentState = "draining"
	AgentStateTerminated  AgentState = "terminated"
	AgentStateFailed      AgentState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s AgentState) Terminal() bool {
	return s == AgentStateTerminated || s == AgentStateFailed
}

// agentTransitions encodes the allowed lifecycle edges.
var agentTransitions = map[AgentState][]AgentState{
	AgentStateCreating:    {AgentStateRegistering, AgentStateFailed},
	AgentStateRegistering: {AgentStateActive, AgentStateFailed},
	AgentStateActive:      {AgentStateDraining, AgentStateTerminated, AgentStateFailed},
	AgentStateDraining:    {AgentStateActive, AgentStateTerminated, AgentStateFailed},
}

// ValidateTransition returns an error if from → to is not an allowed
// lifecycle edge.
func ValidateTransition(from, to AgentState) error {
	for _, next := range agentTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid agent state transition: %s -> %s", from, to)
}

// AgentRecord is the persisted view of an agent identity within a session.
type AgentRecord struct {
	ID           string
	SessionID    string
	Role         Role
	State        AgentState
	CreatedAt    int64 // unix nanoseconds
	TerminatedAt int64 // unix nanoseconds, 0 = still alive
}
