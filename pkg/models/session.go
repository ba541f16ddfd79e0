package models

import "time"

// Architecture selects the coordination topology for a session.
type Architecture string

// Coordination architectures.
const (
	ArchHierarchical Architecture = "hierarchical"
	ArchCentralized  Architecture = "centralized"
	ArchMesh         Architecture = "mesh"
)

// Valid reports whether a is a known architecture.
func (a Architecture) Valid() bool {
	return a == ArchHierarchical || a == ArchCentralized || a == ArchMesh
}

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

// Session statuses. All but running are terminal; a terminal session
// is sealed and never mutated again.
const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status seals the session.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusCancelled
}

// Session is the top-level container for one user task and everything
// derived from it. Version implements optimistic concurrency: every
// successful update increments it, and stale writers are rejected.
type Session struct {
	ID           string
	Task         string
	Status       SessionStatus
	Architecture Architecture
	Result       string
	Error        string
	Warnings     []string
	Version      int64
	CreatedAt    time.Time
	LastActivity time.Time
	SealedAt     *time.Time
}
