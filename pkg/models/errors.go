package models

import "errors"

// Error kinds of the coordination substrate. Components wrap these so
// callers can classify failures with errors.Is regardless of the layer
// that produced them.
var (
	// ErrTransientBackend marks a retryable LLM backend failure.
	ErrTransientBackend = errors.New("transient backend error")

	// ErrParse marks malformed decomposition output; the coordinator
	// falls back to a single subtask.
	ErrParse = errors.New("parse error")

	// ErrBackpressure is returned by Send when the receiver inbox stays
	// full past the configured timeout.
	ErrBackpressure = errors.New("inbox full")

	// ErrDeadLetter marks a send whose receiver is missing or terminated.
	ErrDeadLetter = errors.New("dead letter")

	// ErrTimeout marks a subtask whose deadline elapsed.
	ErrTimeout = errors.New("timeout")

	// ErrDependencyFailed marks a subtask failed transitively because an
	// ancestor failed.
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrGPUUnavailable marks a failed GPU probe chain.
	ErrGPUUnavailable = errors.New("gpu unavailable")

	// ErrStorage marks a log or session persistence failure; fatal for
	// the affected session.
	ErrStorage = errors.New("storage error")

	// ErrDuplicateIdentity marks a registration conflicting with a live
	// agent of the same id.
	ErrDuplicateIdentity = errors.New("duplicate identity")

	// ErrWorkerTerminated marks in-flight work aborted by a forced
	// worker termination.
	ErrWorkerTerminated = errors.New("worker terminated")

	// ErrModelNotFound marks an LLM call naming a model the backend
	// does not serve.
	ErrModelNotFound = errors.New("model not found")

	// ErrVersionConflict marks a lost CAS race on a session update.
	ErrVersionConflict = errors.New("version conflict")

	// ErrSessionSealed marks a mutation attempt on a sealed session.
	ErrSessionSealed = errors.New("session sealed")
)
