package engine

import "errors"

// Structural errors are surfaced synchronously to the caller and never retried
// by the engine. Side-channel failures (persistence, notification) are logged
// at the hook boundary and never fail the primary operation.
var (
	// ErrTaskNotFound indicates the task id has never been seen, or (for
	// operations that require full registration) only exists as a placeholder.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateRegistration indicates the task id is already fully
	// registered with dependency data.
	ErrDuplicateRegistration = errors.New("task already registered")

	// ErrCyclicDependency indicates the registration would introduce a cycle.
	// The registration is rejected atomically; no edges are committed.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrInvalidStateTransition indicates the requested transition is not
	// allowed from the task's current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrDependencyNotSatisfied indicates a start was requested for a task
	// whose dependency chain can never be satisfied (a dependency failed).
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")
)
