// Package errors defines sentinel errors used across the Helmsman project.
package errors

import "errors"

// Sentinel errors for coordination-store operations.
var (
	// ErrNoNode indicates the requested path does not exist.
	ErrNoNode = errors.New("node does not exist")

	// ErrNodeExists indicates a create hit an existing path.
	ErrNodeExists = errors.New("node already exists")

	// ErrBadVersion indicates an optimistic write lost a version race.
	ErrBadVersion = errors.New("version conflict")

	// ErrStoreTransient indicates a retriable store failure (connection loss, timeout).
	ErrStoreTransient = errors.New("transient store failure")

	// ErrSessionExpired indicates the store session backing ephemeral nodes is gone.
	ErrSessionExpired = errors.New("store session expired")

	// ErrStoreClosed indicates the store client has been closed.
	ErrStoreClosed = errors.New("store is closed")
)

// Sentinel errors for the controller pipeline.
var (
	// ErrSnapshotIncomplete indicates a cache refresh failed to load a required
	// subtree; the pipeline run aborts with no side effects.
	ErrSnapshotIncomplete = errors.New("cluster snapshot incomplete")

	// ErrStateModelViolation indicates a computed transition is not an edge of
	// the state-model transition table.
	ErrStateModelViolation = errors.New("state model violation")

	// ErrConfigInvalid indicates a resource or cluster config failed validation.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrPipelineAborted indicates the run was cancelled at a stage boundary.
	ErrPipelineAborted = errors.New("pipeline run aborted")
)

// Sentinel errors for the participant executor.
var (
	// ErrHandlerTimeout indicates a state-transition handler exceeded its deadline.
	ErrHandlerTimeout = errors.New("handler timed out")

	// ErrStaleMessage indicates a message failed session or from-state validation.
	ErrStaleMessage = errors.New("stale message")

	// ErrNoHandlerFactory indicates no state-model factory is registered for
	// the message's state-model definition.
	ErrNoHandlerFactory = errors.New("no state model factory registered")
)
