package core

import "errors"

var (
	// ErrInvalidRequest is returned before any stage runs when the prompt or
	// project id is missing or malformed.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConflict is returned when a run is already in flight for the project.
	ErrConflict = errors.New("a generation run is already in progress for this project")
	// ErrQueueFull is returned when the engine cannot accept more runs.
	ErrQueueFull = errors.New("generation queue is full")
	// ErrShuttingDown is returned for runs submitted or queued during shutdown.
	ErrShuttingDown = errors.New("engine is shutting down")
	// ErrRequirementsUnusable is returned when the model's requirements
	// document has no usable content.
	ErrRequirementsUnusable = errors.New("requirements document is unusable")
	// ErrFilesystem wraps failures reading or writing the project store.
	ErrFilesystem = errors.New("filesystem failure")
)
