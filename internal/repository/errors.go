package repository

import "errors"

var (
	// ErrWorkflowNotFound is returned when no workflow exists with the given id.
	ErrWorkflowNotFound = errors.New("return workflow not found")
	// ErrVersionConflict is returned when an update was based on a stale version.
	ErrVersionConflict = errors.New("return workflow was modified concurrently")
)
