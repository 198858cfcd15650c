package service

import (
	"errors"
	"fmt"

	"github.com/pesio-ai/be-ops-return-workflows/internal/repository"
)

var (
	// ErrWorkflowNotFound is returned when the workflow id is unknown.
	ErrWorkflowNotFound = repository.ErrWorkflowNotFound
	// ErrVersionConflict is returned when another writer updated the workflow first.
	ErrVersionConflict = repository.ErrVersionConflict
	// ErrNoPendingStep is returned when the current step has no pending record.
	ErrNoPendingStep = errors.New("no pending step for the current step")
	// ErrPermissionDenied is returned when the approver may not act on the step.
	ErrPermissionDenied = errors.New("approver has no permission for this step")
	// ErrTerminalState is returned when advancing a step that has no next step.
	ErrTerminalState = errors.New("workflow step has no next step")
	// ErrRejectNotAllowed is returned when the current step cannot lead to rejected.
	ErrRejectNotAllowed = errors.New("current step cannot be rejected")
	// ErrNoApproversConfigured is returned when a load succeeds with an empty list.
	ErrNoApproversConfigured = errors.New("no approvers configured")
)

// DirectoryLoadError reports that the approver source could not be read.
type DirectoryLoadError struct {
	Err error
}

func (e *DirectoryLoadError) Error() string {
	return fmt.Sprintf("failed to load approver directory: %v", e.Err)
}

func (e *DirectoryLoadError) Unwrap() error {
	return e.Err
}
