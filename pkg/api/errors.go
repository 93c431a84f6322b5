package api

import (
	"errors"
	"fmt"
)

// Code classifies errors crossing the service boundary.
type Code string

const (
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeBackend      Code = "BACKEND_ERROR"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// Error is a typed error carrying a Code for callers that need to map
// failures onto a wire protocol.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewInvalidInputError flags a violated caller precondition.
func NewInvalidInputError(format string, args ...any) error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError flags an unknown workflow, task or definition on a read
// path.
func NewNotFoundError(format string, args ...any) error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewInternalError flags a violated invariant; fatal for the current
// request.
func NewInternalError(message string, cause error) error {
	return &Error{Code: CodeInternal, Message: message, Cause: cause}
}

// ErrorCode extracts the Code from err, or CodeInternal when err is not a
// typed Error.
func ErrorCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// TerminateWorkflowError is the decider-level signal to abort a workflow.
// The executor catches it and finalizes the workflow with the carried
// status; it never escapes to workers.
type TerminateWorkflowError struct {
	Reason string
	Status WorkflowStatus
	Task   *Task
}

func (e *TerminateWorkflowError) Error() string {
	return fmt.Sprintf("terminate workflow: %s (status=%s)", e.Reason, e.Status)
}

// NewTerminateWorkflowError builds the signal with an explicit terminal
// status. An empty status defaults to FAILED.
func NewTerminateWorkflowError(reason string, status WorkflowStatus, task *Task) *TerminateWorkflowError {
	if status == "" {
		status = WorkflowFailed
	}
	return &TerminateWorkflowError{Reason: reason, Status: status, Task: task}
}

// AsTerminateWorkflow returns the termination signal carried by err, if any.
func AsTerminateWorkflow(err error) (*TerminateWorkflowError, bool) {
	var t *TerminateWorkflowError
	if errors.As(err, &t) {
		return t, true
	}
	return nil, false
}
