// internal/dispatch/errors.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is a string type used for structured error reporting in tool results.
// The decision service reads it to decide how to correct itself.
type ErrorCode string

const (
	// -- General Execution Errors --
	ErrCodeExecutionFailure  ErrorCode = "EXECUTION_FAILURE"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrCodeUnknownAction     ErrorCode = "UNKNOWN_ACTION_TYPE"
	ErrCodeFeatureDisabled   ErrorCode = "FEATURE_DISABLED"
	ErrCodeTimeoutError      ErrorCode = "TIMEOUT_ERROR"

	// -- Screen Errors --
	// ErrCodeElementNotFound means the box id is not present in the capture the action was chosen from.
	ErrCodeElementNotFound ErrorCode = "ELEMENT_NOT_FOUND"

	// -- Internal System Errors --
	ErrCodeExecutorPanic ErrorCode = "EXECUTOR_PANIC"
)

// ErrBoxNotFound is returned when a box id does not resolve against the current capture.
var ErrBoxNotFound = errors.New("box id not found in current capture")

// ToolError is a failure that should reach the decision service with a specific code.
type ToolError struct {
	Code ErrorCode
	Err  error
}

func (e *ToolError) Error() string { return e.Err.Error() }

func (e *ToolError) Unwrap() error { return e.Err }

func invalidParams(format string, args ...any) error {
	return &ToolError{Code: ErrCodeInvalidParameters, Err: fmt.Errorf(format, args...)}
}

// classify maps a handler error to the code reported back in the tool result.
func classify(err error) ErrorCode {
	var te *ToolError
	switch {
	case errors.As(err, &te):
		return te.Code
	case errors.Is(err, ErrBoxNotFound):
		return ErrCodeElementNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeoutError
	default:
		return ErrCodeExecutionFailure
	}
}

// errorResult renders err as a tool result.
func errorResult(err error) map[string]any {
	return map[string]any{
		"status":     "error",
		"error_code": string(classify(err)),
		"error":      err.Error(),
	}
}
