// Package exception provides custom error types and error handling utilities
// for the Loom pipeline. It standardizes errors that occur during batch
// processing, allowing them to be categorized by the item retry policy and
// surfaced correctly at the run level.
package exception

import (
	"errors"
	"fmt"
	"strings"
)

// PipelineError is a custom error type for failures that occur while
// processing a run or an item. It holds the module where the error occurred,
// a message, the wrapped original error, and flags classifying the failure.
type PipelineError struct {
	// Module indicates the module where the error occurred (e.g., "adapter", "enrich", "store").
	Module string
	// Message is a concise description of the error.
	Message string
	// OriginalErr is the wrapped original error.
	OriginalErr error
	// retryable indicates whether re-attempting the item may succeed.
	retryable bool
	// runFatal indicates the whole run must stop dispatching (spec category 5).
	runFatal bool
}

// New creates a new PipelineError instance.
func New(module, message string, originalErr error, retryable bool) *PipelineError {
	return &PipelineError{
		Module:      module,
		Message:     message,
		OriginalErr: originalErr,
		retryable:   retryable,
	}
}

// Newf creates a new retryable-flagged PipelineError using a format string.
func Newf(module string, retryable bool, format string, a ...interface{}) *PipelineError {
	return &PipelineError{
		Module:    module,
		Message:   fmt.Sprintf(format, a...),
		retryable: retryable,
	}
}

// NewRunFatal creates a PipelineError that blocks the whole run.
// Run-fatal errors are never retried at the item level.
func NewRunFatal(module, message string, originalErr error) *PipelineError {
	return &PipelineError{
		Module:      module,
		Message:     message,
		OriginalErr: originalErr,
		runFatal:    true,
	}
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Module, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s", e.Module, e.Message)
}

// Unwrap returns the original error for errors.Unwrap.
func (e *PipelineError) Unwrap() error {
	return e.OriginalErr
}

// IsRetryable returns whether re-attempting the item may succeed.
func (e *PipelineError) IsRetryable() bool {
	return e.retryable
}

// IsRunFatal returns whether the error must stop the whole run.
func (e *PipelineError) IsRunFatal() bool {
	return e.runFatal
}

// IsTemporary determines if an error is temporary (network error, temporary
// DB connection issue). The retryable flag of PipelineError takes precedence;
// otherwise common transient failure strings are matched.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "EOF")
}

// IsRunFatal determines if an error must stop dispatching for the whole run.
func IsRunFatal(err error) bool {
	if err == nil {
		return false
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.IsRunFatal()
	}
	return false
}

// ExtractErrorMessage extracts the error message string from an error.
// For PipelineError, it returns the cleaner Message field.
func ExtractErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
