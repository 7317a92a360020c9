// Package errors provides a lightweight "failed to X" error wrapper for
// leaf components that don't need the HTTP-status mapping of
// internal/errors.AppError.
package errors

import (
	"fmt"
	"strings"
)

// OperationError describes a failed operation with optional component and
// resource context.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to %s", e.Operation)
	if e.Component != "" {
		fmt.Fprintf(&b, ", component: %s", e.Component)
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, ", resource: %s", e.Resource)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ", cause: %s", e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the cause for errors.Is/As.
func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds the common "failed to <action>[: <cause>]" error.
func FailedTo(action string, cause error) error {
	if cause == nil {
		return fmt.Errorf("failed to %s", action)
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}

// FailedToWithDetails builds an OperationError carrying component/resource
// context alongside the cause.
func FailedToWithDetails(action, component, resource string, cause error) error {
	return &OperationError{
		Operation: action,
		Component: component,
		Resource:  resource,
		Cause:     cause,
	}
}

// Wrapf prepends formatted context to err, returning nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	prefix := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", prefix, err)
}

// NetworkError wraps a failed call to a named gateway endpoint (OpenRouter,
// WaveSpeed, ClickUp).
func NetworkError(operation, endpoint string, cause error) error {
	return FailedToWithDetails(operation, "network", endpoint, cause)
}

func ParseError(what, format string, cause error) error {
	return FailedToWithDetails(fmt.Sprintf("parse %s as %s", what, format), "", "", cause)
}

var retryableSubstrings = []string{
	"timeout",
	"connection refused",
	"service unavailable",
	"temporary failure",
	"eof",
}

// IsRetryable does a best-effort classification of transient errors by
// message content, for callers that only have an opaque error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range retryableSubstrings {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// Chain joins multiple non-nil errors into one, returns nil when none are
// present, and returns a new error carrying the sole error's message when
// exactly one is present.
func Chain(errs ...error) error {
	var present []string
	for _, e := range errs {
		if e != nil {
			present = append(present, e.Error())
		}
	}
	switch len(present) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s", present[0])
	default:
		return fmt.Errorf("multiple errors: %s", strings.Join(present, "; "))
	}
}
