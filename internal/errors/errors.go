// Package errors provides a typed application error used across the agent
// for consistent HTTP-status mapping, log-field generation, and safe
// user-facing messages.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorType classifies an AppError for status-code mapping and safe-message
// lookup.
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeAuth            ErrorType = "auth"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeTransport       ErrorType = "transport"
	ErrorTypeContentParse    ErrorType = "content_parse"
	ErrorTypeValidationSys   ErrorType = "validation_system"
	ErrorTypeInternal        ErrorType = "internal"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:    http.StatusBadRequest,
	ErrorTypeAuth:          http.StatusUnauthorized,
	ErrorTypeNotFound:      http.StatusNotFound,
	ErrorTypeConflict:      http.StatusConflict,
	ErrorTypeTimeout:       http.StatusRequestTimeout,
	ErrorTypeRateLimit:     http.StatusTooManyRequests,
	ErrorTypeTransport:     http.StatusBadGateway,
	ErrorTypeContentParse:  http.StatusUnprocessableEntity,
	ErrorTypeValidationSys: http.StatusBadGateway,
	ErrorTypeInternal:      http.StatusInternalServerError,
}

// AppError is a typed, wrappable error carrying enough context to log
// safely and to answer over HTTP without leaking internals.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

// New creates an AppError of the given type.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusCodeFor(t),
	}
}

// Newf creates an AppError with a formatted message.
func Newf(t ErrorType, format string, args ...interface{}) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap wraps an underlying error into an AppError of the given type.
func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf wraps an underlying error with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

func statusCodeFor(t ErrorType) int {
	if code, ok := statusByType[t]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	return msg
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails attaches extra context, modifying e in place and returning it.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted extra context.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// Predefined constructors mirroring common failure shapes.

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, resource+" not found")
}

func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, "operation timed out: "+operation)
}

func NewRateLimitError(provider string) *AppError {
	return New(ErrorTypeRateLimit, "rate limit exceeded: "+provider)
}

func NewTransportError(cause error, provider string) *AppError {
	return Wrapf(cause, ErrorTypeTransport, "transport failure calling %s", provider)
}

func NewContentParseError(cause error, what string) *AppError {
	return Wrapf(cause, ErrorTypeContentParse, "failed to parse %s", what)
}

func NewValidationSystemError(cause error, modelName string) *AppError {
	return Wrapf(cause, ErrorTypeValidationSys, "validator system failure for model %s", modelName)
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Type == t
}

// GetType returns err's ErrorType, or ErrorTypeInternal for non-AppErrors.
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status code associated with err.
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// ErrorMessages are the safe, user-facing strings for error types whose
// underlying details should never reach a client.
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
	UpstreamUnavailable    string
}{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	RateLimitExceeded:      "Rate limit exceeded, please retry later",
	ConcurrentModification: "The resource was modified concurrently",
	UpstreamUnavailable:    "An upstream service is unavailable",
}

// SafeErrorMessage returns a message safe to show to an end user.
func SafeErrorMessage(err error) string {
	appErr, ok := err.(*AppError)
	if !ok {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	case ErrorTypeTransport, ErrorTypeValidationSys:
		return ErrorMessages.UpstreamUnavailable
	default:
		return "An internal error occurred"
	}
}

// LogFields renders err into structured fields suitable for logrus.
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{"error": err.Error()}
	appErr, ok := err.(*AppError)
	if !ok {
		return fields
	}
	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain joins non-nil errors into a single error, returning nil if none are
// set and the error itself if exactly one is set.
func Chain(errs ...error) error {
	var present []error
	for _, e := range errs {
		if e != nil {
			present = append(present, e)
		}
	}
	switch len(present) {
	case 0:
		return nil
	case 1:
		return present[0]
	default:
		msg := present[0].Error()
		for _, e := range present[1:] {
			msg += " -> " + e.Error()
		}
		return fmt.Errorf("%s", msg)
	}
}
