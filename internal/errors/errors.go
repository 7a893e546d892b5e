/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors provides a structured application error type carrying an
// HTTP-mappable classification, suitable for logging and safe client
// responses alike.
package errors

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorType classifies an AppError for HTTP mapping, safe messaging, and
// orchestration-level propagation decisions (see the core's §7 taxonomy).
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"

	// ErrorTypePlanning marks a classifier/planner failure before a workflow
	// reaches the executing state.
	ErrorTypePlanning ErrorType = "planning"
	// ErrorTypeApprovalDenied marks a step whose approval was explicitly denied.
	ErrorTypeApprovalDenied ErrorType = "approval_denied"
	// ErrorTypeApprovalTimeout marks an approval deadline that passed unresolved.
	ErrorTypeApprovalTimeout ErrorType = "approval_timeout"
	// ErrorTypeStepRepairable marks an executor error eligible for one bounded retry.
	ErrorTypeStepRepairable ErrorType = "step_execution_repairable"
	// ErrorTypeStepFatal marks an executor error that is not repairable.
	ErrorTypeStepFatal ErrorType = "step_execution_fatal"
	// ErrorTypeNoCapacity marks a worker pool acquisition exhausted its retry budget.
	ErrorTypeNoCapacity ErrorType = "no_capacity"
	// ErrorTypeWorkerTransport marks an RPC failure talking to a paired worker.
	ErrorTypeWorkerTransport ErrorType = "worker_transport"
	// ErrorTypeCancellation marks a caller-requested stop.
	ErrorTypeCancellation ErrorType = "cancellation"
)

// AppError is a structured error with a type, a safe-to-log message, an
// optional human-readable detail string, and an optional wrapped cause.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	Suggestion string
	Cause      error
	StatusCode int
}

// New creates an AppError of the given type with its HTTP status pre-filled.
func New(errType ErrorType, message string) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		StatusCode: statusCodeFor(errType),
	}
}

// Newf creates an AppError with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *AppError {
	return New(errType, fmt.Sprintf(format, args...))
}

// Wrap creates an AppError that preserves an underlying cause for Unwrap.
func Wrap(cause error, errType ErrorType, message string) *AppError {
	err := New(errType, message)
	err.Cause = cause
	return err
}

// Wrapf creates a Wrap with a formatted message.
func Wrapf(cause error, errType ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, errType, fmt.Sprintf(format, args...))
}

// WithDetails attaches an extra detail string, modifying the receiver in place.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches a formatted detail string.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithSuggestion attaches a repair suggestion, surfaced to callers for
// step_execution_repairable errors per §7.
func (e *AppError) WithSuggestion(suggestion string) *AppError {
	e.Suggestion = suggestion
	return e
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	if e.Suggestion != "" {
		msg = fmt.Sprintf("%s [suggestion: %s]", msg, e.Suggestion)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

func statusCodeFor(errType ErrorType) int {
	switch errType {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuth:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeTimeout, ErrorTypeApprovalTimeout:
		return http.StatusRequestTimeout
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeApprovalDenied:
		return http.StatusForbidden
	case ErrorTypeNoCapacity:
		return http.StatusServiceUnavailable
	case ErrorTypeCancellation:
		return http.StatusGone
	case ErrorTypePlanning, ErrorTypeStepRepairable, ErrorTypeStepFatal,
		ErrorTypeDatabase, ErrorTypeNetwork, ErrorTypeWorkerTransport, ErrorTypeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Predefined constructors mirroring the common cases the core raises.

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

func NewNotFoundError(resource string) *AppError {
	return Newf(ErrorTypeNotFound, "%s not found", resource)
}

func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

func NewTimeoutError(operation string) *AppError {
	return Newf(ErrorTypeTimeout, "operation timed out: %s", operation)
}

func NewPlanningError(cause error, userMessage string) *AppError {
	return Wrapf(cause, ErrorTypePlanning, "failed to plan workflow for request: %s", userMessage)
}

func NewNoCapacityError(stepID string, attempts int) *AppError {
	return Newf(ErrorTypeNoCapacity, "no healthy worker available for step %s after %d attempts", stepID, attempts)
}

func NewWorkerTransportError(cause error, workerID string) *AppError {
	return Wrapf(cause, ErrorTypeWorkerTransport, "rpc to worker %s failed", workerID)
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, errType ErrorType) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == errType
}

// GetType returns the AppError's type, or ErrorTypeInternal for plain errors.
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the AppError's HTTP status, or 500 for plain errors.
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// GetSuggestion returns the AppError's repair suggestion, or "" if err
// carries none (fatal errors and plain errors alike).
func GetSuggestion(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Suggestion
	}
	return ""
}

// ErrorMessages holds the safe, user-facing strings for error types whose
// internal detail should never reach an external client.
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
}{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	RateLimitExceeded:      "Rate limit exceeded, please try again later",
	ConcurrentModification: "The resource was modified concurrently, please retry",
}

// SafeErrorMessage returns a message safe to surface to an external client:
// validation messages pass through verbatim (they describe the caller's own
// mistake), everything else maps to a generic safe string.
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
	case ErrorTypeTimeout, ErrorTypeApprovalTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	default:
		return "An internal error occurred"
	}
}

// LogFields renders an error into structured key/value pairs suitable for a
// logr/zap Sugared call site.
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
	if appErr.Suggestion != "" {
		fields["suggestion"] = appErr.Suggestion
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain joins non-nil errors with " -> ", returning nil if none are set and
// the single error unwrapped if exactly one is set.
func Chain(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		msgs := make([]string, len(nonNil))
		for i, err := range nonNil {
			msgs[i] = err.Error()
		}
		return fmt.Errorf("%s", strings.Join(msgs, " -> "))
	}
}
