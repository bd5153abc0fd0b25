package engine

import (
	"errors"
	"fmt"
)

// ErrorKind identifies where in the build or deployment pipeline an error
// originated. The kind decides how far the error is allowed to propagate.
type ErrorKind string

const (
	// KindConfiguration is an invalid or missing configuration. Fatal; it
	// aborts a run before anything executes.
	KindConfiguration ErrorKind = "configuration"

	// KindDetection is an unreadable path during project detection. It is
	// recorded as a warning and the scan continues.
	KindDetection ErrorKind = "detection"

	// KindOperation is a non-zero exit or timeout of an operation. It is
	// recorded against one project only.
	KindOperation ErrorKind = "operation"

	// KindHook is a failing or misbehaving hook. Always a warning.
	KindHook ErrorKind = "hook"

	// KindHealthCheck is a deployment target that did not become or stay
	// healthy. It triggers a strategy-specific rollback.
	KindHealthCheck ErrorKind = "health_check"

	// KindInfrastructure is a failing call into the environment backend
	// (health checker, traffic shifter, provisioner).
	KindInfrastructure ErrorKind = "infrastructure"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by a backend.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a concurrent modification of a target.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the pipeline stage the error belongs to.
	Kind ErrorKind `json:"kind"`

	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the project, target or file the error relates to.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation or phase in progress.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an EngineError with the same kind and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind ErrorKind, class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Kind:    kind,
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewConfigurationError creates a fatal configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return newError(KindConfiguration, ErrorClassPermanent, message, err).WithCode(ErrCodeValidation)
}

// NewDetectionWarning creates a detection warning for an unreadable path.
func NewDetectionWarning(path string, err error) *EngineError {
	return newError(KindDetection, ErrorClassPermanent, "path could not be scanned", err).
		WithResource(path).
		WithCode(ErrCodeUnreadable)
}

// NewOperationFailure creates an error for a failed operation.
func NewOperationFailure(projectID, operation, message string) *EngineError {
	return newError(KindOperation, ErrorClassPermanent, message, nil).
		WithResource(projectID).
		WithOperation(operation)
}

// NewHookFailure creates a hook error. Hook errors are only ever warnings.
func NewHookFailure(message string, err error) *EngineError {
	return newError(KindHook, ErrorClassPermanent, message, err).WithCode(ErrCodeHookFailed)
}

// NewHealthCheckFailure creates an error for a target that failed its
// health gate.
func NewHealthCheckFailure(target, message string) *EngineError {
	return newError(KindHealthCheck, ErrorClassPermanent, message, nil).
		WithResource(target).
		WithCode(ErrCodeUnhealthy)
}

// NewInfrastructureError creates a transient error for a failed backend
// call.
func NewInfrastructureError(message string, err error) *EngineError {
	return newError(KindInfrastructure, ErrorClassTransient, message, err)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithClass overrides the retry classification.
func (e *EngineError) WithClass(class ErrorClass) *EngineError {
	e.Class = class
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first EngineError in err's chain, or ""
// when there is none.
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool {
	return KindOf(err) == KindConfiguration
}

// IsInfrastructureError reports whether err is an infrastructure error.
func IsInfrastructureError(err error) bool {
	return KindOf(err) == KindInfrastructure
}

// IsHealthCheckFailure reports whether err is a health check failure.
func IsHealthCheckFailure(err error) bool {
	return KindOf(err) == KindHealthCheck
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return classOf(err) == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeUnreadable   = "UNREADABLE_PATH"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeExitStatus   = "EXIT_STATUS"
	ErrCodeHookFailed   = "HOOK_FAILED"
	ErrCodeHookResponse = "HOOK_MALFORMED_RESPONSE"
	ErrCodeUnhealthy    = "UNHEALTHY"
	ErrCodePolicyDenied = "POLICY_DENIED"
	ErrCodeCancelled    = "CANCELLED"
	ErrCodeRetriesSpent = "RETRIES_EXHAUSTED"
)
