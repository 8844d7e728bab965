package engine

import (
	"errors"
	"fmt"

	"github.com/cosmicstack/cosmic/pkg/fsm"
	"github.com/cosmicstack/cosmic/pkg/stores"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a concurrent modification.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeAlreadyExists  = "ALREADY_EXISTS"
	ErrCodeNoTransition   = "NO_TRANSITION"
	ErrCodeConfiguration  = "CONFIGURATION_ERROR"
	ErrCodeHandlerFailed  = "HANDLER_FAILED"
	ErrCodeUnknownHandler = "UNKNOWN_HANDLER"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodePolicyDenied   = "POLICY_DENIED"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the job or join the error is about, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another *EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewValidationError reports a request that can never succeed as given.
func NewValidationError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeValidation)
}

// NewNotFoundError reports a missing job or join record.
func NewNotFoundError(resource string, err error) *EngineError {
	return NewPermanentError("record not found", err).
		WithCode(ErrCodeNotFound).
		WithResource(resource)
}

// NewPolicyDeniedError reports a request refused by an admission policy.
func NewPolicyDeniedError(policy, message string) *EngineError {
	return NewPermanentError(message, nil).
		WithCode(ErrCodePolicyDenied).
		WithDetail("policy", policy)
}

// NewHandlerInvocationError wraps a failed wakeup handler call. A handler
// that returned a Permanent error yields a permanent error; anything else is
// transient and will be retried.
func NewHandlerInvocationError(handler string, err error) *EngineError {
	class := ErrorClassTransient
	if IsPermanent(err) {
		class = ErrorClassPermanent
	}
	return (&EngineError{
		Class:   class,
		Message: "wakeup handler failed",
		Err:     err,
	}).WithCode(ErrCodeHandlerFailed).WithDetail("handler", handler)
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

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// permanentError marks a handler failure that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the wake scheduler drops the join instead of
// retrying the wakeup.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return hasClass(err, ErrorClassTransient)
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

// IsPermanent reports a permanent EngineError or an error wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return hasClass(err, ErrorClassPermanent)
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return hasClass(err, ErrorClassTransient) ||
		hasClass(err, ErrorClassThrottled) ||
		hasClass(err, ErrorClassConflict)
}

// IsNotFound reports a missing job or join, whether it came from the engine
// or straight from a store.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound) || errors.Is(err, stores.ErrNotFound)
}

// IsNoTransition reports a rejected state machine transition.
func IsNoTransition(err error) bool {
	return hasCode(err, ErrCodeNoTransition) || errors.Is(err, fsm.ErrNoTransition)
}

// IsValidation reports a rejected request.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation) || hasCode(err, ErrCodeUnknownHandler)
}

// IsPolicyDenied reports a request refused at admission.
func IsPolicyDenied(err error) bool {
	return hasCode(err, ErrCodePolicyDenied)
}

// ErrorCode returns the code of the first EngineError in the chain.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// storeError classifies a store failure for the given operation.
func storeError(op, resource string, err error) error {
	if errors.Is(err, stores.ErrNotFound) {
		return NewNotFoundError(resource, err).WithOperation(op)
	}
	if errors.Is(err, stores.ErrAlreadyExists) {
		return NewConflictError("record already exists", err).
			WithCode(ErrCodeAlreadyExists).
			WithResource(resource).
			WithOperation(op)
	}
	return NewTransientError("store operation failed", err).
		WithCode(ErrCodeStore).
		WithResource(resource).
		WithOperation(op)
}

// transitionError wraps a state machine rejection.
func transitionError(op, resource string, err error) error {
	return NewPermanentError("transition rejected", err).
		WithCode(ErrCodeNoTransition).
		WithResource(resource).
		WithOperation(op)
}
