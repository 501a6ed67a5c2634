package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an orchestration error for boundary handling.
type ErrorClass string

const (
	// ErrorClassValidation indicates a malformed or unacceptable request.
	// Rejected synchronously; no state is created.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassNotFound indicates a referenced work item or device row
	// does not exist.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassConflict indicates a state transition inconsistent with
	// the current state. The original state is preserved.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassTransient indicates a temporary failure (store contention,
	// registry unavailability) that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassInternal indicates an unexpected engine failure.
	ErrorClassInternal ErrorClass = "internal"
)

// OrchestrationError is a classified error with work item and device context.
type OrchestrationError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional machine-readable code.
	Code string `json:"code,omitempty"`

	// WorkItemID is the work item involved, if applicable.
	WorkItemID string `json:"work_item_id,omitempty"`

	// DeviceID is the device involved, if applicable.
	DeviceID string `json:"device_id,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *OrchestrationError) Error() string {
	switch {
	case e.WorkItemID != "" && e.DeviceID != "":
		return fmt.Sprintf("[%s] %s (work_item=%s, device=%s)%s",
			e.Class, e.Message, e.WorkItemID, e.DeviceID, e.causeSuffix())
	case e.WorkItemID != "":
		return fmt.Sprintf("[%s] %s (work_item=%s)%s",
			e.Class, e.Message, e.WorkItemID, e.causeSuffix())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.causeSuffix())
	}
}

// Unwrap returns the underlying error for chain inspection.
func (e *OrchestrationError) Unwrap() error { return e.Err }

func (e *OrchestrationError) causeSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is matches on class and code so sentinel comparisons work with errors.Is.
func (e *OrchestrationError) Is(target error) bool {
	t, ok := target.(*OrchestrationError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// WithWorkItem adds work item context to the error.
func (e *OrchestrationError) WithWorkItem(id string) *OrchestrationError {
	e.WorkItemID = id
	return e
}

// WithDevice adds device context to the error.
func (e *OrchestrationError) WithDevice(id string) *OrchestrationError {
	e.DeviceID = id
	return e
}

// WithCode adds a machine-readable code to the error.
func (e *OrchestrationError) WithCode(code string) *OrchestrationError {
	e.Code = code
	return e
}

// NewValidationError creates a validation-class error.
func NewValidationError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ErrorClassValidation, Message: message, Err: err, Code: ErrCodeValidation}
}

// NewNotFoundError creates a not-found-class error.
func NewNotFoundError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ErrorClassNotFound, Message: message, Err: err, Code: ErrCodeNotFound}
}

// NewConflictError creates a conflict-class error.
func NewConflictError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ErrorClassConflict, Message: message, Err: err, Code: ErrCodeConflict}
}

// NewInvalidTransitionError creates a conflict-class error describing a
// rejected state transition.
func NewInvalidTransitionError(from, to fmt.Stringer) *OrchestrationError {
	return &OrchestrationError{
		Class:   ErrorClassConflict,
		Message: fmt.Sprintf("invalid transition %s -> %s", from, to),
		Code:    ErrCodeInvalidTransition,
	}
}

// NewTransientError creates a transient-class error.
func NewTransientError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewInternalError creates an internal-class error.
func NewInternalError(message string, err error) *OrchestrationError {
	return &OrchestrationError{Class: ErrorClassInternal, Message: message, Err: err, Code: ErrCodeInternal}
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool { return hasClass(err, ErrorClassValidation) }

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool { return hasClass(err, ErrorClassNotFound) }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }

// IsInvalidTransition returns true if the error is a rejected transition.
func IsInvalidTransition(err error) bool {
	var e *OrchestrationError
	if errors.As(err, &e) {
		return e.Code == ErrCodeInvalidTransition
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }

func hasClass(err error, class ErrorClass) bool {
	var e *OrchestrationError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Machine-readable error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeDuplicateReport   = "DUPLICATE_REPORT"
	ErrCodeActiveUnit        = "ACTIVE_UNIT_VIOLATION"
	ErrCodeUnknownPolicy     = "UNKNOWN_POLICY"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
