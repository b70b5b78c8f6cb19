package workflow

import (
	"errors"
	"fmt"
)

// Error is the typed error raised by handlers, the engine, and stores.
//
// Error includes structured fields for diagnostics and recovery:
//   - VALIDATION: bad step configuration, the instance fails
//   - UNROUTABLE_DECISION: no branch and no default, the instance fails
//   - EXTERNAL_CALL: retried while Transient, then the instance fails
//   - STALE_RESUME: resume rejected, the instance is untouched
//   - CONCURRENT_MODIFICATION: version conflict, retry from a fresh read
//   - NOTIFICATION_DELIVERY: logged only
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// InstanceID identifies the affected instance, if any.
	InstanceID string

	// StepID identifies the step being executed, if any.
	StepID string

	// Transient marks errors that may succeed when retried.
	Transient bool

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes errors.
type ErrorCode string

const (
	ErrCodeValidation             ErrorCode = "VALIDATION"
	ErrCodeUnroutableDecision     ErrorCode = "UNROUTABLE_DECISION"
	ErrCodeExternalCall           ErrorCode = "EXTERNAL_CALL"
	ErrCodeStaleResume            ErrorCode = "STALE_RESUME"
	ErrCodeConcurrentModification ErrorCode = "CONCURRENT_MODIFICATION"
	ErrCodeNotificationDelivery   ErrorCode = "NOTIFICATION_DELIVERY"
	ErrCodeNotFound               ErrorCode = "NOT_FOUND"
	ErrCodeInvalidTransition      ErrorCode = "INVALID_TRANSITION"
	ErrCodeInternal               ErrorCode = "INTERNAL"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.InstanceID != "" && e.StepID != "" {
		msg = fmt.Sprintf("%s (instance=%s, step=%s)", msg, e.InstanceID, e.StepID)
	} else if e.InstanceID != "" {
		msg = fmt.Sprintf("%s (instance=%s)", msg, e.InstanceID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

func hasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsValidationError returns true if the error is a VALIDATION error.
func IsValidationError(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsUnroutableDecision returns true if the error is an UNROUTABLE_DECISION error.
func IsUnroutableDecision(err error) bool { return hasCode(err, ErrCodeUnroutableDecision) }

// IsExternalCallError returns true if the error is an EXTERNAL_CALL error.
func IsExternalCallError(err error) bool { return hasCode(err, ErrCodeExternalCall) }

// IsStaleResume returns true if the error is a STALE_RESUME error.
func IsStaleResume(err error) bool { return hasCode(err, ErrCodeStaleResume) }

// IsConcurrentModification returns true if the error is a CONCURRENT_MODIFICATION error.
func IsConcurrentModification(err error) bool { return hasCode(err, ErrCodeConcurrentModification) }

// IsNotificationDelivery returns true if the error is a NOTIFICATION_DELIVERY error.
func IsNotificationDelivery(err error) bool { return hasCode(err, ErrCodeNotificationDelivery) }

// IsNotFound returns true if the error is a NOT_FOUND error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsInvalidTransition returns true if the error is an INVALID_TRANSITION error.
func IsInvalidTransition(err error) bool { return hasCode(err, ErrCodeInvalidTransition) }

// IsTransient reports whether err is marked as retryable.
func IsTransient(err error) bool {
	var we *Error
	if errors.As(err, &we) {
		return we.Transient
	}
	return false
}

// NewValidationError creates an Error for bad step configuration.
func NewValidationError(stepID, format string, args ...any) *Error {
	return &Error{
		Code:    ErrCodeValidation,
		Message: fmt.Sprintf(format, args...),
		StepID:  stepID,
	}
}

// NewUnroutableDecisionError creates an Error for a decision with no edge.
func NewUnroutableDecisionError(stepID, outcome string) *Error {
	return &Error{
		Code:    ErrCodeUnroutableDecision,
		Message: fmt.Sprintf("no branch for outcome %q and no default edge", outcome),
		StepID:  stepID,
	}
}

// NewExternalCallError creates an Error for a failed external call.
func NewExternalCallError(stepID string, transient bool, err error) *Error {
	return &Error{
		Code:      ErrCodeExternalCall,
		Message:   "external call failed",
		StepID:    stepID,
		Transient: transient,
		Err:       err,
	}
}

// NewStaleResumeError creates an Error for a resume that no longer matches
// the instance's suspend point.
func NewStaleResumeError(instanceID, reason string) *Error {
	return &Error{
		Code:       ErrCodeStaleResume,
		Message:    reason,
		InstanceID: instanceID,
	}
}

// NewConcurrentModificationError creates an Error for a version conflict.
func NewConcurrentModificationError(instanceID string, expected int64) *Error {
	return &Error{
		Code:       ErrCodeConcurrentModification,
		Message:    fmt.Sprintf("instance changed since version %d", expected),
		InstanceID: instanceID,
	}
}

// NewNotificationDeliveryError creates an Error for a failed notification.
func NewNotificationDeliveryError(stepID, channel string, err error) *Error {
	return &Error{
		Code:    ErrCodeNotificationDelivery,
		Message: fmt.Sprintf("deliver via %q", channel),
		StepID:  stepID,
		Err:     err,
	}
}

// NewNotFoundError creates an Error for a missing record.
func NewNotFoundError(kind, id string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q not found", kind, id),
	}
}

// NewInvalidTransitionError creates an Error for a move the state machine forbids.
func NewInvalidTransitionError(instanceID string, from, to Status) *Error {
	return &Error{
		Code:       ErrCodeInvalidTransition,
		Message:    fmt.Sprintf("cannot move from %s to %s", from, to),
		InstanceID: instanceID,
	}
}
