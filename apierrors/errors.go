package apierrors

import "fmt"

// ValidationError signals a malformed or incomplete request payload.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Invalid builds a ValidationError with a formatted reason.
func Invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConflictError signals a lifecycle transition that is not legal for the
// record's current state.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// Conflict builds a ConflictError with a formatted reason.
func Conflict(format string, args ...interface{}) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

// PlanLimitError signals that an operation would exceed a numeric plan quota.
type PlanLimitError struct {
	Reason string
}

func (e *PlanLimitError) Error() string {
	return e.Reason
}

// PlanLimit builds a PlanLimitError with a formatted reason.
func PlanLimit(format string, args ...interface{}) error {
	return &PlanLimitError{Reason: fmt.Sprintf(format, args...)}
}

// PlanRequiredError signals that the feature itself is absent from the
// team's plan, as opposed to a quota being exhausted.
type PlanRequiredError struct {
	Reason string
}

func (e *PlanRequiredError) Error() string {
	return e.Reason
}

// PlanRequired builds a PlanRequiredError with a formatted reason.
func PlanRequired(format string, args ...interface{}) error {
	return &PlanRequiredError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError signals that a referenced team/bot/source does not exist.
type NotFoundError struct {
	Reason string
}

func (e *NotFoundError) Error() string {
	return e.Reason
}

// NotFound builds a NotFoundError with a formatted reason.
func NotFound(format string, args ...interface{}) error {
	return &NotFoundError{Reason: fmt.Sprintf(format, args...)}
}

// UpstreamError wraps a failure from the queue broker, the vector database or
// another external collaborator. The cause is preserved for errors.Is/As.
type UpstreamError struct {
	Reason string
	Cause  error
}

func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
	}
	return e.Reason
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Upstream wraps err as an UpstreamError with the given reason.
func Upstream(reason string, err error) error {
	return &UpstreamError{Reason: reason, Cause: err}
}
