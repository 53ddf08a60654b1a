/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every rejection carries enough detail for the user to fix the input:
  which field, which item, which meter, which date.

ERROR CATEGORIES:
  1. Validation errors - Input rejected before any remote call
  2. Precondition errors - Workflow gate not met, lists every offender
  3. Transition errors - State machine move not allowed
  4. Remote errors - Store failures, passed through wrapped with %w
  5. Partial failure - BatchResult, never an error on its own

USAGE:
    var pe *generic.PreconditionError
    if errors.As(err, &pe) {
        for _, v := range pe.Violations { ... }
    }

SEE ALSO:
  - inspection/workflow.go: Raises precondition and transition errors
  - api/handlers.go: Maps errors to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrPrecondition is wrapped by every PreconditionError.
	ErrPrecondition = errors.New("precondition not met")

	// ErrInvalidTransition is wrapped by every TransitionError.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoOpenCycle is returned when an operation needs an open reading cycle.
	ErrNoOpenCycle = errors.New("no open reading cycle")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field and rule.
type ValidationError struct {
	Field   string
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError.
func NewValidationError(field, rule, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Rule: rule, Message: fmt.Sprintf(format, args...)}
}

type ViolationKind string

const (
	ViolationConditionUnset ViolationKind = "condition_unset"
	ViolationCostMissing    ViolationKind = "damage_cost_missing"
	ViolationMeterReading   ViolationKind = "meter_reading_missing"
	ViolationReadingBelow   ViolationKind = "meter_reading_below_previous"
	ViolationNoOpenCycle    ViolationKind = "no_open_cycle"
	ViolationChecklistEmpty ViolationKind = "checklist_empty"
)

// Violation is one unmet completion condition.
type Violation struct {
	Kind    ViolationKind
	ItemID  ItemID
	MeterID MeterID
	Message string
}

// PreconditionError lists every unmet condition of a transition.
type PreconditionError struct {
	Operation  string
	Violations []Violation
}

func (e *PreconditionError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return fmt.Sprintf("cannot %s: %s", e.Operation, strings.Join(msgs, "; "))
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

// Has reports whether a violation of the given kind exists.
func (e *PreconditionError) Has(kind ViolationKind) bool {
	for _, v := range e.Violations {
		if v.Kind == kind {
			return true
		}
	}
	return false
}

// TransitionError is returned when the current state does not allow the move.
type TransitionError struct {
	InspectionID InspectionID
	From         InspectionStatus
	To           InspectionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("inspection %s: cannot move from %s to %s", e.InspectionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// StateError is returned when an operation is not allowed in the current
// status, without being a transition itself (e.g. editing a COMPLETED item).
type StateError struct {
	InspectionID InspectionID
	Status       InspectionStatus
	Operation    string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("inspection %s is %s: cannot %s", e.InspectionID, e.Status, e.Operation)
}

func (e *StateError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// PARTIAL FAILURE
// =============================================================================

// BatchResult counts successes and failures of a fire-and-forget batch.
type BatchResult struct {
	Succeeded int
	Failed    int
	Errors    []error
}

func (b BatchResult) Partial() bool { return b.Failed > 0 && b.Succeeded > 0 }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPrecondition) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
