// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages of the fee ledger.
package shared

import (
	"errors"
	"fmt"
)

// Base error kinds. Every error returned by the ledger wraps exactly one of
// these so callers can branch with errors.Is().
var (
	// ErrValidation marks malformed or missing input, rejected before any state change.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown student, term, grade, destination or payment.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict marks uniqueness violations and lost activation races.
	ErrConflict = errors.New("conflict")

	// ErrScheduleFrozen marks an edit of a fee schedule entry that payments were allocated against.
	ErrScheduleFrozen = errors.New("fee schedule entry is frozen")

	// ErrNoActiveTerm is returned when an operation needs the current term and none is active.
	ErrNoActiveTerm = errors.New("no active term")

	// ErrBusy marks lock or transaction contention. The caller may retry.
	ErrBusy = errors.New("busy")

	// ErrForbidden marks an attempt to write ledger-owned state directly.
	ErrForbidden = errors.New("forbidden")

	// ErrUnset is returned by fee lookups for entries that were never configured.
	ErrUnset = errors.New("fee schedule entry unset")

	// ErrUnauthorized is used by the ingress adapter for missing or bad credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "student", "ledger", "term"
	Op      string // Operation that failed, e.g., "Enroll", "Append"
	Kind    error  // Base error kind for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching against both the kind and the cause.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Validationf builds a validation error with a formatted message.
func Validationf(domain, op, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, ErrValidation, fmt.Sprintf(format, args...))
}

// Term registry errors
var (
	ErrTermNotFound       = NewDomainError("term", "Find", ErrNotFound, "term not found")
	ErrNoTermActive       = NewDomainError("term", "CurrentActive", ErrNoActiveTerm, "no term is active")
	ErrActivationConflict = NewDomainError("term", "Activate", ErrConflict, "another activation won the race")
	ErrTermChanged        = NewDomainError("term", "Guard", ErrBusy, "active term changed during the operation")
	ErrTermNotOpen        = NewDomainError("term", "Bill", ErrValidation, "term has never been activated and cannot be billed")
)

// Fee schedule errors
var (
	ErrFeeUnset            = NewDomainError("fee", "Lookup", ErrUnset, "fee schedule entry is not set")
	ErrFeeFrozen           = NewDomainError("fee", "Set", ErrScheduleFrozen, "payments were allocated against this entry")
	ErrGradeNotFound       = NewDomainError("fee", "FindGrade", ErrNotFound, "grade not found")
	ErrDestinationNotFound = NewDomainError("fee", "FindDestination", ErrNotFound, "bus destination not found")
	ErrGradeExists         = NewDomainError("fee", "CreateGrade", ErrConflict, "grade name or level already used")
	ErrDestinationExists   = NewDomainError("fee", "CreateDestination", ErrConflict, "destination name already used")
	ErrFeeChanged          = NewDomainError("fee", "Guard", ErrBusy, "fee schedule changed during the operation")
)

// Student account errors
var (
	ErrStudentNotFound          = NewDomainError("student", "Find", ErrNotFound, "student not found")
	ErrDuplicateAdmissionNumber = NewDomainError("student", "Enroll", ErrConflict, "admission number already enrolled")
	ErrDestinationRequired      = NewDomainError("student", "Validate", ErrValidation, "destination is required when the student uses the bus")
	ErrStudentInactive          = NewDomainError("student", "CheckStatus", ErrValidation, "student is not active")
	ErrBalanceWrite             = NewDomainError("student", "Update", ErrForbidden, "balances are maintained by the ledger and cannot be written")
	ErrStudentVersion           = NewDomainError("student", "Update", ErrBusy, "student was modified concurrently")
)

// Payment ledger errors
var (
	ErrInvalidPayment    = NewDomainError("ledger", "Record", ErrValidation, "invalid payment")
	ErrInvalidMethod     = NewDomainError("ledger", "Record", ErrValidation, "unknown payment method")
	ErrPaymentNotFound   = NewDomainError("ledger", "Find", ErrNotFound, "payment not found")
	ErrAlreadyReversed   = NewDomainError("ledger", "Reverse", ErrConflict, "payment has already been reversed")
	ErrReverseReversal   = NewDomainError("ledger", "Reverse", ErrValidation, "a reversal cannot be reversed")
	ErrDuplicatePayment  = NewDomainError("ledger", "Append", ErrConflict, "idempotency key already used")
	ErrLedgerUnknownTerm = NewDomainError("ledger", "Project", ErrNotFound, "term is not part of the student's billing history")
	ErrLockTimeout       = NewDomainError("ledger", "Lock", ErrBusy, "timed out waiting for the student lock")
	ErrBarrierTimeout    = NewDomainError("ledger", "Barrier", ErrBusy, "timed out waiting for the term barrier")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsBusy checks if the error reports lock or transaction contention.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}
