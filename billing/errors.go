/*
errors.go - Error taxonomy for the billing engine

ERROR CATEGORIES:
  1. Validation   - caller input is wrong (amounts, plan fields, block length).
                    Recoverable by correcting input, never retried.
  2. Ownership    - enrolment does not belong to the family. Never retried.
  3. Schedule     - the walker cannot produce enough occurrences. Surfaced verbatim.
  4. Concurrency  - a concurrent mutation of the same enrolment was detected.
                    The ONLY retryable category (whole RecordPayment call).
  5. Store        - not found, duplicate idempotency key.

USAGE:
  if errors.Is(err, billing.ErrConcurrencyConflict) { retry }

  var verr *billing.ValidationError
  if errors.As(err, &verr) { ... verr.Field ... }

SEE ALSO:
  - api/handlers.go: HTTP status mapping
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrOwnership = errors.New("enrolment does not belong to family")

	ErrScheduleResolution = errors.New("cannot resolve occurrence schedule")

	// ErrConcurrencyConflict is returned when a version check or lock detects
	// a concurrent mutation. Safe to retry the whole RecordPayment call.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned by stores when (family, key)
	// already exists. RecordPayment checks before writing, so callers only see
	// it when two transactions race past the check.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type OwnershipError struct {
	EnrolmentID EnrolmentID
	FamilyID    FamilyID
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("enrolment %s does not belong to family %s", e.EnrolmentID, e.FamilyID)
}

func (e *OwnershipError) Unwrap() error { return ErrOwnership }

type ScheduleResolutionError struct {
	EnrolmentID EnrolmentID
	Needed      int
	Found       int
	Reason      string
}

func (e *ScheduleResolutionError) Error() string {
	msg := fmt.Sprintf("cannot resolve schedule: %s (needed %d occurrences, found %d)", e.Reason, e.Needed, e.Found)
	if e.EnrolmentID != "" {
		msg = fmt.Sprintf("enrolment %s: %s", e.EnrolmentID, msg)
	}
	return msg
}

func (e *ScheduleResolutionError) Unwrap() error { return ErrScheduleResolution }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError. Exported for store implementations.
func NotFound(kind string, id any) error {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

// ConflictError wraps a concurrency conflict with the enrolment it hit.
type ConflictError struct {
	EnrolmentID EnrolmentID
	Detail      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of enrolment %s: %s", e.EnrolmentID, e.Detail)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if retrying the whole call might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrOwnership) ||
		errors.Is(err, ErrScheduleResolution)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
