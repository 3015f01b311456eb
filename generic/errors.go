/*
errors.go - Centralized error taxonomy

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure surfaced to a caller maps to exactly one ErrorKind, which is
  the machine-readable value placed on the wire next to a human message.

ERROR CATEGORIES:
  1. Identity errors   - Unauthorized, Forbidden
  2. Lookup errors     - NotFound
  3. Ledger errors     - InsufficientSessions, InvariantViolation
  4. Sequence errors   - ExhaustedSequence, ConflictDuplicate
  5. Receipt errors    - AlreadyCancelled
  6. Input errors      - Validation, AlreadyExists

RETRY POLICY:
  Only ConflictDuplicate is retried, and only inside the sequence allocator.
  Everything else is terminal for the request. ExhaustedSequence is never
  retried: it means the domain needs operator attention.

USAGE:
  Errors are built with github.com/cockroachdb/errors so that callers can add
  a human hint without losing the sentinel:

    return errors.WithHint(
        errors.Wrapf(generic.ErrNotFound, "ledger %d", code),
        "No subscription matches this barcode")

SEE ALSO:
  - api/handlers.go: writeError maps kinds to HTTP status
  - sequence/allocator.go: the only place ConflictDuplicate is retried
*/
package generic

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnauthorized is returned when no identity accompanies a request.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned on a role or ownership mismatch.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned when a barcode, receipt, session or member
	// does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientSessions is returned when a ledger has no session left.
	ErrInsufficientSessions = errors.New("insufficient sessions")

	// ErrExhaustedSequence is returned when the allocator scanned
	// MaxScanAttempts values without finding a free one.
	ErrExhaustedSequence = errors.New("exhausted sequence")

	// ErrConflictDuplicate is returned when the store rejects an insert on a
	// unique identifier column.
	ErrConflictDuplicate = errors.New("conflict: duplicate identifier")

	// ErrAlreadyCancelled is returned when cancelling a cancelled receipt.
	ErrAlreadyCancelled = errors.New("receipt already cancelled")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrAlreadyExists is returned when a caller-chosen key is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvariantViolation is returned when a guarded update would break
	// 0 <= remaining <= purchased.
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

// =============================================================================
// ERROR KINDS - Machine-readable values for the wire
// =============================================================================

type ErrorKind string

const (
	KindUnauthorized         ErrorKind = "Unauthorized"
	KindForbidden            ErrorKind = "Forbidden"
	KindNotFound             ErrorKind = "NotFound"
	KindInsufficientSessions ErrorKind = "InsufficientSessions"
	KindExhaustedSequence    ErrorKind = "ExhaustedSequence"
	KindConflictDuplicate    ErrorKind = "ConflictDuplicate"
	KindAlreadyCancelled     ErrorKind = "AlreadyCancelled"
	KindValidation           ErrorKind = "Validation"
	KindAlreadyExists        ErrorKind = "AlreadyExists"
	KindInvariantViolation   ErrorKind = "InvariantViolation"
	KindInternal             ErrorKind = "Internal"
)

var kindTable = []struct {
	sentinel error
	kind     ErrorKind
	status   int
}{
	{ErrUnauthorized, KindUnauthorized, http.StatusUnauthorized},
	{ErrForbidden, KindForbidden, http.StatusForbidden},
	{ErrNotFound, KindNotFound, http.StatusNotFound},
	{ErrInsufficientSessions, KindInsufficientSessions, http.StatusBadRequest},
	{ErrExhaustedSequence, KindExhaustedSequence, http.StatusServiceUnavailable},
	{ErrConflictDuplicate, KindConflictDuplicate, http.StatusConflict},
	{ErrAlreadyCancelled, KindAlreadyCancelled, http.StatusConflict},
	{ErrValidation, KindValidation, http.StatusBadRequest},
	{ErrAlreadyExists, KindAlreadyExists, http.StatusConflict},
	{ErrInvariantViolation, KindInvariantViolation, http.StatusConflict},
}

// KindOf returns the machine-readable kind of err, or KindInternal.
func KindOf(err error) ErrorKind {
	for _, k := range kindTable {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindInternal
}

// HTTPStatus returns the HTTP-equivalent status for err.
func HTTPStatus(err error) int {
	for _, k := range kindTable {
		if errors.Is(err, k.sentinel) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientSessionsError reports the ledger state at rejection time.
type InsufficientSessionsError struct {
	Code      LedgerCode
	Remaining int
	Purchased int
}

func (e *InsufficientSessionsError) Error() string {
	return fmt.Sprintf("insufficient sessions: ledger %d has %d of %d remaining",
		e.Code, e.Remaining, e.Purchased)
}

func (e *InsufficientSessionsError) Unwrap() error { return ErrInsufficientSessions }

// ForbiddenError reports which capability check failed.
type ForbiddenError struct {
	StaffID StaffID
	Role    Role
	Action  Action
	Reason  string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s (%s) cannot %s: %s", e.StaffID, e.Role, e.Action, e.Reason)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// ExhaustedSequenceError reports the scan window that was fully taken.
type ExhaustedSequenceError struct {
	Domain   SequenceDomain
	From     int64
	Attempts int
}

func (e *ExhaustedSequenceError) Error() string {
	return fmt.Sprintf("exhausted sequence %s: %d values from %d are all taken",
		e.Domain, e.Attempts, e.From)
}

func (e *ExhaustedSequenceError) Unwrap() error { return ErrExhaustedSequence }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflictDuplicate)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	status := HTTPStatus(err)
	return status >= 400 && status < 500
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Message returns the human-readable message for err: its hints when any
// were attached, otherwise the error text.
func Message(err error) string {
	if hints := errors.FlattenHints(err); hints != "" {
		return hints
	}
	return err.Error()
}

// Validationf builds a validation error with a hint shown to the user.
func Validationf(format string, args ...any) error {
	return errors.WithHint(
		errors.Wrapf(ErrValidation, format, args...),
		fmt.Sprintf(format, args...))
}
