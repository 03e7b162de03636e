/*
errors.go - Centralized error types for the credit ledger

ERROR CATEGORIES:
  1. Validation errors - bad input, rejected before any mutation
  2. State conflicts   - the bucket or balance does not allow the operation
  3. Permission errors - raised by the gate before any read or write
  4. Store errors      - persistence failures and lost optimistic races

USAGE:
  var insufficient *credits.InsufficientCreditsError
  if errors.As(err, &insufficient) {
      // insufficient.Required, insufficient.Available
  }
*/
package credits

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidQuantity is returned when an amount or quantity is not positive.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrInvalidTotal is returned when a new bucket total would fall below
	// the credits already used or expired.
	ErrInvalidTotal = errors.New("invalid total")

	// ErrBucketExpired is returned when an operation requires a bucket that
	// is still valid.
	ErrBucketExpired = errors.New("bucket expired")

	// ErrBucketNotFound is returned when a bucket id does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrNothingToExpire is returned when expiring a bucket with no remaining credits.
	ErrNothingToExpire = errors.New("nothing to expire")

	// ErrInsufficientCredits is returned when the available credits cannot
	// cover a spend.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrNoTransactionsForOperation is returned when refunding an operation
	// id that has no transactions for the user.
	ErrNoTransactionsForOperation = errors.New("no transactions for operation")

	// ErrForbidden is returned when the permission gate denies an action.
	ErrForbidden = errors.New("forbidden")

	// ErrNoteRequired is returned when a manager action requires a private note.
	ErrNoteRequired = errors.New("private note required")

	// ErrConcurrentModification is returned when a bucket changed between
	// read and write. The operation can be retried.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidValidity is returned when a validity date is missing or
	// outside years 1 to 9999.
	ErrInvalidValidity = errors.New("invalid validity date")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditsError reports a spend that the user's credits could not cover.
type InsufficientCreditsError struct {
	UserID    int64
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: available %d, required %d", e.Available, e.Required)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// InvalidTotalError reports a total below the used+expired floor.
type InvalidTotalError struct {
	BucketID  int64
	Requested int64
	Minimum   int64
}

func (e *InvalidTotalError) Error() string {
	return fmt.Sprintf("invalid total for bucket %d: %d is less than %d", e.BucketID, e.Requested, e.Minimum)
}

func (e *InvalidTotalError) Unwrap() error { return ErrInvalidTotal }

// ForbiddenError reports a permission denial.
type ForbiddenError struct {
	SubjectID int64
	Action    string
	Scope     string
	UserID    int64
}

func (e *ForbiddenError) Error() string {
	if e.UserID != 0 {
		return fmt.Sprintf("forbidden: subject %d cannot %s user %d in scope %q", e.SubjectID, e.Action, e.UserID, e.Scope)
	}
	return fmt.Sprintf("forbidden: subject %d cannot %s in scope %q", e.SubjectID, e.Action, e.Scope)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidTotal) ||
		errors.Is(err, ErrInvalidValidity) ||
		errors.Is(err, ErrNoteRequired)
}

// IsConflict returns true if the error is a state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrBucketExpired) ||
		errors.Is(err, ErrNothingToExpire) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound) ||
		errors.Is(err, ErrNoTransactionsForOperation)
}
