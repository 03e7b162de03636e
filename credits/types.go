/*
Package credits provides the credit ledger engine.

PURPOSE:
  Tracks per-user prepaid credits. Credits are granted in discrete buckets,
  each with its own expiry date and usage counters. Spending draws from
  several buckets, refunds return credits to them, and expiry reclaims
  whatever was left unused when a bucket's validity passes.

KEY CONCEPTS IN THIS FILE (types.go):
  - Bucket: one grant of credits with total/used/expired/remaining counters
  - Transaction: an immutable ledger entry describing one balance change
  - User: identity fields used by import validation and exports

BUCKET INVARIANT:
  Total == Used + Expired + Remaining, for every bucket, after every
  operation. The transactions of a bucket always sum to its Remaining.

EXAMPLE FLOW:
  1. Issue 10 credits valid 30 days: bucket A, tx +10
  2. Issue 5 credits valid 10 days:  bucket B, tx +5
  3. Spend 12: B gives 5 (tx -5), A gives 7 (tx -7), same operation id
  4. Refund that operation: tx +5 on B, tx +7 on A

SEE ALSO:
  - engine.go: Engine construction and the atomic unit helper
  - store.go: Persistence interfaces
  - reason.go: Why a transaction happened
*/
package credits

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// SystemUserID is the acting user recorded for operations without a human actor.
const SystemUserID int64 = 0

// =============================================================================
// BUCKET - One grant of credits
// =============================================================================

// Bucket is a discrete grant of credits owned by one user.
type Bucket struct {
	ID        int64
	UserID    int64
	Total     int64
	Used      int64
	Expired   int64
	Remaining int64
	CreatedAt time.Time

	// ValidUntil is the last instant at which the credits can be spent.
	ValidUntil time.Time

	// ExpiryNoticeStage is the smallest notice threshold (in days) already
	// sent for the current validity period. Nil when none was sent.
	ExpiryNoticeStage *int

	// Version increases on every update. Stores reject updates whose
	// version does not match the persisted one.
	Version int64
}

// Balanced reports whether the bucket counters satisfy the ledger invariant.
func (b Bucket) Balanced() bool {
	return b.Total == b.Used+b.Expired+b.Remaining &&
		b.Total >= 0 && b.Used >= 0 && b.Expired >= 0 && b.Remaining >= 0
}

// IsAvailableAt reports whether credits can be drawn from the bucket at t.
func (b Bucket) IsAvailableAt(t time.Time) bool {
	return b.Remaining > 0 && !t.After(b.ValidUntil)
}

// IsLapsedAt reports whether the bucket's validity has passed at t.
func (b Bucket) IsLapsedAt(t time.Time) bool {
	return b.ValidUntil.Before(t)
}

// State is the derived lifecycle state of a bucket.
type State string

const (
	StateActive   State = "active"
	StateDepleted State = "depleted"
	StateExpired  State = "expired"
)

// StateAt derives the bucket state at t.
func (b Bucket) StateAt(t time.Time) State {
	switch {
	case b.Remaining > 0 && !b.IsLapsedAt(t):
		return StateActive
	case b.Expired > 0 && b.IsLapsedAt(t):
		return StateExpired
	default:
		return StateDepleted
	}
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

// Transaction records one change to a bucket. Positive amounts add or
// return credits, negative amounts consume or expire them, and zero amounts
// record events such as validity changes.
type Transaction struct {
	ID           int64
	BucketID     int64
	UserID       int64
	ActingUserID int64
	Amount       int64

	Component         string
	ReasonCode        string
	ReasonArgs        map[string]any
	ReasonDescription string

	PublicNote  string
	PrivateNote string
	RecordedAt  time.Time

	// OperationID groups the legs of one spend. Empty when not grouped.
	OperationID string
}

// TransactionFilter selects transactions. Zero fields are ignored.
type TransactionFilter struct {
	UserID      int64
	BucketID    int64
	OperationID string
}

// =============================================================================
// USERS
// =============================================================================

// User holds the identity fields the ledger needs from the user directory.
type User struct {
	ID        int64
	FirstName string
	LastName  string
	Email     string
}

// FullName returns "First Last", trimmed.
func (u User) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}
