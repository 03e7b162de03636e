/*
store.go - Persistence interfaces for buckets, transactions and users

PURPOSE:
  Defines the boundary between the ledger engine and the database. The
  engine never touches SQL; it reads and writes through these interfaces,
  always inside TxStore.WithTx so a bucket update and the transaction that
  describes it are committed together or not at all.

KEY INTERFACES:
  BucketStore:    Buckets and their query shapes (available, lapsed, ...)
  TransactionLog: Append-only ledger entries
  UserDirectory:  Identity lookups for import and export
  TxStore:        Atomic units of work

APPEND-ONLY CONTRACT:
  TransactionLog has no update or delete. Corrections are new entries.

OPTIMISTIC CONCURRENCY:
  UpdateBucket compares the bucket's Version with the stored one and
  returns ErrConcurrentModification when they differ. On success the
  stored version is incremented.

IMPLEMENTATIONS:
  - store/sqlite: SQLite with goose migrations
  - credits/store: In-memory, snapshot rollback, for tests and dev

SEE ALSO:
  - engine.go: The only writer
*/
package credits

import (
	"context"
	"time"
)

// =============================================================================
// BUCKET STORE
// =============================================================================

// BucketStore persists buckets.
type BucketStore interface {
	// CreateBucket inserts b and returns its assigned id.
	CreateBucket(ctx context.Context, b Bucket) (int64, error)

	// GetBucket returns ErrBucketNotFound when id is unknown.
	GetBucket(ctx context.Context, id int64) (Bucket, error)

	// UpdateBucket writes the mutable fields of b, guarded by b.Version.
	UpdateBucket(ctx context.Context, b Bucket) error

	// ListBuckets returns all buckets of a user, latest validity first.
	ListBuckets(ctx context.Context, userID int64) ([]Bucket, error)

	// AvailableBuckets returns buckets with Remaining > 0 and
	// ValidUntil >= asOf, ordered by ValidUntil ascending then id.
	AvailableBuckets(ctx context.Context, userID int64, asOf time.Time) ([]Bucket, error)

	// UnavailableBuckets returns buckets with Remaining == 0 or
	// ValidUntil < at, latest validity first.
	UnavailableBuckets(ctx context.Context, userID int64, at time.Time) ([]Bucket, error)

	// RefundableBuckets returns buckets with Used > 0 and ValidUntil > after,
	// ordered by ValidUntil descending then id.
	RefundableBuckets(ctx context.Context, userID int64, after time.Time) ([]Bucket, error)

	// LapsedBuckets returns buckets with Remaining > 0 and ValidUntil < now,
	// ordered by ValidUntil ascending. A nil userID selects every user.
	LapsedBuckets(ctx context.Context, userID *int64, now time.Time) ([]Bucket, error)

	// NoticeCandidates returns buckets with Remaining > 0, ValidUntil in
	// [from, until], and a notice stage that is nil or greater than stage.
	NoticeCandidates(ctx context.Context, from, until time.Time, stage int) ([]Bucket, error)

	// SumAvailable returns the sum of Remaining over buckets with ValidUntil >= at.
	SumAvailable(ctx context.Context, userID int64, at time.Time) (int64, error)
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

// TransactionLog is the append-only ledger.
type TransactionLog interface {
	// AppendTransaction persists tx and returns its assigned id.
	AppendTransaction(ctx context.Context, tx Transaction) (int64, error)

	// Transactions returns matching entries ordered by RecordedAt then id.
	Transactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)

	// AllTransactions returns every entry ordered by id.
	AllTransactions(ctx context.Context) ([]Transaction, error)
}

// =============================================================================
// USERS
// =============================================================================

// UserDirectory resolves user identities.
type UserDirectory interface {
	// GetUser returns nil, nil when the user does not exist.
	GetUser(ctx context.Context, id int64) (*User, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// Store is everything the engine reads and writes.
type Store interface {
	BucketStore
	TransactionLog
	UserDirectory
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
