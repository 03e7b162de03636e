/*
engine.go - The ledger engine

PURPOSE:
  Engine is the only writer of buckets and transactions. Every mutating
  operation runs as one atomic unit through TxStore.WithTx, so a bucket
  change and the transaction describing it are never persisted apart.

CONCURRENCY:
  Two layers protect a user's buckets from concurrent spends:
    1. Locker: optional per-user lock held for the whole operation
       (in-process mutex or a redis lock across instances).
    2. Optimistic versions: UpdateBucket fails with
       ErrConcurrentModification when the row moved underneath us. The
       engine then re-runs the whole atomic unit, up to RetryAttempts.

NOTIFICATIONS:
  Sent after commit, never inside the unit. Failures are logged and
  swallowed; the ledger is the source of truth.

SEE ALSO:
  - spend.go:  IssueCredits, SpendCredits
  - refund.go: RefundOperation, RefundQuantity
  - manage.go: AdjustBucketTotal, ChangeBucketValidity, ExpireBucket
  - expiry.go: SweepExpired, SendExpiryNotices
*/
package credits

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/warp/credit-ledger/logging"
	"github.com/warp/credit-ledger/metrics"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04"

	defaultRetryAttempts      = 3
	defaultExpiringSoonWindow = 7 * 24 * time.Hour
)

// DefaultNoticeStages are the pre-expiry notice thresholds, in days.
var DefaultNoticeStages = []int{7, 30, 90}

// Locker serializes work on a key across goroutines or processes.
type Locker interface {
	// Lock blocks until the key is held or ctx is done. The returned
	// function releases it.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Options configures an Engine. Only Store is required.
type Options struct {
	Store    TxStore
	Notifier Notifier
	Managers ManagerDirectory
	Gate     Gate
	Locker   Locker
	Logger   *logging.Logger
	Metrics  *metrics.Ledger

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Location is used to render dates in reason descriptions.
	Location *time.Location

	// ExpiringSoonWindow classifies refunded credits that will lapse soon.
	ExpiringSoonWindow time.Duration

	// NoticeStages are the expiry notice thresholds in days.
	NoticeStages []int

	// RetryAttempts bounds re-runs of an atomic unit on concurrent modification.
	RetryAttempts int

	// NewOperationID generates spend operation ids. Defaults to uuid.NewString.
	NewOperationID func() string
}

// Engine applies ledger operations.
type Engine struct {
	store    TxStore
	notifier Notifier
	managers ManagerDirectory
	gate     Gate
	locker   Locker
	log      *logging.Logger
	metrics  *metrics.Ledger

	clock         func() time.Time
	loc           *time.Location
	expiringSoon  time.Duration
	noticeStages  []int
	retryAttempts int
	newOpID       func() string
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("credits: store is required")
	}
	e := &Engine{
		store:         opts.Store,
		notifier:      opts.Notifier,
		managers:      opts.Managers,
		gate:          opts.Gate,
		locker:        opts.Locker,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		clock:         opts.Clock,
		loc:           opts.Location,
		expiringSoon:  opts.ExpiringSoonWindow,
		retryAttempts: opts.RetryAttempts,
		newOpID:       opts.NewOperationID,
	}
	if e.notifier == nil {
		e.notifier = NopNotifier{}
	}
	if e.managers == nil {
		e.managers = StaticManagers(nil)
	}
	if e.gate == nil {
		e.gate = NewRoleGate(nil)
	}
	if e.log == nil {
		e.log = logging.Nop()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.expiringSoon <= 0 {
		e.expiringSoon = defaultExpiringSoonWindow
	}
	if e.retryAttempts <= 0 {
		e.retryAttempts = defaultRetryAttempts
	}
	if e.newOpID == nil {
		e.newOpID = uuid.NewString
	}

	stages := opts.NoticeStages
	if len(stages) == 0 {
		stages = DefaultNoticeStages
	}
	e.noticeStages = slices.Clone(stages)
	slices.Sort(e.noticeStages)

	return e, nil
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.clock()
}

// Location returns the location used for dates.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// =============================================================================
// PERMISSIONS
// =============================================================================

// RequireManage checks that subject may manage credits in scope.
func (e *Engine) RequireManage(ctx context.Context, subject Subject, scope string) error {
	return e.gate.CanManage(ctx, subject, scope)
}

// RequireManageUser checks that subject may manage userID's credits in scope.
func (e *Engine) RequireManageUser(ctx context.Context, subject Subject, scope string, userID int64) error {
	if err := e.gate.CanManage(ctx, subject, scope); err != nil {
		return err
	}
	return e.gate.InScope(ctx, subject, scope, userID)
}

// RequireAudit checks that subject may read ledgers in scope.
func (e *Engine) RequireAudit(ctx context.Context, subject Subject, scope string) error {
	return e.gate.CanAudit(ctx, subject, scope)
}

// RequireAuditUser checks that subject may read userID's ledger. Users can
// always read their own.
func (e *Engine) RequireAuditUser(ctx context.Context, subject Subject, scope string, userID int64) error {
	if subject.UserID == userID && subject.UserID != SystemUserID {
		return nil
	}
	if err := e.gate.CanAudit(ctx, subject, scope); err != nil {
		return err
	}
	return e.gate.InScope(ctx, subject, scope, userID)
}

// =============================================================================
// QUERIES
// =============================================================================

// AvailableCredits returns the credits of userID usable at t.
func (e *Engine) AvailableCredits(ctx context.Context, userID int64, at time.Time) (int64, error) {
	return e.store.SumAvailable(ctx, userID, at)
}

// Bucket returns one bucket.
func (e *Engine) Bucket(ctx context.Context, bucketID int64) (Bucket, error) {
	return e.store.GetBucket(ctx, bucketID)
}

// Buckets returns every bucket of userID.
func (e *Engine) Buckets(ctx context.Context, userID int64) ([]Bucket, error) {
	return e.store.ListBuckets(ctx, userID)
}

// AvailableBuckets returns the buckets userID can spend from now.
func (e *Engine) AvailableBuckets(ctx context.Context, userID int64) ([]Bucket, error) {
	return e.store.AvailableBuckets(ctx, userID, e.Now())
}

// UnavailableBuckets returns the depleted or lapsed buckets of userID.
func (e *Engine) UnavailableBuckets(ctx context.Context, userID int64) ([]Bucket, error) {
	return e.store.UnavailableBuckets(ctx, userID, e.Now())
}

// Transactions returns ledger entries matching filter.
func (e *Engine) Transactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	return e.store.Transactions(ctx, filter)
}

// =============================================================================
// INTERNALS
// =============================================================================

// atomically runs fn in one store transaction, re-running it when a
// concurrent writer won the optimistic race. fn must reset any state it
// accumulates, since it may run more than once.
func (e *Engine) atomically(ctx context.Context, op string, fn func(Store) error) error {
	var err error
	for attempt := 1; attempt <= e.retryAttempts; attempt++ {
		err = e.store.WithTx(ctx, fn)
		if err == nil || !IsRetryable(err) {
			break
		}
		e.log.Warn(e.log.WithFields(ctx, map[string]any{
			"operation": op,
			"attempt":   attempt,
		}), "concurrent modification, retrying")
	}
	e.metrics.ObserveOperation(op, err)
	return err
}

// lockUser holds the per-user lock when a Locker is configured.
func (e *Engine) lockUser(ctx context.Context, userID int64) (func(), error) {
	if e.locker == nil {
		return func() {}, nil
	}
	unlock, err := e.locker.Lock(ctx, fmt.Sprintf("credits:user:%d", userID))
	if err != nil {
		return nil, fmt.Errorf("lock user %d: %w", userID, err)
	}
	return unlock, nil
}

// save persists b and advances its local version to match the store.
func save(ctx context.Context, s Store, b *Bucket) error {
	if err := s.UpdateBucket(ctx, *b); err != nil {
		return err
	}
	b.Version++
	return nil
}

// record appends a transaction for b, freezing the reason description.
func (e *Engine) record(ctx context.Context, s Store, b Bucket, amount int64, reason Reason, note Note, opID string) error {
	args := maps.Clone(reason.Args())
	if loc, ok := reason.(Locator); ok {
		if args == nil {
			args = map[string]any{}
		}
		args["location_name"] = loc.LocationName()
		args["location_url"] = loc.LocationURL()
	}
	tx := Transaction{
		BucketID:          b.ID,
		UserID:            b.UserID,
		ActingUserID:      ActorFrom(ctx),
		Amount:            amount,
		Component:         reason.Component(),
		ReasonCode:        reason.Code(),
		ReasonArgs:        args,
		ReasonDescription: reason.Description(),
		PublicNote:        note.Public,
		PrivateNote:       note.Private,
		RecordedAt:        e.Now(),
		OperationID:       opID,
	}
	if _, err := s.AppendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("append transaction for bucket %d: %w", b.ID, err)
	}
	return nil
}

// notify delivers a notification, logging failures.
func (e *Engine) notify(ctx context.Context, recipientID int64, kind string, args map[string]any) {
	if err := e.notifier.Notify(ctx, recipientID, kind, args); err != nil {
		e.log.Error(e.log.WithFields(ctx, map[string]any{
			"recipient_id": recipientID,
			"kind":         kind,
		}), "notification failed", err)
	}
}

func (e *Engine) formatDate(t time.Time) string {
	return t.In(e.loc).Format(dateLayout)
}

func (e *Engine) formatDateTime(t time.Time) string {
	return t.In(e.loc).Format(dateTimeLayout)
}

func orDefault(r Reason, code string) Reason {
	if r == nil {
		return NewReason(code, nil)
	}
	return r
}
