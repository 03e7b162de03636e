// Package store provides an in-memory credits.TxStore.
package store

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/warp/credit-ledger/credits"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements credits.TxStore. Transactions are simulated with a
// snapshot of the whole state, restored when the function fails.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	buckets      map[int64]credits.Bucket
	transactions []credits.Transaction
	users        map[int64]credits.User
	nextBucketID int64
	nextTxID     int64
}

func NewMemory() *Memory {
	return &Memory{st: &state{
		buckets: make(map[int64]credits.Bucket),
		users:   make(map[int64]credits.User),
	}}
}

// SaveUser adds or replaces a user.
func (m *Memory) SaveUser(_ context.Context, u credits.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.users[u.ID] = u
	return nil
}

// WithTx executes fn within a transaction.
func (m *Memory) WithTx(ctx context.Context, fn func(credits.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// =============================================================================
// LOCKED ACCESSORS
// =============================================================================

func (m *Memory) CreateBucket(ctx context.Context, b credits.Bucket) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateBucket(ctx, b)
}

func (m *Memory) GetBucket(ctx context.Context, id int64) (credits.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetBucket(ctx, id)
}

func (m *Memory) UpdateBucket(ctx context.Context, b credits.Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateBucket(ctx, b)
}

func (m *Memory) ListBuckets(ctx context.Context, userID int64) ([]credits.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListBuckets(ctx, userID)
}

func (m *Memory) AvailableBuckets(ctx context.Context, userID int64, asOf time.Time) ([]credits.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.AvailableBuckets(ctx, userID, asOf)
}

func (m *Memory) UnavailableBuckets(ctx context.Context, userID int64, at time.Time) ([]credits.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.UnavailableBuckets(ctx, userID, at)
}

func (m *Memory) RefundableBuckets(ctx context.Context, userID int64, after time.Time) ([]credits.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.RefundableBuckets(ctx, userID, after)
}

func (m *Memory) LapsedBuckets(ctx context.Context, userID *int64, now time.Time) ([]credits.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.LapsedBuckets(ctx, userID, now)
}

func (m *Memory) NoticeCandidates(ctx context.Context, from, until time.Time, stage int) ([]credits.Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.NoticeCandidates(ctx, from, until, stage)
}

func (m *Memory) SumAvailable(ctx context.Context, userID int64, at time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.SumAvailable(ctx, userID, at)
}

func (m *Memory) AppendTransaction(ctx context.Context, tx credits.Transaction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendTransaction(ctx, tx)
}

func (m *Memory) Transactions(ctx context.Context, filter credits.TransactionFilter) ([]credits.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Transactions(ctx, filter)
}

func (m *Memory) AllTransactions(ctx context.Context) ([]credits.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.AllTransactions(ctx)
}

func (m *Memory) GetUser(ctx context.Context, id int64) (*credits.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetUser(ctx, id)
}

// =============================================================================
// STATE - unlocked, used directly as the transactional view
// =============================================================================

func (s *state) clone() *state {
	c := &state{
		buckets:      make(map[int64]credits.Bucket, len(s.buckets)),
		transactions: slices.Clone(s.transactions),
		users:        maps.Clone(s.users),
		nextBucketID: s.nextBucketID,
		nextTxID:     s.nextTxID,
	}
	for id, b := range s.buckets {
		c.buckets[id] = copyBucket(b)
	}
	return c
}

func (s *state) CreateBucket(_ context.Context, b credits.Bucket) (int64, error) {
	s.nextBucketID++
	b.ID = s.nextBucketID
	b.Version = 0
	s.buckets[b.ID] = copyBucket(b)
	return b.ID, nil
}

func (s *state) GetBucket(_ context.Context, id int64) (credits.Bucket, error) {
	b, ok := s.buckets[id]
	if !ok {
		return credits.Bucket{}, credits.ErrBucketNotFound
	}
	return copyBucket(b), nil
}

func (s *state) UpdateBucket(_ context.Context, b credits.Bucket) error {
	current, ok := s.buckets[b.ID]
	if !ok {
		return credits.ErrBucketNotFound
	}
	if current.Version != b.Version {
		return credits.ErrConcurrentModification
	}
	b.UserID = current.UserID
	b.CreatedAt = current.CreatedAt
	b.Version++
	s.buckets[b.ID] = copyBucket(b)
	return nil
}

func (s *state) ListBuckets(_ context.Context, userID int64) ([]credits.Bucket, error) {
	out := s.filter(func(b credits.Bucket) bool { return b.UserID == userID })
	slices.SortFunc(out, byValidUntilDesc)
	return out, nil
}

func (s *state) AvailableBuckets(_ context.Context, userID int64, asOf time.Time) ([]credits.Bucket, error) {
	out := s.filter(func(b credits.Bucket) bool {
		return b.UserID == userID && b.Remaining > 0 && !b.ValidUntil.Before(asOf)
	})
	slices.SortFunc(out, byValidUntilAsc)
	return out, nil
}

func (s *state) UnavailableBuckets(_ context.Context, userID int64, at time.Time) ([]credits.Bucket, error) {
	out := s.filter(func(b credits.Bucket) bool {
		return b.UserID == userID && (b.Remaining == 0 || b.ValidUntil.Before(at))
	})
	slices.SortFunc(out, byValidUntilDesc)
	return out, nil
}

func (s *state) RefundableBuckets(_ context.Context, userID int64, after time.Time) ([]credits.Bucket, error) {
	out := s.filter(func(b credits.Bucket) bool {
		return b.UserID == userID && b.Used > 0 && b.ValidUntil.After(after)
	})
	slices.SortFunc(out, byValidUntilDesc)
	return out, nil
}

func (s *state) LapsedBuckets(_ context.Context, userID *int64, now time.Time) ([]credits.Bucket, error) {
	out := s.filter(func(b credits.Bucket) bool {
		if userID != nil && b.UserID != *userID {
			return false
		}
		return b.Remaining > 0 && b.ValidUntil.Before(now)
	})
	slices.SortFunc(out, byValidUntilAsc)
	return out, nil
}

func (s *state) NoticeCandidates(_ context.Context, from, until time.Time, stage int) ([]credits.Bucket, error) {
	out := s.filter(func(b credits.Bucket) bool {
		if b.Remaining <= 0 || b.ValidUntil.Before(from) || b.ValidUntil.After(until) {
			return false
		}
		return b.ExpiryNoticeStage == nil || *b.ExpiryNoticeStage > stage
	})
	slices.SortFunc(out, byValidUntilAsc)
	return out, nil
}

func (s *state) SumAvailable(_ context.Context, userID int64, at time.Time) (int64, error) {
	var sum int64
	for _, b := range s.buckets {
		if b.UserID == userID && !b.ValidUntil.Before(at) {
			sum += b.Remaining
		}
	}
	return sum, nil
}

func (s *state) AppendTransaction(_ context.Context, tx credits.Transaction) (int64, error) {
	if _, ok := s.buckets[tx.BucketID]; !ok {
		return 0, credits.ErrBucketNotFound
	}
	s.nextTxID++
	tx.ID = s.nextTxID
	tx.ReasonArgs = maps.Clone(tx.ReasonArgs)
	s.transactions = append(s.transactions, tx)
	return tx.ID, nil
}

func (s *state) Transactions(_ context.Context, f credits.TransactionFilter) ([]credits.Transaction, error) {
	var out []credits.Transaction
	for _, tx := range s.transactions {
		if f.UserID != 0 && tx.UserID != f.UserID {
			continue
		}
		if f.BucketID != 0 && tx.BucketID != f.BucketID {
			continue
		}
		if f.OperationID != "" && tx.OperationID != f.OperationID {
			continue
		}
		out = append(out, copyTx(tx))
	}
	slices.SortStableFunc(out, func(a, b credits.Transaction) int {
		if c := a.RecordedAt.Compare(b.RecordedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *state) AllTransactions(_ context.Context) ([]credits.Transaction, error) {
	out := make([]credits.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		out = append(out, copyTx(tx))
	}
	return out, nil
}

func (s *state) GetUser(_ context.Context, id int64) (*credits.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *state) filter(keep func(credits.Bucket) bool) []credits.Bucket {
	var out []credits.Bucket
	for _, b := range s.buckets {
		if keep(b) {
			out = append(out, copyBucket(b))
		}
	}
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

func byValidUntilAsc(a, b credits.Bucket) int {
	if c := a.ValidUntil.Compare(b.ValidUntil); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func byValidUntilDesc(a, b credits.Bucket) int {
	if c := b.ValidUntil.Compare(a.ValidUntil); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func copyBucket(b credits.Bucket) credits.Bucket {
	if b.ExpiryNoticeStage != nil {
		stage := *b.ExpiryNoticeStage
		b.ExpiryNoticeStage = &stage
	}
	return b
}

func copyTx(tx credits.Transaction) credits.Transaction {
	tx.ReasonArgs = maps.Clone(tx.ReasonArgs)
	return tx
}
