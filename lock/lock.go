/*
Package lock provides keyed mutual exclusion for the ledger.

PURPOSE:
  The engine holds a per-user lock for the duration of a spend or refund
  so two requests for the same user never race on the same buckets. The
  scheduler takes a non-blocking lock per cycle so only one instance runs
  the sweeps.

IMPLEMENTATIONS:
  Local: In-process, for a single instance (and tests)
  Redis: SET NX PX with an owner token, released by a compare-and-delete
         script so an expired holder never frees somebody else's lock

Both implement credits.Locker (Lock) and scheduler.ClusterLock (TryAcquire).
*/
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired is returned when a lock could not be obtained in time.
var ErrNotAcquired = errors.New("lock not acquired")

// =============================================================================
// LOCAL
// =============================================================================

// Local is an in-process keyed mutex.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates a Local lock set.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	s := l.acquireSlot(key)
	select {
	case s.ch <- struct{}{}:
		return l.releaser(key, s), nil
	case <-ctx.Done():
		l.releaseSlot(key, s)
		return nil, ctx.Err()
	}
}

// TryAcquire takes key if it is free, without waiting.
func (l *Local) TryAcquire(_ context.Context, key string) (func(), bool, error) {
	s := l.acquireSlot(key)
	select {
	case s.ch <- struct{}{}:
		return l.releaser(key, s), true, nil
	default:
		l.releaseSlot(key, s)
		return nil, false, nil
	}
}

func (l *Local) releaser(key string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.releaseSlot(key, s)
		})
	}
}

func (l *Local) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) releaseSlot(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
