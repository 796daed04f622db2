/*
locks.go - Keyed row locks with a fixed global acquisition order

PURPOSE:
  Stores without native row locks use RowLocks to give
  LockUser / LockReward the same semantics as SELECT ... FOR UPDATE: one
  holder per row, waiters block until release.

ORDERING:
  Keys sort by kind first (user < reward), then by id. A unit of work may
  only acquire a key that is not smaller than any key it already holds.
  Every transaction therefore climbs the same order, so no cycle of
  waiters can form.

CANCELLATION:
  A waiter whose context is done gives up and returns ctx.Err(). It never
  held the row, so nothing needs undoing.
*/
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type LockKind int

const (
	LockKindUser LockKind = iota
	LockKindReward
)

func (k LockKind) String() string {
	switch k {
	case LockKindUser:
		return "user"
	case LockKindReward:
		return "reward"
	}
	return "unknown"
}

// LockKey identifies one row.
type LockKey struct {
	Kind LockKind
	ID   int64
}

func UserLock(id UserID) LockKey     { return LockKey{Kind: LockKindUser, ID: int64(id)} }
func RewardLock(id RewardID) LockKey { return LockKey{Kind: LockKindReward, ID: int64(id)} }

func (k LockKey) Less(o LockKey) bool {
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	return k.ID < o.ID
}

func (k LockKey) String() string { return fmt.Sprintf("%s:%d", k.Kind, k.ID) }

// CheckOrder validates that key may be locked after the keys in held.
// It reports whether key is already held; re-locking a held row is allowed.
func CheckOrder(held []LockKey, key LockKey) (bool, error) {
	for _, k := range held {
		if k == key {
			return true, nil
		}
		if key.Less(k) {
			return false, fmt.Errorf("%w: %s after %s", ErrLockOrder, key, k)
		}
	}
	return false, nil
}

// =============================================================================
// ROW LOCKS
// =============================================================================

// RowLocks is a table of per-row mutexes. Entries are reference counted and
// removed once nobody holds or waits on them.
type RowLocks struct {
	mu   sync.Mutex
	rows map[LockKey]*rowLock
}

type rowLock struct {
	sem  chan struct{}
	refs int
}

func NewRowLocks() *RowLocks {
	return &RowLocks{rows: make(map[LockKey]*rowLock)}
}

func (l *RowLocks) ref(key LockKey) *rowLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.rows[key]
	if !ok {
		rl = &rowLock{sem: make(chan struct{}, 1)}
		l.rows[key] = rl
	}
	rl.refs++
	return rl
}

func (l *RowLocks) unref(key LockKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl := l.rows[key]
	rl.refs--
	if rl.refs == 0 {
		delete(l.rows, key)
	}
}

func (l *RowLocks) acquire(ctx context.Context, key LockKey) error {
	rl := l.ref(key)
	select {
	case rl.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.unref(key)
		return ctx.Err()
	}
}

func (l *RowLocks) release(key LockKey) {
	l.mu.Lock()
	rl := l.rows[key]
	l.mu.Unlock()
	<-rl.sem
	l.unref(key)
}

// Begin starts tracking the locks of one unit of work.
func (l *RowLocks) Begin() *HeldLocks {
	return &HeldLocks{locks: l}
}

// =============================================================================
// HELD LOCKS - Per unit of work
// =============================================================================

// HeldLocks is not safe for concurrent use; a unit of work runs on one goroutine.
type HeldLocks struct {
	locks  *RowLocks
	held   []LockKey
	waited time.Duration
}

// Acquire blocks until the row is free. Re-acquiring a held key is a no-op.
func (h *HeldLocks) Acquire(ctx context.Context, key LockKey) error {
	already, err := CheckOrder(h.held, key)
	if err != nil || already {
		return err
	}
	start := time.Now()
	if err := h.locks.acquire(ctx, key); err != nil {
		return err
	}
	h.waited += time.Since(start)
	h.held = append(h.held, key)
	return nil
}

// Holds reports whether key is currently held.
func (h *HeldLocks) Holds(key LockKey) bool {
	for _, k := range h.held {
		if k == key {
			return true
		}
	}
	return false
}

// ReleaseAll releases in reverse acquisition order.
func (h *HeldLocks) ReleaseAll() {
	for i := len(h.held) - 1; i >= 0; i-- {
		h.locks.release(h.held[i])
	}
	h.held = nil
}

// Waited is the total time spent blocked in Acquire.
func (h *HeldLocks) Waited() time.Duration { return h.waited }
