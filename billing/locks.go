package billing

import (
	"context"
	"fmt"
	"sync"
)

// AccountLocks is a table of per-resident mutexes whose acquisition can be
// abandoned through a context. Stores without row locks use it to build the
// WithAccount scope. There is no global lock: residents never contend with
// each other.
type AccountLocks struct {
	mu    sync.Mutex
	slots map[ResidentID]*lockSlot
}

type lockSlot struct {
	ch      chan struct{}
	waiters int
}

// NewAccountLocks returns an empty lock table.
func NewAccountLocks() *AccountLocks {
	return &AccountLocks{slots: make(map[ResidentID]*lockSlot)}
}

// Acquire blocks until the resident's lock is held or ctx is done. On
// success it returns the release func; on ctx expiry it returns an error
// wrapping ErrLockTimeout.
func (l *AccountLocks) Acquire(ctx context.Context, id ResidentID) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[id]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[id] = slot
	}
	slot.waiters++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.leave(id, slot)
		return nil, fmt.Errorf("%w: resident %s: %v", ErrLockTimeout, id, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.leave(id, slot)
		})
	}, nil
}

// leave drops the slot once nobody holds or waits on it.
func (l *AccountLocks) leave(id ResidentID, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.waiters--
	if slot.waiters == 0 {
		delete(l.slots, id)
	}
}
