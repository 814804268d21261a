package syncer

import (
	"sync"

	"concord/internal/gateway"
)

// keyedMutex serializes replication operations per user. Two sweeps for the
// same user must not interleave their snapshot writes; sweeps for different
// users may run concurrently.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[gateway.UserID]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[gateway.UserID]*userLock)}
}

// lock acquires the per-user lock and returns the matching unlock function.
func (k *keyedMutex) lock(user gateway.UserID) func() {
	k.mu.Lock()
	l, ok := k.locks[user]
	if !ok {
		l = &userLock{}
		k.locks[user] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, user)
		}
		k.mu.Unlock()
	}
}
