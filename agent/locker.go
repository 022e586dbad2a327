package agent

import (
	"context"
	"sync"
)

// threadLocker gives each thread a single writer. Locks are created on
// demand and dropped when the last holder or waiter leaves.
type threadLocker struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sem  chan struct{}
	refs int
}

func newThreadLocker() *threadLocker {
	return &threadLocker{locks: make(map[string]*threadLock)}
}

func (l *threadLocker) acquire(threadID string) *threadLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[threadID]
	if !ok {
		lk = &threadLock{sem: make(chan struct{}, 1)}
		l.locks[threadID] = lk
	}
	lk.refs++
	return lk
}

func (l *threadLocker) release(threadID string, lk *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, threadID)
	}
}

// TryLock takes the thread lock without waiting.
func (l *threadLocker) TryLock(threadID string) bool {
	lk := l.acquire(threadID)
	select {
	case lk.sem <- struct{}{}:
		return true
	default:
		l.release(threadID, lk)
		return false
	}
}

// Lock waits for the thread lock or ctx.
func (l *threadLocker) Lock(ctx context.Context, threadID string) error {
	lk := l.acquire(threadID)
	select {
	case lk.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(threadID, lk)
		return ctx.Err()
	}
}

// Unlock releases a lock taken by Lock or TryLock.
func (l *threadLocker) Unlock(threadID string) {
	l.mu.Lock()
	lk, ok := l.locks[threadID]
	l.mu.Unlock()
	if !ok {
		return
	}
	<-lk.sem
	l.release(threadID, lk)
}
