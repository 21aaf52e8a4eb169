package session

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// TransportLock is the exclusive claim on the doorbell audio transport.
// At most one holder exists at a time.
type TransportLock struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	holder string
}

// NewTransportLock creates an unheld lock.
func NewTransportLock() *TransportLock {
	return &TransportLock{sem: semaphore.NewWeighted(1)}
}

// TryAcquire claims the lock for holder without blocking.
func (l *TransportLock) TryAcquire(holder string) bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.mu.Lock()
	l.holder = holder
	l.mu.Unlock()
	return true
}

// Release gives the lock up. It is a no-op unless holder holds it.
func (l *TransportLock) Release(holder string) bool {
	l.mu.Lock()
	if l.holder == "" || l.holder != holder {
		l.mu.Unlock()
		return false
	}
	l.holder = ""
	l.mu.Unlock()
	l.sem.Release(1)
	return true
}

// Holder returns the current holder, or "" when free.
func (l *TransportLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
