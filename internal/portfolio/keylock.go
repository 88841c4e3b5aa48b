package portfolio

import (
	"sync"
	"time"
)

// keyedLock serializes operations per key (one writer per user). Locks
// are acquired with a timeout so a stuck holder surfaces as a retryable
// error instead of a deadlock. Slots are reference-counted and removed
// once the last interested goroutine leaves, so the map stays bounded
// by concurrent users rather than by every user id ever traded.
type keyedLock struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{slots: make(map[string]*lockSlot)}
}

// acquire takes the lock for key, waiting at most timeout. It returns a
// release func, or false if the wait timed out.
func (l *keyedLock) acquire(key string, timeout time.Duration) (func(), bool) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			l.put(key, slot)
		}, true
	case <-time.After(timeout):
		l.put(key, slot)
		return nil, false
	}
}

// put drops one reference and prunes the slot when nobody holds or
// waits on it.
func (l *keyedLock) put(key string, slot *lockSlot) {
	l.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}
