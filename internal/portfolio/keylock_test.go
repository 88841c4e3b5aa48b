package portfolio

import (
	"testing"
	"time"
)

func TestKeyedLock_PrunesIdleSlots(t *testing.T) {
	l := newKeyedLock()

	release, ok := l.acquire("u1", time.Second)
	if !ok {
		t.Fatal("expected to acquire a free lock")
	}
	if len(l.slots) != 1 {
		t.Fatalf("expected one live slot, got %d", len(l.slots))
	}
	release()
	if len(l.slots) != 0 {
		t.Fatalf("released slot should be pruned, got %d live", len(l.slots))
	}

	// A timed-out waiter must drop its reference too.
	release, _ = l.acquire("u1", time.Second)
	if _, ok := l.acquire("u1", 10*time.Millisecond); ok {
		t.Fatal("expected the second acquire to time out")
	}
	if len(l.slots) != 1 {
		t.Fatalf("held slot must survive a waiter timeout, got %d live", len(l.slots))
	}
	release()
	if len(l.slots) != 0 {
		t.Fatalf("expected empty slot map after release, got %d live", len(l.slots))
	}
}

func TestKeyedLock_ExclusionSurvivesPruning(t *testing.T) {
	l := newKeyedLock()

	release, _ := l.acquire("u1", time.Second)
	release()

	// Reacquire after the slot was pruned and recreated.
	release, ok := l.acquire("u1", time.Second)
	if !ok {
		t.Fatal("expected to reacquire after pruning")
	}
	defer release()

	if _, ok := l.acquire("u1", 10*time.Millisecond); ok {
		t.Fatal("lock must still exclude a second holder")
	}
}
