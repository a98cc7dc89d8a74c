package keylock

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	locker := New[uint64]()

	const workers = 32
	counter := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			unlock := locker.Lock(7)
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Fatalf("expected %d increments, got %d", workers, counter)
	}
}

func TestDistinctKeysDoNotBlock(t *testing.T) {
	locker := New[string]()

	unlockA := locker.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := locker.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}

func TestEntriesAreReleased(t *testing.T) {
	locker := New[int]()
	for i := 0; i < 100; i++ {
		unlock := locker.Lock(i)
		unlock()
	}
	locker.mu.Lock()
	remaining := len(locker.locks)
	locker.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected all lock entries reclaimed, %d remain", remaining)
	}
}
