package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := km.Acquire("user-1")
			defer release()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()

	release := km.Acquire("user-1")
	defer release()

	done := make(chan struct{})
	go func() {
		r := km.Acquire("user-2")
		r()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked behind held lock")
	}
}

func TestKeyedMutexReleaseIsIdempotent(t *testing.T) {
	km := NewKeyedMutex()

	release := km.Acquire("user-1")
	release()
	release()

	// Lock must be reacquirable after double release
	release2 := km.Acquire("user-1")
	release2()
}

func TestAcquireAllOrdersAndDeduplicates(t *testing.T) {
	km := NewKeyedMutex()

	// Opposite orderings of the same pair must not deadlock
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release := km.AcquireAll("alice", "bob")
			release()
		}()
		go func() {
			defer wg.Done()
			release := km.AcquireAll("bob", "alice")
			release()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("AcquireAll deadlocked")
	}

	// Self-transfer: duplicate key locks once and releases cleanly
	release := km.AcquireAll("alice", "alice")
	release()
	r := km.Acquire("alice")
	r()
}

func TestEntriesAreReclaimed(t *testing.T) {
	km := NewKeyedMutex()
	release := km.Acquire("user-1")
	release()

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.locks)
}
