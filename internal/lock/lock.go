// Package lock provides per-key mutual exclusion for settlement paths.
// Every balance-mutating operation on a user account runs under that user's
// lock; multi-user operations acquire locks in sorted key order to avoid
// deadlock.
package lock

import (
	"sort"
	"sync"
)

// KeyedMutex serializes operations per key
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty keyed mutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

// Acquire blocks until the key's lock is held and returns its release
// function. Entries are reference counted and removed once unused.
func (k *KeyedMutex) Acquire(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// AcquireAll acquires every key's lock in sorted order and returns a single
// release function. Duplicate keys are locked once.
func (k *KeyedMutex) AcquireAll(keys ...string) func() {
	unique := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			unique = append(unique, key)
		}
	}
	sort.Strings(unique)

	releases := make([]func(), 0, len(unique))
	for _, key := range unique {
		releases = append(releases, k.Acquire(key))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}
