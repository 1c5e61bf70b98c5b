package download_counter

import (
	"sync"

	cs "github.com/isseis/go-book-catalog/counter_store"
)

// keyedMutex hands out one mutex per item. Entries are dropped once no goroutine
// holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[cs.ItemID]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until the mutex for id is held and returns the function releasing it.
func (k *keyedMutex) Lock(id cs.ItemID) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[cs.ItemID]*refMutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// size returns the number of live entries.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
