// Package multimutex provides a set of mutexes keyed by wallet id.
package multimutex

import (
	"fmt"
	"sync"
)

// cntMutex is a mutex paired with the number of callers holding or
// waiting for it.
type cntMutex struct {
	cnt int
	sync.Mutex
}

// Mutex keeps one mutex per key. Only one goroutine holds the mutex of a
// given key at a time; different keys never block each other.
type Mutex[K comparable] struct {
	// mutexes maps a key to its cntMutex. An entry exists only while at
	// least one caller holds or waits for it.
	mutexes map[K]*cntMutex

	mapMtx sync.Mutex
}

// NewMutex creates a new Mutex.
func NewMutex[K comparable]() *Mutex[K] {
	return &Mutex[K]{
		mutexes: make(map[K]*cntMutex),
	}
}

// Lock locks the mutex of the given key, blocking until it is available.
func (c *Mutex[K]) Lock(key K) {
	c.mapMtx.Lock()
	mtx, ok := c.mutexes[key]
	if ok {
		mtx.cnt++
	} else {
		mtx = &cntMutex{cnt: 1}
		c.mutexes[key] = mtx
	}
	c.mapMtx.Unlock()

	mtx.Lock()
}

// Unlock unlocks the mutex of the given key. It is a run-time error if the
// key is not locked on entry to Unlock.
func (c *Mutex[K]) Unlock(key K) {
	c.mapMtx.Lock()

	mtx, ok := c.mutexes[key]
	if !ok {
		c.mapMtx.Unlock()
		panic(fmt.Sprintf("double unlock for key %v", key))
	}

	// The entry can be dropped once the last waiter is done; any later
	// caller creates a fresh one under mapMtx.
	mtx.cnt--
	if mtx.cnt == 0 {
		delete(c.mutexes, key)
	}
	c.mapMtx.Unlock()

	mtx.Unlock()
}

// Len returns the number of keys currently held or waited on.
func (c *Mutex[K]) Len() int {
	c.mapMtx.Lock()
	defer c.mapMtx.Unlock()
	return len(c.mutexes)
}
