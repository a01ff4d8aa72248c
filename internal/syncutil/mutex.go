// Package syncutil holds the small concurrency primitives the engine
// needs beyond what sync and golang.org/x/sync provide directly. The
// teacher reaches for bare sync.Mutex fields throughout; Mutex here
// generalises that to the destroyable contract the engine's
// shared mutable state (published versions, the execution context
// record) requires when accessed from outside the single-writer main
// loop. No pack dependency offers a destroyable mutex, so this is built
// directly on stdlib sync.Cond.
package syncutil

import (
	"errors"
	"sync"
)

// ErrDestroyed is returned by Lock once Destroy has been called, whether
// the caller was already waiting or calls Lock afterward.
var ErrDestroyed = errors.New("syncutil: mutex destroyed")

// Mutex generalises sync.Mutex with a terminal Destroy state. The zero
// value is not usable; construct with NewMutex.
type Mutex struct {
	mu        sync.Mutex
	cond      *sync.Cond
	locked    bool
	destroyed bool
}

func NewMutex() *Mutex {
	m := &Mutex{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Lock blocks until the mutex is free. Unlock wakes every waiter with
// sync.Cond's Broadcast and whichever reacquires first takes the lock:
// waiters are not served in arrival (FIFO) order. Returns
// ErrDestroyed without acquiring anything if Destroy has been called,
// whether before this call or while it was waiting.
func (m *Mutex) Lock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.locked && !m.destroyed {
		m.cond.Wait()
	}
	if m.destroyed {
		return ErrDestroyed
	}
	m.locked = true
	return nil
}

// Unlock releases the mutex. Calling Unlock when it is not held is a
// benign no-op, matching the spec's idempotence requirement.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		return
	}
	m.locked = false
	m.cond.Broadcast()
}

// Destroy marks the mutex permanently unusable and wakes every waiter so
// they return ErrDestroyed instead of blocking forever.
func (m *Mutex) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed = true
	m.cond.Broadcast()
}

// RunExclusive acquires the mutex, runs fn, and releases the mutex even
// if fn returns an error. If the mutex is destroyed, fn is never called
// and ErrDestroyed is returned.
func (m *Mutex) RunExclusive(fn func() error) error {
	if err := m.Lock(); err != nil {
		return err
	}
	defer m.Unlock()
	return fn()
}
