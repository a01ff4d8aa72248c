// Package batchrun orchestrates parallel execution of a command across
// every package in a workspace dependency graph, respecting declared
// dependencies, persisting resumable state, and distinguishing retriable
// from permanent failures.
//
// The package graph itself, and the mechanics of actually invoking a
// command in a package's directory, are supplied by the caller; batchrun
// is the scheduler and recovery layer sitting on top of both.
package batchrun

import (
	"sync"
	"sync/atomic"
)

var atExit struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// RegisterAtExit registers fn to run during RunAtExit, in registration
// order, so cleanup still happens when Execute returns early via a fatal
// error. Nothing in this module registers a function yet.
func RegisterAtExit(fn func() error) {
	if atomic.LoadUint32(&atExit.closed) != 0 {
		panic("BUG: RegisterAtExit must not be called from an atExit func")
	}
	atExit.Lock()
	defer atExit.Unlock()
	atExit.fns = append(atExit.fns, fn)
}

// RunAtExit runs every registered at-exit function, stopping at (and
// returning) the first error.
func RunAtExit() error {
	atomic.StoreUint32(&atExit.closed, 1)
	for _, fn := range atExit.fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
