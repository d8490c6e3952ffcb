package util

import (
	"sync/atomic"
)

// RunOnce is a function wrapper that calls the underlying function at most once
//
// Returns true when the wrapped function is actually called by this invocation
//
// This can be used to protect e.g. resource releasing or cleanup, which must be idempotent
type RunOnce func() bool

// NewRunOnce creates a RunOnce that would call the given "f" at most once
func NewRunOnce(f func()) RunOnce {
	invoked := &atomic.Bool{}
	return func() bool {
		if invoked.CompareAndSwap(false, true) {
			f()
			return true
		}
		return false
	}
}
