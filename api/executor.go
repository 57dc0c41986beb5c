// Package api
// Author: momentics
//
// Executor and timer contracts shared by the reactor, servers and clients.

package api

import "time"

// Executor abstracts the worker pool consuming the dispatch queue.
type Executor interface {
	// Submit schedules task for execution. It never blocks.
	Submit(task func()) error

	// NumWorkers returns current number of active worker routines.
	NumWorkers() int

	// Resize adjusts the concurrency at runtime.
	Resize(newCount int)
}

// Timer is a scheduled callback.
type Timer interface {
	// Stop cancels the callback. It reports false if the callback already ran
	// or was stopped before.
	Stop() bool
}

// Scheduler runs deadline callbacks on its own goroutine. Callbacks must be
// short; they communicate with the reactor through its queues.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}
