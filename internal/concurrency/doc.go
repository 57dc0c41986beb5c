// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives shared by the reactor, servers and clients: a
// resizable worker pool fed by an unbounded FIFO, a deadline scheduler
// running timer callbacks on one goroutine, and the pending queues the
// reactor drains on wakeup.
package concurrency
