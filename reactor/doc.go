// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor runs all socket I/O of the transport on one goroutine.
//
// A Reactor owns an epoll instance and every registered connection. Other
// goroutines never touch sockets: they push registrations, interest changes
// and cancellations onto queues and wake the loop. Complete inbound messages
// are handed to the connection's Endpoint on the reactor goroutine; lifecycle
// callbacks are delivered through the executor.
//
// Only Linux is supported; New returns api.ErrNotSupported elsewhere.
package reactor
