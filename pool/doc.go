// Package pool
// Author: momentics <momentics@gmail.com>
//
// Client connection pooling for hioload-rpc.
// Connections are leased per destination, reused most-recently-returned
// first, capped globally with FIFO waiters, and evicted least-recently-used
// across destinations when the cap is reached.
// See pool.go for the lease protocol and lruheap.go for the idle index.
package pool
