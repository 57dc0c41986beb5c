// File: internal/concurrency/pending.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Multi-producer, single-consumer queue of pending work items. Any goroutine
// may Push; only the owning loop drains.

package concurrency

import (
	"sync"

	"github.com/eapache/queue"
)

// PendingQueue is a mutex guarded FIFO of T.
type PendingQueue[T any] struct {
	mu sync.Mutex
	q  *queue.Queue
}

// NewPendingQueue creates an empty queue.
func NewPendingQueue[T any]() *PendingQueue[T] {
	return &PendingQueue[T]{q: queue.New()}
}

// Push appends v.
func (p *PendingQueue[T]) Push(v T) {
	p.mu.Lock()
	p.q.Add(v)
	p.mu.Unlock()
}

// Len returns the number of queued items.
func (p *PendingQueue[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Length()
}

// Drain removes every queued item and applies fn to each in FIFO order.
// fn runs without the lock held, so it may Push again; such items are left
// for the next Drain.
func (p *PendingQueue[T]) Drain(fn func(T)) int {
	p.mu.Lock()
	n := p.q.Length()
	if n == 0 {
		p.mu.Unlock()
		return 0
	}
	items := make([]T, n)
	for i := 0; i < n; i++ {
		items[i] = p.q.Remove().(T)
	}
	p.mu.Unlock()

	for _, v := range items {
		fn(v)
	}
	return n
}
