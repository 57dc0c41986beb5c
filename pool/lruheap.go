// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package pool

import "container/heap"

// lruHeap is a min-heap of idle entries ordered by last access. Entries keep
// their own index so arbitrary removal stays O(log n).
type lruHeap []*entry

func (h lruHeap) Len() int { return len(h) }

func (h lruHeap) Less(i, j int) bool {
	if h[i].lastAccess.Equal(h[j].lastAccess) {
		return h[i].seq < h[j].seq
	}
	return h[i].lastAccess.Before(h[j].lastAccess)
}

func (h lruHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *lruHeap) Push(x any) {
	e := x.(*entry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}

func (h *lruHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}

func (h *lruHeap) add(e *entry) { heap.Push(h, e) }

func (h *lruHeap) remove(e *entry) {
	if e.heapIdx >= 0 {
		heap.Remove(h, e.heapIdx)
	}
}

// oldest returns the least recently used entry without removing it.
func (h lruHeap) oldest() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
