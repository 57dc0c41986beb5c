package concurrency

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPendingQueueDrainOrder(t *testing.T) {
	q := NewPendingQueue[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	assert.Equal(t, 5, q.Len())

	var got []int
	assert.Equal(t, 5, q.Drain(func(v int) { got = append(got, v) }))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Zero(t, q.Drain(func(int) { t.Fatal("queue should be empty") }))
}

func TestPendingQueuePushDuringDrain(t *testing.T) {
	q := NewPendingQueue[string]()
	q.Push("a")
	var got []string
	q.Drain(func(v string) {
		got = append(got, v)
		q.Push(v + "!")
	})
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 1, q.Len(), "items pushed while draining wait for the next drain")
}

func TestPendingQueueConcurrentProducers(t *testing.T) {
	q := NewPendingQueue[int]()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push(p*1000 + i)
			}
		}()
	}
	wg.Wait()

	last := make(map[int]int)
	n := q.Drain(func(v int) {
		p, i := v/1000, v%1000
		if prev, ok := last[p]; ok {
			assert.Greater(t, i, prev, "per-producer order is kept")
		}
		last[p] = i
	})
	assert.Equal(t, 800, n)
}
