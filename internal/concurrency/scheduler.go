// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Deadline scheduler: a single goroutine firing callbacks from a timer heap.
// Request, handshake and idle timeouts all go through here.

package concurrency

import (
	"container/heap"
	"sync"
	"time"

	"github.com/momentics/hioload-rpc/api"
	"github.com/sirupsen/logrus"
)

// Scheduler implements api.Scheduler.
type Scheduler struct {
	mu     sync.Mutex
	timerQ taskHeap
	seq    uint64
	closed bool
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	log    *logrus.Entry
}

var _ api.Scheduler = (*Scheduler)(nil)

// NewScheduler starts the scheduler goroutine.
func NewScheduler(log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Scheduler{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		log:    log.WithField("component", "scheduler"),
	}
	go s.run()
	return s
}

// Now returns the scheduler clock.
func (s *Scheduler) Now() time.Time { return time.Now() }

// AfterFunc schedules fn to run on the scheduler goroutine after d.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) api.Timer {
	t := &scheduledTask{at: time.Now().Add(d), fn: fn, index: -1, s: s}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return t
	}
	s.seq++
	t.seq = s.seq
	heap.Push(&s.timerQ, t)
	first := t.index == 0
	s.mu.Unlock()
	if first {
		s.wake()
	}
	return t
}

// Len returns the number of pending timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timerQ.Len()
}

// Close stops the goroutine. Pending timers never fire.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, t := range s.timerQ {
		t.index = -1
	}
	s.timerQ = nil
	s.mu.Unlock()
	close(s.stop)
	<-s.done
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		s.mu.Lock()
		if s.timerQ.Len() == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
			case <-s.stop:
				return
			}
			continue
		}

		task := s.timerQ[0]
		wait := time.Until(task.at)
		if wait <= 0 {
			heap.Pop(&s.timerQ)
			s.mu.Unlock()
			s.fire(task)
			continue
		}
		s.mu.Unlock()

		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-s.notify:
			timer.Stop()
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) fire(t *scheduledTask) {
	defer func() {
		if r := recover(); r != nil {
			if _, fatal := r.(*api.InvariantViolation); fatal {
				panic(r)
			}
			s.log.Errorf("timer callback panicked: %v", r)
		}
	}()
	t.fn()
}

// scheduledTask is one heap entry; index is -1 once fired or stopped.
type scheduledTask struct {
	at    time.Time
	seq   uint64
	fn    func()
	index int
	s     *Scheduler
}

// Stop removes the task from the heap.
func (t *scheduledTask) Stop() bool {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&s.timerQ, t.index)
	return true
}

type taskHeap []*scheduledTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*scheduledTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
