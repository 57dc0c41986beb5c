// File: internal/concurrency/executor.go
// Package concurrency implements the worker pool consuming the dispatch queue.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor dispatches tasks to worker goroutines through one unbounded FIFO
// queue. Submit never blocks, which is what the reactor relies on; workers block
// on the queue while idle and may block arbitrarily inside a task.

package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-rpc/api"
	"github.com/sirupsen/logrus"
)

// TaskFunc is a unit of work to execute.
type TaskFunc func()

// Executor manages a resizable pool of worker goroutines.
type Executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   *queue.Queue // of TaskFunc
	workers []*worker
	nextID  int
	closed  bool
	wg      sync.WaitGroup
	log     *logrus.Entry

	// statistics
	totalTasks     int64
	completedTasks int64
	panics         int64
}

// NewExecutor creates a new Executor with the given number of workers.
// If numWorkers <= 0, defaults to runtime.NumCPU().
func NewExecutor(numWorkers int, log *logrus.Entry) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Executor{
		queue: queue.New(),
		log:   log.WithField("component", "executor"),
	}
	e.cond = sync.NewCond(&e.mu)
	for i := 0; i < numWorkers; i++ {
		e.AddWorker()
	}
	return e
}

// Submit enqueues a task for execution, returning ErrExecutorClosed if executor is closed.
func (e *Executor) Submit(task func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.queue.Add(TaskFunc(task))
	e.mu.Unlock()
	atomic.AddInt64(&e.totalTasks, 1)
	e.cond.Signal()
	return nil
}

// Queued returns the number of tasks waiting for a worker.
func (e *Executor) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Length()
}

// NumWorkers returns the current number of active workers.
func (e *Executor) NumWorkers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

// AddWorker starts one more worker goroutine.
func (e *Executor) AddWorker() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	w := e.newWorker()
	e.workers = append(e.workers, w)
	e.wg.Add(1)
	go w.run()
}

// RemoveWorker asks the most recently added worker to exit once its current
// task, if any, finishes. The last worker is never removed.
func (e *Executor) RemoveWorker() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.workers) <= 1 {
		return false
	}
	w := e.workers[len(e.workers)-1]
	e.workers = e.workers[:len(e.workers)-1]
	w.stop = true
	e.cond.Broadcast()
	return true
}

// Resize adjusts the worker count to n (minimum one).
func (e *Executor) Resize(n int) {
	if n < 1 {
		n = 1
	}
	for cur := e.NumWorkers(); cur < n; cur++ {
		e.AddWorker()
	}
	for cur := e.NumWorkers(); cur > n; cur-- {
		if !e.RemoveWorker() {
			break
		}
	}
}

// Close stops accepting tasks, lets workers finish what is queued and waits
// for them to exit.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
	e.wg.Wait()
}

// Stats returns basic executor metrics.
func (e *Executor) Stats() map[string]int64 {
	total := atomic.LoadInt64(&e.totalTasks)
	done := atomic.LoadInt64(&e.completedTasks)
	return map[string]int64{
		"total_tasks":     total,
		"completed_tasks": done,
		"pending_tasks":   total - done,
		"panics":          atomic.LoadInt64(&e.panics),
		"num_workers":     int64(e.NumWorkers()),
	}
}

// worker represents a single executor goroutine.
type worker struct {
	id       int
	executor *Executor
	stop     bool // guarded by executor.mu
}

// newWorker is the worker factory; caller holds e.mu.
func (e *Executor) newWorker() *worker {
	e.nextID++
	return &worker{id: e.nextID, executor: e}
}

// next blocks until a task is available or the worker must exit.
func (w *worker) next() (TaskFunc, bool) {
	e := w.executor
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if w.stop {
			// hand a possibly consumed wakeup on to a live worker
			e.cond.Signal()
			return nil, false
		}
		if e.queue.Length() > 0 {
			return e.queue.Remove().(TaskFunc), true
		}
		if e.closed {
			return nil, false
		}
		e.cond.Wait()
	}
}

func (w *worker) run() {
	defer w.executor.wg.Done()
	for {
		task, ok := w.next()
		if !ok {
			return
		}
		w.executeTask(task)
	}
}

// executeTask runs the task and updates statistics, recovering from panics.
// Invariant violations are re-raised: they are logic bugs, not task failures.
func (w *worker) executeTask(task TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			if _, fatal := r.(*api.InvariantViolation); fatal {
				panic(r)
			}
			atomic.AddInt64(&w.executor.panics, 1)
			w.executor.log.WithField("worker", w.id).Errorf("task panicked: %v", r)
		}
		atomic.AddInt64(&w.executor.completedTasks, 1)
	}()
	task()
}
