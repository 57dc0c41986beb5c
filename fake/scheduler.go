// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"sync"
	"time"

	"github.com/momentics/hioload-rpc/api"
)

// ManualScheduler records timers and runs them only when the test fires
// them.
type ManualScheduler struct {
	clock  *Clock
	mu     sync.Mutex
	timers []*ManualTimer
}

// NewManualScheduler starts a scheduler at the fake clock's epoch.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{clock: NewClock()}
}

// Now implements api.Scheduler.
func (s *ManualScheduler) Now() time.Time { return s.clock.Now() }

// Advance moves the scheduler clock forward without firing anything.
func (s *ManualScheduler) Advance(d time.Duration) { s.clock.Advance(d) }

// AfterFunc implements api.Scheduler.
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) api.Timer {
	t := &ManualTimer{Delay: d, fn: fn}
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
	return t
}

// Timers returns every timer armed so far, oldest first.
func (s *ManualScheduler) Timers() []*ManualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ManualTimer(nil), s.timers...)
}

// Pending returns armed timers with the given delay that are neither
// stopped nor fired.
func (s *ManualScheduler) Pending(d time.Duration) []*ManualTimer {
	var out []*ManualTimer
	for _, t := range s.Timers() {
		if t.Delay == d && t.Armed() {
			out = append(out, t)
		}
	}
	return out
}

// ManualTimer is a timer of a ManualScheduler.
type ManualTimer struct {
	Delay time.Duration

	mu      sync.Mutex
	fn      func()
	stopped bool
	fired   bool
}

// Stop implements api.Timer.
func (t *ManualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Armed reports whether the timer is still waiting.
func (t *ManualTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}

// Fire runs the callback if the timer is armed.
func (t *ManualTimer) Fire() bool {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	t.mu.Unlock()
	t.fn()
	return true
}

// FireLate runs the callback even when the timer was stopped, as happens
// when Stop loses the race with a callback already handed to its goroutine.
func (t *ManualTimer) FireLate() {
	t.mu.Lock()
	t.fired = true
	t.mu.Unlock()
	t.fn()
}
