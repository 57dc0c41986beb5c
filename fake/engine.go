// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"crypto/tls"
	"sync"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/handshake"
)

// Step is one scripted handshake state. Out is what Wrap returns while the
// step is NeedWrap; Err is returned by the call that consumes the step.
type Step struct {
	Status handshake.Status
	Out    []byte
	Err    error
}

// Engine is a scripted handshake.Engine. Once the script is exhausted it
// reports Finished and passes application data through unchanged.
type Engine struct {
	mu       sync.Mutex
	steps    []Step
	pos      int
	received [][]byte
	tasks    int
	closed   bool

	State tls.ConnectionState
}

// NewEngine returns an engine running steps in order.
func NewEngine(steps ...Step) *Engine {
	return &Engine{steps: steps}
}

func (e *Engine) current() (Step, bool) {
	if e.pos >= len(e.steps) {
		return Step{Status: handshake.Finished}, false
	}
	return e.steps[e.pos], true
}

// Status implements handshake.Engine.
func (e *Engine) Status() handshake.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, _ := e.current()
	return st.Status
}

// Task implements handshake.Engine.
func (e *Engine) Task() func() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.current()
	if !ok || st.Status != handshake.NeedTask {
		return nil
	}
	return func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return api.ErrEngineClosed
		}
		e.tasks++
		e.pos++
		return st.Err
	}
}

// Wrap implements handshake.Engine.
func (e *Engine) Wrap(plain []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, api.ErrEngineClosed
	}
	st, ok := e.current()
	if !ok {
		return append([]byte(nil), plain...), nil
	}
	if st.Status != handshake.NeedWrap {
		return nil, nil
	}
	e.pos++
	return st.Out, st.Err
}

// Unwrap implements handshake.Engine.
func (e *Engine) Unwrap(cipher []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, api.ErrEngineClosed
	}
	st, ok := e.current()
	if !ok {
		return append([]byte(nil), cipher...), nil
	}
	if st.Status != handshake.NeedUnwrap {
		return nil, nil
	}
	e.received = append(e.received, append([]byte(nil), cipher...))
	e.pos++
	return nil, st.Err
}

// ConnectionState implements handshake.Engine.
func (e *Engine) ConnectionState() tls.ConnectionState { return e.State }

// Close implements handshake.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Received returns the handshake bytes passed to Unwrap.
func (e *Engine) Received() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.received...)
}

// TasksRun counts delegated tasks executed.
func (e *Engine) TasksRun() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks
}

// IsClosed reports whether Close ran.
func (e *Engine) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
