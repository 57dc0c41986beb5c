// Package fake
// Author: momentics <momentics@gmail.com>
//
// Line framed message buffer and a recording reactor endpoint for testing.

package fake

import (
	"bytes"
	"sync"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/reactor"
)

// LineBuffer frames messages terminated by '\n'.
type LineBuffer struct {
	data     []byte
	complete bool
	released bool
}

// NewLineBuffer returns an empty buffer.
func NewLineBuffer() *LineBuffer { return &LineBuffer{} }

// Write implements api.MessageBuffer.
func (b *LineBuffer) Write(p []byte) (int, error) {
	if b.released {
		return 0, api.ErrConnClosed
	}
	if b.complete {
		return len(p), nil
	}
	i := bytes.IndexByte(p, '\n')
	if i < 0 {
		b.data = append(b.data, p...)
		return 0, nil
	}
	b.data = append(b.data, p[:i+1]...)
	b.complete = true
	return len(p) - i - 1, nil
}

// Complete implements api.MessageBuffer.
func (b *LineBuffer) Complete() bool { return b.complete }

// Bytes implements api.MessageBuffer.
func (b *LineBuffer) Bytes() []byte { return b.data }

// Release implements api.MessageBuffer.
func (b *LineBuffer) Release() { b.released = true }

// Closed is a HandleClose observation.
type Closed struct {
	Conn *reactor.Conn
	Err  error
}

// Endpoint records reactor callbacks on channels. OnMessage, when set, runs
// on the reactor goroutine for each message.
type Endpoint struct {
	Opened    chan *reactor.Conn
	Messages  chan string
	ClosedCh  chan Closed
	Errors    chan error
	OnMessage func(c *reactor.Conn, line string)

	mu    sync.Mutex
	order map[*reactor.Conn][]string
}

// NewEndpoint buffers up to n events per channel.
func NewEndpoint(n int) *Endpoint {
	return &Endpoint{
		Opened:   make(chan *reactor.Conn, n),
		Messages: make(chan string, n),
		ClosedCh: make(chan Closed, n),
		Errors:   make(chan error, n),
		order:    make(map[*reactor.Conn][]string),
	}
}

// NewMessageBuffer implements reactor.Endpoint.
func (e *Endpoint) NewMessageBuffer(*reactor.Conn) api.MessageBuffer { return NewLineBuffer() }

// Dispatch implements reactor.Endpoint.
func (e *Endpoint) Dispatch(c *reactor.Conn, msg api.MessageBuffer) {
	line := string(msg.Bytes())
	msg.Release()
	e.mu.Lock()
	e.order[c] = append(e.order[c], "message")
	e.mu.Unlock()
	if e.OnMessage != nil {
		e.OnMessage(c, line)
	}
	e.Messages <- line
}

// HandleOpen implements reactor.Endpoint.
func (e *Endpoint) HandleOpen(c *reactor.Conn) {
	e.mu.Lock()
	e.order[c] = append(e.order[c], "open")
	e.mu.Unlock()
	e.Opened <- c
}

// HandleClose implements reactor.Endpoint.
func (e *Endpoint) HandleClose(c *reactor.Conn, err error) {
	e.mu.Lock()
	e.order[c] = append(e.order[c], "close")
	e.mu.Unlock()
	e.ClosedCh <- Closed{Conn: c, Err: err}
}

// HandleError implements reactor.ErrorHandler.
func (e *Endpoint) HandleError(err error) { e.Errors <- err }

// Events returns the callbacks c received, in order.
func (e *Endpoint) Events(c *reactor.Conn) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order[c]...)
}
