// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the core interfaces.

package fake

import (
	"io"
	"sync"

	"github.com/momentics/hioload-rpc/api"
)

// Transport is a non-blocking handshake.Transport backed by memory. Reads
// return queued chunks and (0, nil) once they run out.
type Transport struct {
	mu       sync.Mutex
	inbound  [][]byte
	sent     []byte
	eof      bool
	readErr  error
	writeErr error

	// WriteLimit caps the bytes accepted per Write, 0 = unlimited.
	WriteLimit int
	// Blocked makes Write accept nothing.
	Blocked bool
}

// NewTransport creates an empty transport.
func NewTransport() *Transport {
	return &Transport{}
}

// Read implements handshake.Transport.
func (t *Transport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr != nil {
		return 0, t.readErr
	}
	if len(t.inbound) == 0 {
		if t.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, t.inbound[0])
	if n == len(t.inbound[0]) {
		t.inbound = t.inbound[1:]
	} else {
		t.inbound[0] = t.inbound[0][n:]
	}
	return n, nil
}

// Write implements handshake.Transport.
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return 0, t.writeErr
	}
	if t.Blocked {
		return 0, nil
	}
	n := len(p)
	if t.WriteLimit > 0 && n > t.WriteLimit {
		n = t.WriteLimit
	}
	t.sent = append(t.sent, p[:n]...)
	return n, nil
}

// Feed queues bytes for Read.
func (t *Transport) Feed(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbound = append(t.inbound, append([]byte(nil), data...))
}

// CloseRemote makes Read report io.EOF after queued data.
func (t *Transport) CloseRemote() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eof = true
}

// SetReadError makes Read fail.
func (t *Transport) SetReadError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readErr = err
}

// SetWriteError makes Write fail.
func (t *Transport) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// Sent returns everything written so far.
func (t *Transport) Sent() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.sent...)
}

// Sink records what is written to a connection.
type Sink struct {
	mu     sync.Mutex
	writes []string
	closed bool
}

// Write appends p as one write.
func (s *Sink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return api.ErrConnClosed
	}
	s.writes = append(s.writes, string(p))
	return nil
}

// WriteAndClose writes p and marks the sink closed.
func (s *Sink) WriteAndClose(p []byte) error {
	if err := s.Write(p); err != nil {
		return err
	}
	s.Close()
	return nil
}

// Close marks the sink closed.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether Close ran.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Writes returns the writes in order.
func (s *Sink) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}
