// File: handshake/tls_engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Engine backed by crypto/tls. The tls.Conn runs over an in-memory pipe: the
// handshake executes on a helper goroutine that parks whenever it needs peer
// bytes, and the Engine reports that as NeedUnwrap. Once the handshake is
// done the pipe turns non-blocking and records are processed inline.

package handshake

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// wouldBlock is a temporary net.Error; crypto/tls does not latch those, so
// the connection stays usable after a read finds the pipe empty.
type wouldBlock struct{}

func (wouldBlock) Error() string   { return "tls engine: would block" }
func (wouldBlock) Timeout() bool   { return true }
func (wouldBlock) Temporary() bool { return true }

var errWouldBlock net.Error = wouldBlock{}

type tlsEngine struct {
	conn *tls.Conn

	mu      sync.Mutex
	cond    *sync.Cond
	in      []byte
	out     []byte
	started bool
	parked  bool
	hsDone  bool
	hsErr   error
	closed  bool

	plain []byte
}

// NewClientEngine returns an Engine performing the client side of TLS.
func NewClientEngine(cfg *tls.Config) Engine {
	e := newTLSEngine()
	e.conn = tls.Client(pipe{e}, cfg)
	return e
}

// NewServerEngine returns an Engine performing the server side of TLS.
func NewServerEngine(cfg *tls.Config) Engine {
	e := newTLSEngine()
	e.conn = tls.Server(pipe{e}, cfg)
	return e
}

func newTLSEngine() *tlsEngine {
	e := &tlsEngine{plain: make([]byte, 16*1024)}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *tlsEngine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return NotHandshaking
	case !e.started:
		return NeedTask
	case len(e.out) > 0:
		return NeedWrap
	case e.hsDone && e.hsErr != nil:
		return NeedTask
	case e.hsDone:
		return Finished
	case e.parked && len(e.in) == 0:
		return NeedUnwrap
	default:
		return NeedTask
	}
}

// Task starts the handshake goroutine on first use, then waits until it
// parks for input, produces output or finishes.
func (e *tlsEngine) Task() func() error {
	return func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.started {
			e.started = true
			go e.handshake()
		}
		for !e.closed && !e.hsDone && len(e.out) == 0 && !(e.parked && len(e.in) == 0) {
			e.cond.Wait()
		}
		if e.closed {
			return net.ErrClosed
		}
		if e.hsDone && e.hsErr != nil && len(e.out) == 0 {
			return e.hsErr
		}
		return nil
	}
}

func (e *tlsEngine) handshake() {
	err := e.conn.Handshake()
	e.mu.Lock()
	e.hsDone = true
	e.hsErr = err
	e.parked = false
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *tlsEngine) Wrap(plain []byte) ([]byte, error) {
	if len(plain) > 0 {
		e.mu.Lock()
		ready := e.hsDone && e.hsErr == nil
		e.mu.Unlock()
		if !ready {
			return nil, errors.New("tls engine: write before handshake completed")
		}
		if _, err := e.conn.Write(plain); err != nil {
			return nil, err
		}
	}
	e.mu.Lock()
	chunk := e.out
	e.out = nil
	e.mu.Unlock()
	return chunk, nil
}

func (e *tlsEngine) Unwrap(cipher []byte) ([]byte, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, net.ErrClosed
	}
	e.in = append(e.in, cipher...)
	if !e.hsDone {
		e.parked = false
		e.cond.Broadcast()
		e.mu.Unlock()
		return nil, nil
	}
	e.mu.Unlock()

	var plain []byte
	for {
		n, err := e.conn.Read(e.plain)
		plain = append(plain, e.plain[:n]...)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne == errWouldBlock {
				return plain, nil
			}
			return plain, err
		}
	}
}

func (e *tlsEngine) ConnectionState() tls.ConnectionState {
	return e.conn.ConnectionState()
}

func (e *tlsEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
	return nil
}

// pipe is the net.Conn seen by crypto/tls.
type pipe struct{ e *tlsEngine }

func (p pipe) Read(b []byte) (int, error) {
	e := p.e
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.in) == 0 {
		if e.closed {
			return 0, io.EOF
		}
		if e.hsDone {
			return 0, errWouldBlock
		}
		e.parked = true
		e.cond.Broadcast()
		e.cond.Wait()
	}
	e.parked = false
	n := copy(b, e.in)
	e.in = e.in[n:]
	if len(e.in) == 0 {
		e.in = nil
	}
	return n, nil
}

func (p pipe) Write(b []byte) (int, error) {
	e := p.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, net.ErrClosed
	}
	e.out = append(e.out, b...)
	e.cond.Broadcast()
	return len(b), nil
}

func (p pipe) Close() error                       { return p.e.Close() }
func (pipe) LocalAddr() net.Addr                  { return pipeAddr{} }
func (pipe) RemoteAddr() net.Addr                 { return pipeAddr{} }
func (pipe) SetDeadline(time.Time) error          { return nil }
func (pipe) SetReadDeadline(time.Time) error      { return nil }
func (pipe) SetWriteDeadline(time.Time) error     { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "memory" }
func (pipeAddr) String() string  { return "tls-engine" }
