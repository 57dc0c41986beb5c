// File: reactor/conn.go
// Author: momentics <momentics@gmail.com>
//
// Connection state. Fields in the first block belong to the reactor
// goroutine; the mu block is shared with writers on other goroutines.

package reactor

import (
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/handshake"
	"github.com/valyala/bytebufferpool"
)

type connState uint8

const (
	stateConnecting connState = iota
	stateHandshaking
	stateOpen
	stateClosed
)

// Conn is a non-blocking socket registered with a Reactor.
type Conn struct {
	id     uint64
	fd     int
	r      *Reactor
	ep     Endpoint
	remote *net.TCPAddr
	client bool
	attach any

	// reactor goroutine only
	state        connState
	interest     interest
	registered   bool
	msg          api.MessageBuffer
	hs           *handshake.Driver
	tlsCfg       *TLSConfig
	engine       handshake.Engine
	outbound     []byte
	outBuf       *bytebufferpool.ByteBuffer
	closePending bool

	mu              sync.Mutex
	pending         *bytebufferpool.ByteBuffer
	closeAfterWrite bool
	closing         bool
	tlsState        *tls.ConnectionState
	local           net.Addr

	cbMu      sync.Mutex
	cbs       []func()
	cbRunning bool

	closed atomic.Bool
	done   chan struct{}
	err    error
}

// ID is unique per reactor.
func (c *Conn) ID() uint64 { return c.id }

// RemoteAddr is the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// LocalAddr is the bound local address, once connected.
func (c *Conn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// IsClient reports whether the connection was dialed rather than accepted.
func (c *Conn) IsClient() bool { return c.client }

// Attachment returns the value given in DialConfig or SetAttachment.
func (c *Conn) Attachment() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attach
}

// SetAttachment associates v with the connection.
func (c *Conn) SetAttachment(v any) {
	c.mu.Lock()
	c.attach = v
	c.mu.Unlock()
}

// ConnectionState returns the negotiated TLS parameters, if any.
func (c *Conn) ConnectionState() (tls.ConnectionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tlsState == nil {
		return tls.ConnectionState{}, false
	}
	return *c.tlsState, true
}

// Write appends p to the outbound buffer and asks the reactor for a
// writable notification. Safe from any goroutine.
func (c *Conn) Write(p []byte) error {
	return c.enqueue(p, false)
}

// WriteAndClose writes p and closes the connection once it is flushed.
func (c *Conn) WriteAndClose(p []byte) error {
	return c.enqueue(p, true)
}

func (c *Conn) enqueue(p []byte, closeAfter bool) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return api.ErrConnClosed
	}
	if len(p) > 0 {
		if c.pending == nil {
			c.pending = bytebufferpool.Get()
		}
		c.pending.Write(p)
	}
	if closeAfter {
		c.closeAfterWrite = true
		c.closing = true
	}
	c.mu.Unlock()
	c.r.requestWrite(c)
	return nil
}

// Close shuts the connection down after pending writes are flushed. A
// connection still connecting is closed as soon as the connect completes.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.r.cancel(c, nil, false, false)
}

// Abort tears the connection down immediately, reporting err to the
// endpoint.
func (c *Conn) Abort(err error) {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.r.cancel(c, err, true, false)
}

// Closed reports whether teardown happened.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Done is closed after teardown.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err is the teardown reason; valid once Done is closed.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

// takePending swaps out the shared write buffer.
func (c *Conn) takePending() (*bytebufferpool.ByteBuffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.pending
	c.pending = nil
	return buf, c.closeAfterWrite
}

func (c *Conn) hasPending() (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil && c.pending.Len() > 0, c.closeAfterWrite
}

func (c *Conn) role() string {
	if c.client {
		return control.RoleClient
	}
	return control.RoleServer
}
