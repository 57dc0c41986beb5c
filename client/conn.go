// File: client/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/protocol"
	"github.com/momentics/hioload-rpc/reactor"
	"github.com/sirupsen/logrus"
)

// clientConn is the pooled form of a dialled reactor connection.
type clientConn struct {
	c     *reactor.Conn
	ready chan struct{}
	uses  atomic.Int32

	mu      sync.Mutex
	method  string
	results chan *protocol.Message
	got     bool
}

func newClientConn() *clientConn {
	return &clientConn{ready: make(chan struct{})}
}

// expect arms the connection for the response to a request with method.
func (cc *clientConn) expect(method string) <-chan *protocol.Message {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.method = method
	cc.results = make(chan *protocol.Message, 1)
	cc.got = false
	return cc.results
}

// deliver hands msg to the waiting request, reporting false when nobody
// waits for it.
func (cc *clientConn) deliver(msg *protocol.Message) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.results == nil {
		return false
	}
	cc.results <- msg
	cc.results = nil
	cc.got = true
	return true
}

func (cc *clientConn) answered() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.got
}

func (cc *clientConn) requestMethod() string {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.method
}

// Close implements pool.Conn. Idempotent.
func (cc *clientConn) Close() error {
	cc.c.Close()
	return nil
}

// Closed lets the pool skip connections the server already closed.
func (cc *clientConn) Closed() bool { return cc.c.Closed() }

func connOf(c *reactor.Conn) *clientConn {
	cc, _ := c.Attachment().(*clientConn)
	return cc
}

// NewMessageBuffer implements reactor.Endpoint.
func (cl *Client) NewMessageBuffer(c *reactor.Conn) api.MessageBuffer {
	method := ""
	if cc := connOf(c); cc != nil {
		method = cc.requestMethod()
	}
	return protocol.NewResponseMessage(cl.cfg.Limits, method)
}

// Dispatch implements reactor.Endpoint.
func (cl *Client) Dispatch(c *reactor.Conn, msg api.MessageBuffer) {
	m := msg.(*protocol.Message)
	cc := connOf(c)
	if cc == nil || !cc.deliver(m) {
		m.Release()
		cl.log.WithField("conn", c.ID()).Warn("unsolicited response, closing connection")
		c.Abort(api.ErrConnClosed)
	}
}

// HandleOpen implements reactor.Endpoint.
func (cl *Client) HandleOpen(c *reactor.Conn) {
	if cc := connOf(c); cc != nil {
		close(cc.ready)
	}
	cl.log.WithFields(logrus.Fields{"conn": c.ID(), "local": c.LocalAddr()}).Debug("connected")
}

// HandleClose implements reactor.Endpoint.
func (cl *Client) HandleClose(c *reactor.Conn, err error) {
	entry := cl.log.WithField("conn", c.ID())
	if cc := connOf(c); cc != nil && cl.pool.DropIdle(cc) {
		entry.Debug("idle connection left the pool")
	}
	if err != nil && !api.IsRemoteClosed(err) {
		entry.WithError(err).Debug("connection failed")
		return
	}
	entry.Debug("connection closed")
}
