// File: reactor/types.go
// Author: momentics <momentics@gmail.com>
//
// Contracts between the reactor and the protocol endpoints it serves.

package reactor

import (
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/handshake"
)

// Endpoint is the protocol side of a connection.
type Endpoint interface {
	// NewMessageBuffer returns an empty framing buffer for the next inbound
	// message on c. Called on the reactor goroutine.
	NewMessageBuffer(c *Conn) api.MessageBuffer

	// Dispatch receives each complete message in arrival order, on the
	// reactor goroutine. It must not block; the buffer now belongs to the
	// endpoint.
	Dispatch(c *Conn, msg api.MessageBuffer)

	// HandleOpen runs on the executor once c is connected and, for TLS,
	// handshaken.
	HandleOpen(c *Conn)

	// HandleClose runs on the executor exactly once per connection. err is
	// nil for a local graceful close and a *api.ConnError otherwise.
	HandleClose(c *Conn, err error)
}

// ErrorHandler is implemented by endpoints that want failures not bound to a
// single connection, such as a broken poller.
type ErrorHandler interface {
	HandleError(err error)
}

// AcceptFilter decides whether an accepted socket is kept.
type AcceptFilter func(remote net.Addr) bool

// TLSConfig enables TLS on a dial or listener.
type TLSConfig struct {
	Config  *tls.Config
	Policy  handshake.Policy
	Timeout time.Duration
	// Engine overrides the crypto/tls engine built from Config.
	Engine func() handshake.Engine
}

// DialConfig parameterizes Reactor.Dial.
type DialConfig struct {
	TLS *TLSConfig
	// Attachment is available from Conn.Attachment before any callback runs.
	Attachment any
}

// ListenConfig parameterizes Reactor.Listen.
type ListenConfig struct {
	TLS     *TLSConfig
	Filter  AcceptFilter
	Backlog int
}

type interest uint8

const (
	opRead interest = 1 << iota
	opWrite
)

type readyEvent struct {
	fd    int
	read  bool
	write bool
	err   bool
}

var errWouldBlock = errors.New("would block")
