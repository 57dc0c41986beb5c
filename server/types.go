// File: server/types.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/momentics/hioload-rpc/protocol"
	"github.com/momentics/hioload-rpc/reactor"
	"golang.org/x/time/rate"
)

// ErrAlreadyResponded is returned by a second Respond for the same request.
var ErrAlreadyResponded = errors.New("server: response already sent")

// Config holds all server-side configuration parameters.
type Config struct {
	Limits         protocol.Limits    // request framing limits
	TLS            *reactor.TLSConfig // nil serves plaintext
	Backlog        int                // listen backlog, 0 = system default
	RequestTimeout time.Duration      // handler deadline, 0 = none
	IdleTimeout    time.Duration      // close connections idle this long, 0 = never
	IdleSweep      time.Duration      // idle check period, defaults to IdleTimeout/2
	AcceptRate     rate.Limit         // accepted connections per second, 0 = unlimited
	AcceptBurst    int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Limits:      protocol.DefaultLimits(),
		IdleTimeout: 2 * time.Minute,
		AcceptBurst: 64,
	}
}

// ResponseWriter completes one request. Respond may be called from any
// goroutine, after ServeRPC has returned, but only once.
type ResponseWriter interface {
	// Header is sent with the response. Not safe for concurrent use.
	Header() http.Header
	// Respond queues the response. Responses leave the connection in request
	// order regardless of the order handlers finish.
	Respond(status int, body []byte) error
}

// Handler serves RPC requests. The request body is fully buffered and the
// request context ends when the connection closes.
type Handler interface {
	ServeRPC(req *http.Request, w ResponseWriter)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *http.Request, w ResponseWriter)

// ServeRPC calls f.
func (f HandlerFunc) ServeRPC(req *http.Request, w ResponseWriter) { f(req, w) }

// Middleware augments a Handler.
type Middleware func(Handler) Handler

// NewHandlerChain applies middleware in order: first in slice is outermost.
func NewHandlerChain(base Handler, mw ...Middleware) Handler {
	h := base
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
