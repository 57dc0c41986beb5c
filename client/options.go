// File: client/options.go
// Package client defines functional options for the Client.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"crypto/tls"
	"time"

	"github.com/momentics/hioload-rpc/handshake"
)

// Option customizes client initialization.
type Option func(*Client)

// WithAddress sets the host:port of the server.
func WithAddress(addr string) Option {
	return func(cl *Client) {
		cl.cfg.Address = addr
	}
}

// WithTLS speaks TLS with the given handshake deadline.
func WithTLS(cfg *tls.Config, timeout time.Duration) Option {
	return func(cl *Client) {
		cl.cfg.TLS = cfg
		cl.cfg.HandshakeTimeout = timeout
	}
}

// WithSessionPolicy vetoes negotiated sessions.
func WithSessionPolicy(p handshake.Policy) Option {
	return func(cl *Client) {
		cl.cfg.Policy = p
	}
}

// WithRequestTimeout bounds each request; an expired request closes its
// connection and fails with api.ErrRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.cfg.RequestTimeout = d
	}
}

// WithConnectTimeout bounds connecting and handshaking, retries included.
func WithConnectTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.cfg.ConnectTimeout = d
	}
}

// WithDialRetries sets the connection attempts and the backoff between them.
func WithDialRetries(attempts int, min, max time.Duration) Option {
	return func(cl *Client) {
		cl.cfg.DialAttempts = attempts
		cl.cfg.BackoffMin = min
		cl.cfg.BackoffMax = max
	}
}
