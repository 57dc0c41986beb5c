// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"crypto/tls"
	"time"

	"github.com/momentics/hioload-rpc/handshake"
	"github.com/momentics/hioload-rpc/protocol"
	"github.com/momentics/hioload-rpc/reactor"
	"golang.org/x/time/rate"
)

// Option customizes server initialization.
type Option func(*Server)

// WithMiddleware attaches middleware in FIFO order.
func WithMiddleware(mw ...Middleware) Option {
	return func(s *Server) {
		s.middleware = append(s.middleware, mw...)
	}
}

// WithTLS serves TLS with the given handshake deadline.
func WithTLS(cfg *tls.Config, timeout time.Duration) Option {
	return func(s *Server) {
		if s.cfg.TLS == nil {
			s.cfg.TLS = &reactor.TLSConfig{}
		}
		s.cfg.TLS.Config = cfg
		s.cfg.TLS.Timeout = timeout
	}
}

// WithSessionPolicy vetoes negotiated sessions. It has no effect without TLS.
func WithSessionPolicy(p handshake.Policy) Option {
	return func(s *Server) {
		if s.cfg.TLS != nil {
			s.cfg.TLS.Policy = p
		}
	}
}

// WithRequestTimeout closes a connection whose handler has not responded in d.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.cfg.RequestTimeout = d
	}
}

// WithIdleTimeout closes connections without traffic for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.cfg.IdleTimeout = d
	}
}

// WithAcceptRate throttles new connections.
func WithAcceptRate(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		s.cfg.AcceptRate = limit
		s.cfg.AcceptBurst = burst
	}
}

// WithLimits overrides the request framing limits.
func WithLimits(l protocol.Limits) Option {
	return func(s *Server) {
		s.cfg.Limits = l
	}
}
