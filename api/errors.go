// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-rpc.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrRemoteClosed     = errors.New("remote closed connection")
	ErrPoolTimeout      = errors.New("timed out waiting for a pooled connection")
	ErrPoolClosed       = errors.New("connection pool is closed")
	ErrHandshakeTimeout = errors.New("tls handshake timed out")
	ErrHandshakeFailed  = errors.New("tls handshake failed")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrIdleTimeout      = errors.New("connection idle timeout")
	ErrEngineClosed     = errors.New("engine is closed")
	ErrConnClosed       = errors.New("connection is closed")
	ErrNotSupported     = errors.New("operation not supported on this platform")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// ErrorKind classifies connection level failures.
type ErrorKind int

const (
	KindProcessing ErrorKind = iota
	KindRemoteClosed
	KindHandshakeTimeout
	KindHandshakeFailure
	KindRequestTimeout
	KindIdleTimeout
	KindPoolTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindProcessing:
		return "processing"
	case KindRemoteClosed:
		return "remote-closed"
	case KindHandshakeTimeout:
		return "handshake-timeout"
	case KindHandshakeFailure:
		return "handshake-failure"
	case KindRequestTimeout:
		return "request-timeout"
	case KindIdleTimeout:
		return "idle-timeout"
	case KindPoolTimeout:
		return "pool-timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ConnError is reported whenever a connection is torn down because of a failure.
// ConnID is zero when the failure is not tied to a single connection.
type ConnError struct {
	Kind   ErrorKind
	ConnID uint64
	Op     string
	Err    error
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	if e.ConnID == 0 {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("conn %d: %s: %s: %v", e.ConnID, e.Kind, e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was caused by a deadline.
func (e *ConnError) Timeout() bool {
	switch e.Kind {
	case KindHandshakeTimeout, KindRequestTimeout, KindIdleTimeout, KindPoolTimeout:
		return true
	}
	return false
}

// Temporary is required by net.Error.
func (e *ConnError) Temporary() bool { return e.Timeout() }

// NewConnError wraps err, deriving its kind from the sentinel it carries.
func NewConnError(connID uint64, op string, err error) *ConnError {
	var ce *ConnError
	if errors.As(err, &ce) {
		if ce.ConnID != 0 || connID == 0 {
			return ce
		}
		cp := *ce
		cp.ConnID = connID
		return &cp
	}
	return &ConnError{Kind: KindOf(err), ConnID: connID, Op: op, Err: err}
}

// KindOf maps an error to its kind.
func KindOf(err error) ErrorKind {
	var ce *ConnError
	switch {
	case errors.As(err, &ce):
		return ce.Kind
	case errors.Is(err, ErrHandshakeTimeout):
		return KindHandshakeTimeout
	case errors.Is(err, ErrHandshakeFailed):
		return KindHandshakeFailure
	case errors.Is(err, ErrRemoteClosed):
		return KindRemoteClosed
	case errors.Is(err, ErrRequestTimeout):
		return KindRequestTimeout
	case errors.Is(err, ErrIdleTimeout):
		return KindIdleTimeout
	case errors.Is(err, ErrPoolTimeout):
		return KindPoolTimeout
	default:
		return KindProcessing
	}
}

// IsRemoteClosed reports whether err is a clean EOF from the peer.
func IsRemoteClosed(err error) bool {
	return errors.Is(err, ErrRemoteClosed)
}

// InvariantViolation is raised with panic when internal bookkeeping detects a
// logic bug. It is never recovered by the executor.
type InvariantViolation struct {
	Msg string
}

func (v *InvariantViolation) Error() string { return "invariant violation: " + v.Msg }
