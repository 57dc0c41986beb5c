// File: handshake/engine.go
// Package handshake drives TLS handshakes over non-blocking sockets.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package handshake

import (
	"crypto/tls"
	"fmt"
)

// Status is what an Engine needs next to make handshake progress.
type Status int

const (
	// NotHandshaking means no handshake is in progress.
	NotHandshaking Status = iota
	// NeedWrap means the engine has handshake bytes to send.
	NeedWrap
	// NeedUnwrap means the engine waits for bytes from the peer.
	NeedUnwrap
	// NeedTask means a delegated computation must run before progress.
	NeedTask
	// Finished means the handshake completed.
	Finished
)

func (s Status) String() string {
	switch s {
	case NotHandshaking:
		return "not-handshaking"
	case NeedWrap:
		return "need-wrap"
	case NeedUnwrap:
		return "need-unwrap"
	case NeedTask:
		return "need-task"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Engine is a record-layer state machine decoupled from any socket. Wrap and
// Unwrap exchange ciphertext with the caller, which owns the transport.
type Engine interface {
	// Status reports the next required step.
	Status() Status

	// Task returns the delegated computation to run while Status is NeedTask.
	Task() func() error

	// Wrap encrypts plaintext (nil during the handshake) and returns the
	// ciphertext to send, which may be empty.
	Wrap(plain []byte) ([]byte, error)

	// Unwrap consumes ciphertext and returns any decrypted application data.
	// io.EOF reports a close_notify from the peer.
	Unwrap(cipher []byte) ([]byte, error)

	// ConnectionState is valid once the handshake finished.
	ConnectionState() tls.ConnectionState

	// Close releases the engine. Pending tasks fail.
	Close() error
}

// Policy inspects the negotiated parameters before the connection is handed
// to the application. A non-nil error fails the handshake.
type Policy func(tls.ConnectionState) error

// RequireALPN returns a Policy accepting only the given negotiated protocols.
func RequireALPN(protos ...string) Policy {
	return func(cs tls.ConnectionState) error {
		for _, p := range protos {
			if cs.NegotiatedProtocol == p {
				return nil
			}
		}
		return fmt.Errorf("negotiated protocol %q not allowed", cs.NegotiatedProtocol)
	}
}
