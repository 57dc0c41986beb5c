// Package api
// Author: momentics
//
// Message framing contract consumed by the reactor.

package api

// MessageBuffer accumulates the bytes of exactly one inbound message.
//
// The reactor owns framing only through this interface: it appends whatever the
// socket produced and asks whether a full message is present. Parsing of the
// payload format stays with the implementation.
type MessageBuffer interface {
	// Write appends p. Once the message completes, the number of trailing bytes
	// of p that belong to the next message is returned as excess; it is zero
	// while the message is incomplete or when p ended exactly on the boundary.
	Write(p []byte) (excess int, err error)

	// Complete reports whether a whole message has been accumulated.
	Complete() bool

	// Bytes returns the complete message. Valid until Release.
	Bytes() []byte

	// Release returns internal storage to its pool.
	Release()
}

// MessageBufferFactory creates an empty buffer for a new inbound message.
type MessageBufferFactory func() MessageBuffer
