// File: server/pipeline.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pipelined requests on one connection may finish out of order on the
// executor; responses must still leave in request order. Each connection gets
// a coordinator that hands out sequence numbers as requests are dispatched and
// parks early responses until every earlier one has been written.

package server

import (
	"fmt"
	"sync"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/control"
	"github.com/valyala/bytebufferpool"
)

// sink is the write side of a connection.
type sink interface {
	Write(p []byte) error
	WriteAndClose(p []byte) error
	Closed() bool
}

type parked struct {
	buf        *bytebufferpool.ByteBuffer
	closeAfter bool
}

type coordinator struct {
	next  uint64    // next sequence to assign
	flush uint64    // next sequence to write
	slots []*parked // slots[i] holds sequence flush+i
	count int
}

// pipeline owns the coordinators of every connection of a server.
type pipeline struct {
	mu      sync.Mutex
	coords  map[sink]*coordinator
	metrics *control.Metrics
}

func newPipeline(m *control.Metrics) *pipeline {
	return &pipeline{coords: make(map[sink]*coordinator), metrics: m}
}

// nextSequence assigns the sequence of the next request read from c.
func (p *pipeline) nextSequence(c sink) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	co := p.coords[c]
	if co == nil {
		co = &coordinator{}
		p.coords[c] = co
	}
	seq := co.next
	co.next++
	return seq
}

// respond takes ownership of buf, the encoded response for seq, and writes
// every response that is now in order. Responses for a connection that has
// already been torn down are dropped.
func (p *pipeline) respond(c sink, seq uint64, buf *bytebufferpool.ByteBuffer, closeAfter bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	co := p.coords[c]
	if co == nil {
		bytebufferpool.Put(buf)
		if c.Closed() {
			return api.ErrConnClosed
		}
		panic(&api.InvariantViolation{Msg: fmt.Sprintf("response %d for a connection with no outstanding requests", seq)})
	}
	if seq < co.flush || seq >= co.next {
		bytebufferpool.Put(buf)
		panic(&api.InvariantViolation{Msg: fmt.Sprintf("response %d outside window [%d,%d)", seq, co.flush, co.next)})
	}

	off := int(seq - co.flush)
	if off == 0 && co.count == 0 {
		err := write(c, buf, closeAfter)
		co.flush++
		p.collect(c, co)
		return err
	}

	for len(co.slots) <= off {
		co.slots = append(co.slots, nil)
	}
	if co.slots[off] != nil {
		bytebufferpool.Put(buf)
		panic(&api.InvariantViolation{Msg: fmt.Sprintf("response %d sent twice", seq)})
	}
	co.slots[off] = &parked{buf: buf, closeAfter: closeAfter}
	co.count++
	p.metrics.PipelineBuffered(1)

	var err error
	for len(co.slots) > 0 && co.slots[0] != nil {
		r := co.slots[0]
		co.slots[0] = nil
		co.slots = co.slots[1:]
		co.count--
		p.metrics.PipelineBuffered(-1)
		if werr := write(c, r.buf, r.closeAfter); werr != nil && err == nil {
			err = werr
		}
		co.flush++
	}
	p.collect(c, co)
	return err
}

// collect forgets a coordinator with nothing outstanding.
func (p *pipeline) collect(c sink, co *coordinator) {
	if co.count == 0 && co.flush == co.next {
		delete(p.coords, c)
	}
}

// drop discards the state of a closed connection.
func (p *pipeline) drop(c sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	co := p.coords[c]
	if co == nil {
		return
	}
	for _, r := range co.slots {
		if r != nil {
			bytebufferpool.Put(r.buf)
			p.metrics.PipelineBuffered(-1)
		}
	}
	delete(p.coords, c)
}

// outstanding reports assigned but unwritten responses on c.
func (p *pipeline) outstanding(c sink) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if co := p.coords[c]; co != nil {
		return int(co.next - co.flush)
	}
	return 0
}

func write(c sink, buf *bytebufferpool.ByteBuffer, closeAfter bool) error {
	defer bytebufferpool.Put(buf)
	if closeAfter {
		return c.WriteAndClose(buf.B)
	}
	return c.Write(buf.B)
}
